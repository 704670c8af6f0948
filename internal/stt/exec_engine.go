package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ExecEngine records raw 16-bit PCM from a capture command and hands it to a
// recognizer command as a WAV file.
type ExecEngine struct {
	capture   []string
	recognize []string
	cfg       config.STTConfig
	// InterruptGrace is how long a stopped capture command may take to exit
	// after SIGINT before it is killed.
	InterruptGrace time.Duration
	mu             sync.Mutex
}

const defaultInterruptGrace = 2 * time.Second

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecEngine(cfg config.STTConfig) (*ExecEngine, error) {
	capture, err := parseCommand(cfg.CaptureCommand)
	if err != nil {
		return nil, fmt.Errorf("parse stt capture command: %w", err)
	}
	recognize, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &ExecEngine{capture: capture, recognize: recognize, cfg: cfg, InterruptGrace: defaultInterruptGrace}, nil
}

func parseCommand(line string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(line)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	return args, nil
}

func (e *ExecEngine) Recognize(ctx context.Context, locale string, stop <-chan struct{}) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pcm, err := e.record(ctx, stop)
	if err != nil {
		return "", err
	}
	if len(pcm) < 2 {
		return "", &CaptureError{Code: CodeNoSpeech}
	}
	return e.transcribe(ctx, pcm, locale)
}

// record runs the capture command until stop is closed, the command exits on
// its own, or ctx is done. A command still running InterruptGrace after the
// interrupt is killed; whatever it wrote is kept.
func (e *ExecEngine) record(ctx context.Context, stop <-chan struct{}) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.capture[0], e.capture[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &CaptureError{Code: CodeAudioCapture, Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &CaptureError{Code: CodeUnsupported, Err: err}
		}
		return nil, &CaptureError{Code: CodeAudioCapture, Err: err}
	}

	var pcm bytes.Buffer
	readDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(&pcm, stdout)
		readDone <- err
	}()

	interrupted := false
	select {
	case <-stop:
		interrupted = true
		_ = cmd.Process.Signal(os.Interrupt)
		grace := time.NewTimer(e.InterruptGrace)
		select {
		case <-readDone:
		case <-grace.C:
			_ = cmd.Process.Kill()
			<-readDone
		case <-ctx.Done():
			<-readDone
		}
		grace.Stop()
	case <-ctx.Done():
		<-readDone
	case <-readDone:
	}
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil && !interrupted {
		msg := strings.ToLower(stderr.String())
		if strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed") {
			return nil, &CaptureError{Code: CodeNotAllowed, Err: waitErr}
		}
		return nil, &CaptureError{Code: CodeAudioCapture, Err: fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(stderr.String()))}
	}
	return pcm.Bytes(), nil
}

func (e *ExecEngine) transcribe(ctx context.Context, pcm []byte, locale string) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), "loqa_voice_stt_*.wav")
	if err != nil {
		return "", &CaptureError{Code: CodeAudioCapture, Err: fmt.Errorf("temp file: %w", err)}
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, e.cfg.SampleRate, e.cfg.Channels); err != nil {
		return "", &CaptureError{Code: CodeAudioCapture, Err: err}
	}

	args := append([]string{}, e.recognize[1:]...)
	args = append(args, "--audio", file.Name(), "--language", locale,
		"--sample-rate", strconv.Itoa(e.cfg.SampleRate))
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}

	command := exec.CommandContext(ctx, e.recognize[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &CaptureError{Code: CodeNetwork, Err: fmt.Errorf("stt command failed: %w: %s", err, stderr.String())}
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", &CaptureError{Code: CodeNetwork, Err: fmt.Errorf("decode stt response: %w", err)}
	}
	return resp.Text, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
