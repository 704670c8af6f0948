package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ExecEngine runs a synthesis command that reads one JSON request on stdin
// and prints {"pcm_base64", "final"} lines. PCM is piped to the player
// command, or written to output_dir as a WAV file when no player is set.
type ExecEngine struct {
	cmd    []string
	player []string
	cfg    config.TTSConfig
	mu     sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Locale     string `json:"locale"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecEngine(cfg config.TTSConfig) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	e := &ExecEngine{cmd: args, cfg: cfg}
	if cfg.PlayerCommand != "" {
		if e.player, err = parser.Parse(cfg.PlayerCommand); err != nil {
			return nil, fmt.Errorf("parse tts player command: %w", err)
		}
	}
	if len(e.player) == 0 && cfg.OutputDir == "" {
		return nil, errors.New("tts exec engine needs a player command or an output dir")
	}
	if e.cfg.SampleRate <= 0 {
		e.cfg.SampleRate = 22050
	}
	if e.cfg.Channels <= 0 {
		e.cfg.Channels = 1
	}
	return e, nil
}

func (e *ExecEngine) Speak(ctx context.Context, text, locale string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		sink    io.WriteCloser
		collect bytes.Buffer
		wait    = func() error { return nil }
	)
	if len(e.player) > 0 {
		player := exec.CommandContext(ctx, e.player[0], e.player[1:]...)
		stdin, err := player.StdinPipe()
		if err != nil {
			return &SynthesisError{Code: CodeAudioBusy, Err: err}
		}
		if err := player.Start(); err != nil {
			return &SynthesisError{Code: CodeAudioBusy, Err: err}
		}
		sink = stdin
		wait = player.Wait
	} else {
		sink = nopCloser{&collect}
	}

	synthErr := e.synthesize(ctx, text, locale, sink)
	sink.Close()
	playErr := wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if synthErr != nil {
		return synthErr
	}
	if playErr != nil {
		return &SynthesisError{Code: CodeAudioBusy, Err: playErr}
	}
	if len(e.player) == 0 {
		if _, err := e.writeWav(collect.Bytes()); err != nil {
			return &SynthesisError{Code: CodeSynthesisFailed, Err: err}
		}
	}
	return nil
}

func (e *ExecEngine) synthesize(ctx context.Context, text, locale string, out io.Writer) error {
	payload, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      VoiceFor(e.cfg.Voices, locale),
		Locale:     locale,
		SampleRate: e.cfg.SampleRate,
		Channels:   e.cfg.Channels,
	})
	if err != nil {
		return &SynthesisError{Code: CodeSynthesisFailed, Err: err}
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SynthesisError{Code: CodeSynthesisFailed, Err: err}
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &SynthesisError{Code: CodeVoiceUnavailable, Err: err}
		}
		return &SynthesisError{Code: CodeSynthesisFailed, Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var decodeErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			decodeErr = fmt.Errorf("decode tts line: %w", err)
			break
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			decodeErr = fmt.Errorf("decode tts pcm: %w", err)
			break
		}
		if _, err := out.Write(pcm); err != nil {
			decodeErr = fmt.Errorf("write pcm: %w", err)
			break
		}
		if resp.Final {
			break
		}
	}
	if decodeErr != nil {
		_ = cmd.Process.Kill()
	} else {
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if decodeErr != nil {
		return &SynthesisError{Code: CodeSynthesisFailed, Err: decodeErr}
	}
	if waitErr != nil {
		return &SynthesisError{Code: CodeSynthesisFailed, Err: fmt.Errorf("%w: %s", waitErr, stderr.String())}
	}
	return scanner.Err()
}

func (e *ExecEngine) writeWav(pcm []byte) (string, error) {
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(e.cfg.OutputDir, "reply-"+uuid.NewString()+".wav")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: e.cfg.Channels, SampleRate: e.cfg.SampleRate},
		Data:   samples,
	}
	enc := wav.NewEncoder(file, e.cfg.SampleRate, 16, e.cfg.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("close wav encoder: %w", err)
	}
	return path, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
