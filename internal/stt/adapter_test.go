package stt

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 8)}
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Kind == EventEnd {
		r.done <- struct{}{}
	}
}

func (r *recorder) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for capture end")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdapterReportsResult(t *testing.T) {
	rec := newRecorder()
	a := NewAdapter(NewMockEngine("  Tell me about the RV400 ", 0), rec.emit, 0, newLogger())

	if err := a.Start("en-US"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Start("en-US"); err != ErrCaptureActive {
		t.Fatalf("expected ErrCaptureActive, got %v", err)
	}
	a.Stop()

	events := rec.wait(t)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", events)
	}
	if events[0].Kind != EventStart || events[1].Kind != EventResult || events[2].Kind != EventEnd {
		t.Fatalf("unexpected event order %v", events)
	}
	if events[1].Text != "Tell me about the RV400" {
		t.Fatalf("unexpected transcript %q", events[1].Text)
	}
	if a.Active() {
		t.Fatal("capture should be finished")
	}
}

func TestAdapterRestartFromResult(t *testing.T) {
	var (
		a         *Adapter
		restarted atomic.Bool
		restarts  = make(chan error, 1)
		ends      = make(chan struct{}, 4)
	)
	a = NewAdapter(NewMockEngine("first", 10*time.Millisecond), func(ev Event) {
		switch ev.Kind {
		case EventResult:
			if restarted.CompareAndSwap(false, true) {
				restarts <- a.Start("hi-IN")
			}
		case EventEnd:
			ends <- struct{}{}
		}
	}, 0, newLogger())

	if err := a.Start("en-US"); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-restarts:
		if err != nil {
			t.Fatalf("expected restart from the result callback, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	a.Cancel()
	select {
	case <-ends:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the first capture to end")
	}
}

func TestAdapterEmptyTranscriptIsNoSpeech(t *testing.T) {
	rec := newRecorder()
	a := NewAdapter(NewMockEngine("   ", time.Millisecond), rec.emit, 0, newLogger())
	if err := a.Start("hi-IN"); err != nil {
		t.Fatalf("start: %v", err)
	}
	events := rec.wait(t)
	if events[1].Kind != EventError || events[1].Code != CodeNoSpeech {
		t.Fatalf("expected no-speech error, got %v", events)
	}
}

func TestAdapterEngineErrorCode(t *testing.T) {
	rec := newRecorder()
	engine := &MockEngine{Delay: time.Millisecond, Code: CodeNotAllowed}
	a := NewAdapter(engine, rec.emit, 0, newLogger())
	if err := a.Start("en-US"); err != nil {
		t.Fatalf("start: %v", err)
	}
	events := rec.wait(t)
	if events[1].Kind != EventError || events[1].Code != CodeNotAllowed {
		t.Fatalf("expected not-allowed error, got %v", events)
	}
}

func TestAdapterCancelSuppressesEvents(t *testing.T) {
	rec := newRecorder()
	a := NewAdapter(NewMockEngine("discarded", 0), rec.emit, 0, newLogger())
	if err := a.Start("en-US"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Let the start event through before cancelling.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.events)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	a.Cancel()
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].Kind != EventStart {
		t.Fatalf("expected only the start event, got %v", rec.events)
	}
	if a.Active() {
		t.Fatal("cancelled capture still active")
	}
}

func TestAdapterMaxCaptureStops(t *testing.T) {
	rec := newRecorder()
	a := NewAdapter(NewMockEngine("long utterance", 0), rec.emit, 20*time.Millisecond, newLogger())
	if err := a.Start("en-US"); err != nil {
		t.Fatalf("start: %v", err)
	}
	events := rec.wait(t)
	if events[1].Kind != EventResult || events[1].Text != "long utterance" {
		t.Fatalf("expected result after max capture, got %v", events)
	}
}

func TestNewEngineModes(t *testing.T) {
	if _, err := NewEngine(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock engine: %v", err)
	}
	if _, err := NewEngine(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for exec engine without commands")
	}
	if _, err := NewEngine(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExecEngineTranscribesCapture(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	engine, err := NewExecEngine(config.STTConfig{
		CaptureCommand: `sh -c 'printf "\001\000\002\000\003\000\004\000"'`,
		Command:        `sh -c 'test -s "$1" && test "$3" = hi-IN && echo "{\"text\": \"namaste\"}"'`,
		SampleRate:     16000,
		Channels:       1,
	})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}

	text, err := engine.Recognize(context.Background(), "hi-IN", make(chan struct{}))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if text != "namaste" {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestExecEngineKillsCaptureIgnoringInterrupt(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	engine, err := NewExecEngine(config.STTConfig{
		CaptureCommand: `sh -c 'trap "" INT; printf "\001\000\002\000"; exec sleep 30'`,
		Command:        `sh -c 'echo "{\"text\": \"stopped\"}"'`,
	})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	engine.InterruptGrace = 50 * time.Millisecond

	stop := make(chan struct{})
	time.AfterFunc(100*time.Millisecond, func() { close(stop) })

	started := time.Now()
	text, err := engine.Recognize(context.Background(), "en-US", stop)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if text != "stopped" {
		t.Fatalf("unexpected transcript %q", text)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("capture was not killed after the grace period, took %s", elapsed)
	}
}

func TestExecEngineEmptyCaptureIsNoSpeech(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	engine, err := NewExecEngine(config.STTConfig{CaptureCommand: "true", Command: "true"})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	_, err = engine.Recognize(context.Background(), "en-US", make(chan struct{}))
	if ErrorCode(err) != CodeNoSpeech {
		t.Fatalf("expected no-speech, got %v", err)
	}
}

func TestExecEngineMissingBinaryIsUnsupported(t *testing.T) {
	engine, err := NewExecEngine(config.STTConfig{CaptureCommand: "loqa-voice-no-such-recorder", Command: "true"})
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	_, err = engine.Recognize(context.Background(), "en-US", make(chan struct{}))
	if ErrorCode(err) != CodeUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
