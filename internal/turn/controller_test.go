package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/language"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// callLog records every adapter and channel call in order.
type callLog struct {
	mu      sync.Mutex
	calls   []string
	sendErr error
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) Send(msg protocol.Message) error {
	l.mu.Lock()
	err := l.sendErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.TextInput:
		l.add("send %s %s %s", m.Type, m.TurnID, m.Text)
	default:
		l.add("send %s", msg.MessageType())
	}
	return nil
}

type fakeCapture struct{ log *callLog }

func (f fakeCapture) Start(locale string) error { f.log.add("capture.start %s", locale); return nil }
func (f fakeCapture) Stop()                     { f.log.add("capture.stop") }
func (f fakeCapture) Cancel()                   { f.log.add("capture.cancel") }

type fakeSpeaker struct{ log *callLog }

func (f fakeSpeaker) Speak(text, locale string) { f.log.add("speak %s %s", locale, text) }
func (f fakeSpeaker) Cancel()                   { f.log.add("speak.cancel") }

type harness struct {
	ctrl     *Controller
	log      *callLog
	statuses chan string
}

func newHarness(t *testing.T, display language.Tag) *harness {
	t.Helper()
	h := &harness{log: &callLog{}, statuses: make(chan string, 64)}
	h.ctrl = NewController(Options{
		Display: display,
		Channel: h.log,
		Capture: fakeCapture{h.log},
		Speaker: fakeSpeaker{h.log},
		OnStatus: func(state State, _ Status, text string) {
			h.statuses <- state.String() + "|" + text
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ctrl.Snapshot().State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, state %s", want, h.ctrl.Snapshot().State)
}

func (h *harness) waitStatus(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.statuses:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestControllerTurnWithBargeIn(t *testing.T) {
	h := newHarness(t, language.English)

	h.ctrl.OnConnect()
	h.waitStatus(t, "idle|Ready to talk")

	h.ctrl.Post(Tap{})
	h.waitState(t, Listening)
	h.ctrl.OnCapture(stt.Event{Kind: stt.EventStart})
	h.ctrl.OnCapture(stt.Event{Kind: stt.EventResult, Text: "आरवी400 की कीमत क्या है"})
	h.waitState(t, Processing)

	h.ctrl.OnMessage(protocol.NewTextResponse("आरवी400 की कीमत ...", "hi", true, "turn-1"))
	h.waitState(t, Speaking)
	h.ctrl.OnSpeech(tts.Event{Kind: tts.EventStart})

	h.ctrl.Post(Tap{})
	h.waitState(t, Idle)
	h.ctrl.Post(Tap{})
	h.waitState(t, Listening)

	want := []string{
		"send start_session",
		"capture.start en-US",
		"capture.stop",
		"send text_input turn-1 आरवी400 की कीमत क्या है",
		"speak hi-IN आरवी400 की कीमत ...",
		"speak.cancel",
		"capture.start en-US",
	}
	if got := h.log.snapshot(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected call order:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestControllerDropsStaleReply(t *testing.T) {
	h := newHarness(t, language.English)
	h.ctrl.OnConnect()
	h.ctrl.Post(Tap{})
	h.ctrl.OnCapture(stt.Event{Kind: stt.EventResult, Text: "hello"})
	h.waitState(t, Processing)

	h.ctrl.OnMessage(protocol.NewTextResponse("old answer", "en", true, "turn-0"))
	h.ctrl.OnMessage(protocol.Unknown{Type: "pong"})
	h.ctrl.OnMessage(protocol.NewError(protocol.ReasonBackendError, "Failed to process message", "turn-1"))
	h.waitStatus(t, "idle|Error: Failed to process message")

	for _, call := range h.log.snapshot() {
		if strings.HasPrefix(call, "speak ") {
			t.Fatalf("stale reply was spoken: %s", call)
		}
	}
}

func TestControllerDisconnectCancelsCapture(t *testing.T) {
	h := newHarness(t, language.Hindi)
	h.ctrl.OnConnect()
	h.ctrl.Post(Tap{})
	h.waitState(t, Listening)

	h.ctrl.OnDisconnect()
	h.waitStatus(t, "idle|कनेक्शन खो गया - दोबारा कनेक्ट हो रहा है")
	h.ctrl.Post(Tap{})
	h.waitStatus(t, "idle|कनेक्ट नहीं है - सर्वर का इंतज़ार")

	got := h.log.snapshot()
	if got[len(got)-1] != "capture.cancel" {
		t.Fatalf("expected capture cancelled last, got %v", got)
	}
	if got[1] != "capture.start hi-IN" {
		t.Fatalf("expected Hindi capture locale, got %v", got)
	}
}

func TestControllerSendFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, language.English)
	h.ctrl.OnConnect()
	h.ctrl.Post(Tap{})
	h.waitState(t, Listening)

	h.log.mu.Lock()
	h.log.sendErr = errors.New("not connected")
	h.log.mu.Unlock()

	h.ctrl.OnCapture(stt.Event{Kind: stt.EventResult, Text: "hello"})
	h.waitStatus(t, "idle|Not connected - waiting for server")
}

func TestControllerSpeechErrorStatus(t *testing.T) {
	h := newHarness(t, language.English)
	h.ctrl.OnConnect()
	h.ctrl.Post(Tap{})
	h.ctrl.OnCapture(stt.Event{Kind: stt.EventResult, Text: "hello"})
	h.waitState(t, Processing)
	h.ctrl.OnMessage(protocol.NewTextResponse("hi there", "en", true, ""))
	h.waitState(t, Speaking)
	h.ctrl.OnSpeech(tts.Event{Kind: tts.EventError, Code: tts.CodeAudioBusy})
	h.waitStatus(t, "idle|Speech recognition error - try again")
}
