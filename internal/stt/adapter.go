package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type EventKind int

const (
	EventStart EventKind = iota
	EventResult
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one capture lifecycle notification. Text is set for EventResult,
// Code for EventError.
type Event struct {
	Kind EventKind
	Text string
	Code string
}

// ErrCaptureActive is returned by Start while a capture is running.
var ErrCaptureActive = errors.New("capture already active")

// Adapter runs one capture at a time and reports Start, then exactly one of
// Result or Error, then End. Nothing is reported for a cancelled capture
// after Cancel returns. emit must not block.
type Adapter struct {
	engine     Engine
	emit       func(Event)
	maxCapture time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	current *capture
}

type capture struct {
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	cancelled bool
}

func (c *capture) finish() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func NewAdapter(engine Engine, emit func(Event), maxCapture time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		engine:     engine,
		emit:       emit,
		maxCapture: maxCapture,
		logger:     logger.With(slog.String("component", "stt")),
	}
}

// Start begins capturing speech in locale.
func (a *Adapter) Start(locale string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return ErrCaptureActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &capture{cancel: cancel, stop: make(chan struct{})}
	a.current = c
	go a.run(ctx, c, locale)
	return nil
}

// Stop ends the capture and lets the engine finish transcribing.
func (a *Adapter) Stop() {
	a.mu.Lock()
	c := a.current
	a.mu.Unlock()
	if c != nil {
		c.finish()
	}
}

// Cancel abandons the capture. Its partial result is discarded.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	c := a.current
	a.current = nil
	a.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.cancel()
	c.finish()
}

// Active reports whether a capture is running.
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

func (a *Adapter) run(ctx context.Context, c *capture, locale string) {
	defer c.cancel()
	a.send(c, Event{Kind: EventStart})

	if a.maxCapture > 0 {
		timer := time.AfterFunc(a.maxCapture, c.finish)
		defer timer.Stop()
	}

	text, err := a.engine.Recognize(ctx, locale, c.stop)
	text = strings.TrimSpace(text)
	var outcome Event
	switch {
	case err != nil:
		code := ErrorCode(err)
		if errors.Is(err, context.Canceled) {
			code = CodeAborted
		}
		a.logger.Debug("capture failed", slog.String("code", code), slog.String("error", err.Error()))
		outcome = Event{Kind: EventError, Code: code}
	case text == "":
		outcome = Event{Kind: EventError, Code: CodeNoSpeech}
	default:
		outcome = Event{Kind: EventResult, Text: text}
	}

	// Release the slot first so a consumer may Start again from the outcome.
	a.mu.Lock()
	if a.current == c {
		a.current = nil
	}
	a.mu.Unlock()
	a.send(c, outcome)
	a.send(c, Event{Kind: EventEnd})
}

func (a *Adapter) send(c *capture, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || a.emit == nil {
		return
	}
	a.emit(ev)
}
