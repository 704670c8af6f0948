package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type EventKind int

const (
	EventStart EventKind = iota
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Code string
}

// Adapter speaks one utterance at a time. Each utterance reports Start, then
// End or Error. A cancelled utterance reports nothing once Cancel returns.
// emit must not block.
type Adapter struct {
	engine Engine
	emit   func(Event)
	logger *slog.Logger

	mu      sync.Mutex
	current *utterance
}

type utterance struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
}

func NewAdapter(engine Engine, emit func(Event), logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		engine: engine,
		emit:   emit,
		logger: logger.With(slog.String("component", "tts")),
	}
}

// Speak starts text in locale, cancelling any utterance still playing.
func (a *Adapter) Speak(text, locale string) {
	a.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	u := &utterance{cancel: cancel}
	a.mu.Lock()
	a.current = u
	a.mu.Unlock()
	go a.run(ctx, u, text, locale)
}

// Cancel stops the current utterance immediately.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	u := a.current
	a.current = nil
	a.mu.Unlock()
	if u == nil {
		return
	}
	u.mu.Lock()
	u.cancelled = true
	u.mu.Unlock()
	u.cancel()
}

// Speaking reports whether an utterance is in progress.
func (a *Adapter) Speaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

func (a *Adapter) run(ctx context.Context, u *utterance, text, locale string) {
	defer u.cancel()
	a.send(u, Event{Kind: EventStart})

	err := a.engine.Speak(ctx, text, locale)

	a.mu.Lock()
	if a.current == u {
		a.current = nil
	}
	a.mu.Unlock()

	if err != nil {
		code := ErrorCode(err)
		if errors.Is(err, context.Canceled) {
			code = CodeInterrupted
		}
		a.logger.Debug("synthesis failed", slog.String("locale", locale), slog.String("code", code), slog.String("error", err.Error()))
		a.send(u, Event{Kind: EventError, Code: code})
		return
	}
	a.send(u, Event{Kind: EventEnd})
}

func (a *Adapter) send(u *utterance, ev Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancelled || a.emit == nil {
		return
	}
	a.emit(ev)
}
