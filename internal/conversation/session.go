// Package conversation owns the backend conversation for one client
// connection and serializes turns against it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/language"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

type State int

const (
	Uninitialized State = iota
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error is a session or turn failure that maps onto a protocol error message.
type Error struct {
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrSuperseded is returned when the session was ended or restarted while a
// backend call was pending. The result must not be relayed.
var ErrSuperseded = errors.New("conversation: session ended or restarted during the call")

// Config holds per-session settings shared by every connection.
type Config struct {
	Options         llm.Options
	DefaultLanguage language.Tag
	Timeout         time.Duration
}

type Started struct {
	Language language.Tag
}

type Reply struct {
	Text         string
	Language     language.Tag
	AutoDetected bool
	Latency      time.Duration
}

// Session is safe for concurrent use; the gateway runs turns off the reader
// goroutine so End can race with an in-flight Await.
type Session struct {
	id      string
	backend llm.Backend
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	mu         sync.Mutex
	state      State
	conv       llm.Conversation
	generation uint64
	inflight   bool
}

func New(id string, backend llm.Backend, cfg Config, logger *slog.Logger) *Session {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = language.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:      id,
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "conversation"), slog.String("session_id", id)),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-voice/internal/conversation"),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start creates a fresh backend conversation, replacing any prior handle.
// languageHint, when supported, becomes the fallback reply language.
func (s *Session) Start(ctx context.Context, languageHint string) (Started, error) {
	fallback := s.cfg.DefaultLanguage
	if tag, ok := language.Parse(languageHint); ok {
		fallback = tag
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	replaced := s.conv != nil
	s.conv = nil
	s.inflight = false
	s.state = Uninitialized
	s.mu.Unlock()

	if replaced {
		s.logger.Info("replacing conversation")
	}

	opts := s.cfg.Options
	opts.SystemInstruction = SystemInstruction(opts.SystemInstruction, fallback)
	conv, err := s.backend.NewConversation(ctx, opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return Started{}, ErrSuperseded
	}
	if err != nil {
		s.logger.Warn("backend rejected conversation", slogError(err))
		return Started{}, &Error{Reason: protocol.ReasonSessionStartFailed, Message: "Failed to start session", Err: err}
	}
	s.conv = conv
	s.state = Active
	return Started{Language: fallback}, nil
}

// End drops the conversation handle. It is idempotent.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ended && s.conv == nil {
		return
	}
	s.generation++
	s.conv = nil
	s.inflight = false
	s.state = Ended
}

// Turn is an accepted text input waiting for its backend call.
type Turn struct {
	session    *Session
	conv       llm.Conversation
	generation uint64
	text       string
}

// Begin validates and claims the single in-flight slot without contacting
// the backend.
func (s *Session) Begin(text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active || s.conv == nil {
		return nil, &Error{Reason: protocol.ReasonNotStarted, Message: "Session not started"}
	}
	if text == "" {
		return nil, &Error{Reason: protocol.ReasonBadRequest, Message: "text must not be empty"}
	}
	if s.inflight {
		return nil, &Error{Reason: protocol.ReasonBusy, Message: "A previous message is still being processed"}
	}
	s.inflight = true
	return &Turn{session: s, conv: s.conv, generation: s.generation, text: text}, nil
}

// Await sends the turn to the backend, bounded by the configured timeout,
// and classifies the reply language.
func (t *Turn) Await(ctx context.Context) (Reply, error) {
	s := t.session
	defer s.release(t.generation)

	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	callCtx, span := s.tracer.Start(callCtx, "conversation.send",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("backend", s.backend.Name()),
			attribute.Int("input.chars", len([]rune(t.text))),
		))
	defer span.End()

	start := time.Now()
	text, err := t.conv.Send(callCtx, t.text)
	latency := time.Since(start)

	if !s.current(t.generation) {
		span.SetStatus(codes.Error, "superseded")
		return Reply{}, ErrSuperseded
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case ctx.Err() != nil:
			return Reply{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
			s.logger.Warn("backend call timed out", slog.Duration("latency", latency))
			return Reply{}, &Error{Reason: protocol.ReasonTimeout, Message: "The assistant took too long to respond", Err: err}
		default:
			s.logger.Warn("backend call failed", slogError(err))
			return Reply{}, &Error{Reason: protocol.ReasonBackendError, Message: "Failed to process message", Err: err}
		}
	}

	lang := language.Detect(text)
	span.SetAttributes(attribute.String("reply.language", string(lang)))
	return Reply{Text: text, Language: lang, AutoDetected: true, Latency: latency}, nil
}

// Submit is Begin followed by Await.
func (s *Session) Submit(ctx context.Context, text string) (Reply, error) {
	turn, err := s.Begin(text)
	if err != nil {
		return Reply{}, err
	}
	return turn.Await(ctx)
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation && s.state == Active
}

func (s *Session) release(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation {
		s.inflight = false
	}
}

// SystemInstruction appends the per-request language rule to the domain
// policy.
func SystemInstruction(policy string, fallback language.Tag) string {
	rule := fmt.Sprintf("Language rule: detect the language of each user message and reply in that same language. "+
		"Reply in Hindi (Devanagari script) when the user writes in Hindi and in English when the user writes in English. "+
		"If the language cannot be determined, reply in %s.", fallback.Name())
	policy = strings.TrimSpace(policy)
	if policy == "" {
		return rule
	}
	return policy + "\n\n" + rule
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
