package turn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/language"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// Channel sends protocol messages to the server.
type Channel interface {
	Send(msg protocol.Message) error
}

// ChannelFunc adapts a send function to Channel.
type ChannelFunc func(msg protocol.Message) error

func (f ChannelFunc) Send(msg protocol.Message) error { return f(msg) }

type Capture interface {
	Start(locale string) error
	Stop()
	Cancel()
}

type Speaker interface {
	Speak(text, locale string)
	Cancel()
}

// StatusFunc is called on the controller goroutine after every status
// change, with the status already rendered in the display language.
type StatusFunc func(state State, status Status, text string)

type Options struct {
	Display  language.Tag
	Channel  Channel
	Capture  Capture
	Speaker  Speaker
	OnStatus StatusFunc
	Logger   *slog.Logger
}

// Controller serializes every event through one Machine.
type Controller struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	machine Machine
}

func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		opts:    opts,
		logger:  logger.With(slog.String("component", "turn")),
		wake:    make(chan struct{}, 1),
		machine: NewMachine(opts.Display),
	}
}

// Post queues ev. It never blocks, so adapter callbacks may call it while
// holding their own locks.
func (c *Controller) Post(ev Event) {
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current machine.
func (c *Controller) Snapshot() Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine
}

// Run processes events until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		for _, ev := range c.drain() {
			c.step(ev)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
	}
}

func (c *Controller) drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.pending
	c.pending = nil
	return events
}

func (c *Controller) step(ev Event) {
	c.mu.Lock()
	before := c.machine.State
	next, effects := c.machine.Next(ev)
	c.machine = next
	c.mu.Unlock()

	if before != next.State {
		c.logger.Debug("turn transition",
			slog.String("from", before.String()),
			slog.String("to", next.State.String()),
			slog.String("event", eventName(ev)))
	}
	for _, eff := range effects {
		c.execute(next, eff)
	}
}

func (c *Controller) execute(m Machine, eff Effect) {
	switch e := eff.(type) {
	case StartSession:
		if err := c.opts.Channel.Send(protocol.NewStartSession(e.Language)); err != nil {
			c.logger.Warn("start_session not sent", slogError(err))
		}
	case StartCapture:
		if err := c.opts.Capture.Start(e.Locale); err != nil {
			c.logger.Warn("capture did not start", slogError(err))
			c.Post(CaptureFailed{Code: stt.ErrorCode(err)})
		}
	case StopCapture:
		c.opts.Capture.Stop()
	case CancelCapture:
		c.opts.Capture.Cancel()
	case SendText:
		if err := c.opts.Channel.Send(protocol.NewTextInput(e.Text, e.TurnID)); err != nil {
			c.logger.Warn("text_input not sent", slogError(err))
			c.Post(SendFailed{TurnID: e.TurnID})
		}
	case Speak:
		c.opts.Speaker.Speak(e.Text, e.Locale)
	case CancelSpeech:
		c.opts.Speaker.Cancel()
	case SetStatus:
		if c.opts.OnStatus != nil {
			c.opts.OnStatus(m.State, e.Status, e.Status.Text(m.Display))
		}
	case Discard:
		c.logger.Debug("event discarded", slog.String("event", eventName(e.Event)), slog.String("reason", e.Reason))
	}
}

// OnMessage translates a server message into a controller event.
func (c *Controller) OnMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.SessionStarted:
		c.Post(SessionStarted{Language: m.Language})
	case protocol.TextResponse:
		c.Post(Reply{Text: m.Text, Language: m.Language, TurnID: m.TurnID})
	case protocol.Error:
		c.Post(ServerError{Message: m.Message, Reason: m.Reason, TurnID: m.TurnID})
	case protocol.SessionEnded:
		c.Post(SessionEnded{})
	default:
		c.logger.Debug("ignoring server message", slog.String("type", msg.MessageType()))
	}
}

// OnCapture translates transcription adapter events.
func (c *Controller) OnCapture(ev stt.Event) {
	switch ev.Kind {
	case stt.EventResult:
		c.Post(Transcript{Text: ev.Text})
	case stt.EventError:
		c.Post(CaptureFailed{Code: ev.Code})
	}
}

// OnSpeech translates synthesis adapter events.
func (c *Controller) OnSpeech(ev tts.Event) {
	switch ev.Kind {
	case tts.EventStart:
		c.Post(SpeechStarted{})
	case tts.EventEnd:
		c.Post(SpeechEnded{})
	case tts.EventError:
		c.Post(SpeechFailed{Code: ev.Code})
	}
}

// OnConnect and OnDisconnect are the channel lifecycle hooks.
func (c *Controller) OnConnect()    { c.Post(Connected{}) }
func (c *Controller) OnDisconnect() { c.Post(Disconnected{}) }

func eventName(ev Event) string {
	switch ev.(type) {
	case Tap:
		return "tap"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Transcript:
		return "transcript"
	case CaptureFailed:
		return "capture_failed"
	case Reply:
		return "reply"
	case ServerError:
		return "server_error"
	case SessionStarted:
		return "session_started"
	case SessionEnded:
		return "session_ended"
	case SendFailed:
		return "send_failed"
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	case SpeechFailed:
		return "speech_failed"
	case SetDisplayLanguage:
		return "set_display_language"
	default:
		return "unknown"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
