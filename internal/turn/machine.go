// Package turn drives the mic button: Idle, Listening, Processing, Speaking.
//
// Machine is a pure transition function. Controller owns the only Machine,
// feeds it events from the channel and the speech adapters on one goroutine,
// and executes the effects it returns.
package turn

import (
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/language"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

type State int

const (
	Idle State = iota
	Listening
	Processing
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Event is an input to the machine.
type Event interface{ event() }

type (
	// Tap is a press of the mic button.
	Tap struct{}
	// Connected and Disconnected report the channel lifecycle.
	Connected    struct{}
	Disconnected struct{}

	Transcript    struct{ Text string }
	CaptureFailed struct{ Code string }

	Reply struct {
		Text     string
		Language string
		TurnID   string
	}
	ServerError struct {
		Message string
		Reason  string
		TurnID  string
	}
	SessionStarted struct{ Language string }
	SessionEnded   struct{}
	// SendFailed reports that a text_input could not be written.
	SendFailed struct{ TurnID string }

	SpeechStarted struct{}
	SpeechEnded   struct{}
	SpeechFailed  struct{ Code string }

	SetDisplayLanguage struct{ Language language.Tag }
)

func (Tap) event()                {}
func (Connected) event()          {}
func (Disconnected) event()       {}
func (Transcript) event()         {}
func (CaptureFailed) event()      {}
func (Reply) event()              {}
func (ServerError) event()        {}
func (SessionStarted) event()     {}
func (SessionEnded) event()       {}
func (SendFailed) event()         {}
func (SpeechStarted) event()      {}
func (SpeechEnded) event()        {}
func (SpeechFailed) event()       {}
func (SetDisplayLanguage) event() {}

// Effect is work the controller performs after a transition, in order.
type Effect interface{ effect() }

type (
	StartSession  struct{ Language string }
	StartCapture  struct{ Locale string }
	StopCapture   struct{}
	CancelCapture struct{}
	SendText      struct{ Text, TurnID string }
	Speak         struct{ Text, Locale string }
	CancelSpeech  struct{}
	SetStatus     struct{ Status Status }
	// Discard records an event that arrived for a turn that is no longer
	// pending.
	Discard struct {
		Event  Event
		Reason string
	}
)

func (StartSession) effect()  {}
func (StartCapture) effect()  {}
func (StopCapture) effect()   {}
func (CancelCapture) effect() {}
func (SendText) effect()      {}
func (Speak) effect()         {}
func (CancelSpeech) effect()  {}
func (SetStatus) effect()     {}
func (Discard) effect()       {}

// Machine is the full client turn state. The zero value is not usable; call
// NewMachine.
type Machine struct {
	State     State
	Connected bool
	// SessionRequested is set once start_session has been sent on the
	// current channel.
	SessionRequested bool
	Display          language.Tag
	PendingTurn      string
	Status           Status

	turns uint64
}

func NewMachine(display language.Tag) Machine {
	if _, ok := language.Parse(string(display)); !ok {
		display = language.Default
	}
	return Machine{
		State:   Idle,
		Display: display,
		Status:  Status{Key: StatusClickToStart},
	}
}

// Next applies ev and returns the new machine with the effects to run.
func (m Machine) Next(ev Event) (Machine, []Effect) {
	var effects []Effect
	emit := func(e ...Effect) { effects = append(effects, e...) }
	status := func(key StatusKey, detail string) {
		m.Status = Status{Key: key, Detail: detail}
		emit(SetStatus{Status: m.Status})
	}
	discard := func(reason string) { emit(Discard{Event: ev, Reason: reason}) }

	switch e := ev.(type) {
	case Connected:
		m.Connected = true
		m.SessionRequested = false
		if m.State == Idle {
			status(StatusReady, "")
		}

	case Disconnected:
		switch m.State {
		case Listening:
			emit(CancelCapture{})
		case Speaking:
			emit(CancelSpeech{})
		}
		m.State = Idle
		m.Connected = false
		m.SessionRequested = false
		m.PendingTurn = ""
		status(StatusConnectionLost, "")

	case Tap:
		switch m.State {
		case Idle:
			if !m.Connected {
				status(StatusNotConnected, "")
				break
			}
			if !m.SessionRequested {
				m.SessionRequested = true
				emit(StartSession{})
			}
			m.State = Listening
			emit(StartCapture{Locale: m.Display.Locale()})
			status(StatusListening, "")
		case Listening:
			m.State = Idle
			emit(CancelCapture{})
			status(StatusReady, "")
		case Processing:
			// No cancellation path for a backend call in flight.
		case Speaking:
			m.State = Idle
			emit(CancelSpeech{})
			status(StatusReady, "")
		}

	case Transcript:
		if m.State != Listening {
			discard("not listening")
			break
		}
		m.turns++
		m.PendingTurn = fmt.Sprintf("turn-%d", m.turns)
		m.State = Processing
		emit(StopCapture{}, SendText{Text: e.Text, TurnID: m.PendingTurn})
		status(StatusProcessing, "")

	case CaptureFailed:
		if m.State != Listening {
			discard("not listening")
			break
		}
		m.State = Idle
		emit(CancelCapture{})
		status(captureStatus(e.Code), "")

	case Reply:
		if m.State != Processing {
			discard("no turn pending")
			break
		}
		if e.TurnID != "" && e.TurnID != m.PendingTurn {
			discard("stale turn " + e.TurnID)
			break
		}
		m.State = Speaking
		m.PendingTurn = ""
		locale := language.Resolve(e.Language, string(m.Display)).Locale()
		emit(Speak{Text: e.Text, Locale: locale})
		status(StatusSpeaking, "")

	case ServerError:
		sessionLost := e.Reason == protocol.ReasonSessionStartFailed || e.Reason == protocol.ReasonNotStarted
		if sessionLost {
			m.SessionRequested = false
		}
		if e.TurnID != "" && (m.State != Processing || e.TurnID != m.PendingTurn) {
			discard("stale turn " + e.TurnID)
			break
		}
		switch m.State {
		case Processing:
			m.State = Idle
			m.PendingTurn = ""
		case Listening:
			// Speech captured now would be answered with not_started.
			if sessionLost {
				m.State = Idle
				emit(CancelCapture{})
			}
		case Speaking:
			if sessionLost {
				m.State = Idle
				emit(CancelSpeech{})
			}
		}
		status(StatusServerError, e.Message)

	case SendFailed:
		if m.State != Processing || e.TurnID != m.PendingTurn {
			discard("send failure for an old turn")
			break
		}
		m.State = Idle
		m.PendingTurn = ""
		status(StatusNotConnected, "")

	case SessionStarted:
		if m.State == Idle {
			status(StatusReady, "")
		}

	case SessionEnded:
		m.SessionRequested = false

	case SpeechStarted:

	case SpeechEnded:
		if m.State != Speaking {
			discard("not speaking")
			break
		}
		m.State = Idle
		status(StatusReady, "")

	case SpeechFailed:
		if m.State != Speaking {
			discard("not speaking")
			break
		}
		m.State = Idle
		status(StatusSpeechError, "")

	case SetDisplayLanguage:
		if tag, ok := language.Parse(string(e.Language)); ok {
			m.Display = tag
		}
		if m.State == Idle && (m.Status.Key == StatusReady || m.Status.Key == StatusClickToStart) {
			if m.Connected {
				status(StatusReady, "")
			} else {
				status(StatusClickToStart, "")
			}
		} else {
			emit(SetStatus{Status: m.Status})
		}
	}

	return m, effects
}
