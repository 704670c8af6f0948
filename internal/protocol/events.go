package protocol

import "time"

// Event kinds published for each connection. Utterance and reply text are
// never included.
const (
	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
	EventTurnCompleted  = "turn.completed"
	EventTurnFailed     = "turn.failed"
)

const (
	SubjectSessionStarted = "voice.session.started"
	SubjectSessionEnded   = "voice.session.ended"
	SubjectTurnCompleted  = "voice.turn.completed"
	SubjectTurnFailed     = "voice.turn.failed"
)

// SessionEvent is the metadata record emitted to observers (event store, bus).
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Language   string    `json:"language,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
	InputChars int       `json:"input_chars,omitempty"`
	ReplyChars int       `json:"reply_chars,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Subject returns the bus subject for the event kind, or "" if unknown.
func (e SessionEvent) Subject() string {
	switch e.Kind {
	case EventSessionStarted:
		return SubjectSessionStarted
	case EventSessionEnded:
		return SubjectSessionEnded
	case EventTurnCompleted:
		return SubjectTurnCompleted
	case EventTurnFailed:
		return SubjectTurnFailed
	default:
		return ""
	}
}
