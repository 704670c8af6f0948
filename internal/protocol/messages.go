// Package protocol defines the JSON message vocabulary exchanged between the
// voice client and the server over a single WebSocket. Each text frame carries
// exactly one message; every message has a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types. Client to server:
const (
	TypeStartSession = "start_session"
	TypeTextInput    = "text_input"
	TypeEndSession   = "end_session"
)

// Server to client:
const (
	TypeSessionStarted = "session_started"
	TypeTextResponse   = "text_response"
	TypeError          = "error"
	TypeSessionEnded   = "session_ended"
)

// Error reasons carried on Error messages.
const (
	ReasonBadRequest         = "bad_request"
	ReasonNotStarted         = "not_started"
	ReasonBusy               = "busy"
	ReasonSessionStartFailed = "session_start_failed"
	ReasonBackendError       = "backend_error"
	ReasonTimeout            = "timeout"
	ReasonRateLimited        = "rate_limited"
)

// Message is implemented by every protocol message.
type Message interface {
	MessageType() string
}

type StartSession struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

type TextInput struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	TurnID string `json:"turn_id,omitempty"`
}

type EndSession struct {
	Type string `json:"type"`
}

type SessionStarted struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

// TextResponse carries a backend reply plus the synthesis language hint.
type TextResponse struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	Language     string `json:"language,omitempty"`
	AutoDetected bool   `json:"autoDetected,omitempty"`
	TurnID       string `json:"turn_id,omitempty"`
}

// Error reports any session- or turn-scoped failure. TurnID is set when the
// failure belongs to a tagged text_input.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	TurnID  string `json:"turn_id,omitempty"`
}

type SessionEnded struct {
	Type string `json:"type"`
}

// Unknown is returned by Decode for well-formed frames with an unrecognised
// type. Receivers ignore it.
type Unknown struct {
	Type string `json:"type"`
}

func (StartSession) MessageType() string   { return TypeStartSession }
func (TextInput) MessageType() string      { return TypeTextInput }
func (EndSession) MessageType() string     { return TypeEndSession }
func (SessionStarted) MessageType() string { return TypeSessionStarted }
func (TextResponse) MessageType() string   { return TypeTextResponse }
func (Error) MessageType() string          { return TypeError }
func (SessionEnded) MessageType() string   { return TypeSessionEnded }
func (u Unknown) MessageType() string      { return u.Type }

func NewStartSession(language string) StartSession {
	return StartSession{Type: TypeStartSession, Language: language}
}

func NewTextInput(text, turnID string) TextInput {
	return TextInput{Type: TypeTextInput, Text: text, TurnID: turnID}
}

func NewEndSession() EndSession { return EndSession{Type: TypeEndSession} }

func NewSessionStarted(language string) SessionStarted {
	return SessionStarted{Type: TypeSessionStarted, Language: language}
}

func NewTextResponse(text, language string, autoDetected bool, turnID string) TextResponse {
	return TextResponse{Type: TypeTextResponse, Text: text, Language: language, AutoDetected: autoDetected, TurnID: turnID}
}

func NewError(reason, message, turnID string) Error {
	return Error{Type: TypeError, Message: message, Reason: reason, TurnID: turnID}
}

func NewSessionEnded() SessionEnded { return SessionEnded{Type: TypeSessionEnded} }

// DecodeError describes a frame that could not be decoded. The connection
// stays usable after one.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: ReasonBadRequest, Message: message, Param: param}
}

// Encode serializes m as a single JSON document. The type field is always
// written from m's concrete type.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case StartSession:
		v.Type = TypeStartSession
		return json.Marshal(v)
	case TextInput:
		v.Type = TypeTextInput
		return json.Marshal(v)
	case EndSession:
		v.Type = TypeEndSession
		return json.Marshal(v)
	case SessionStarted:
		v.Type = TypeSessionStarted
		return json.Marshal(v)
	case TextResponse:
		v.Type = TypeTextResponse
		return json.Marshal(v)
	case Error:
		v.Type = TypeError
		return json.Marshal(v)
	case SessionEnded:
		v.Type = TypeSessionEnded
		return json.Marshal(v)
	case Unknown:
		if strings.TrimSpace(v.Type) == "" {
			return nil, badRequest("missing type", "type")
		}
		return json.Marshal(v)
	case nil:
		return nil, badRequest("nil message", "")
	default:
		return nil, fmt.Errorf("protocol: unsupported message %T", m)
	}
}

// Decode parses one frame. Unknown fields are ignored and an unknown type
// yields Unknown rather than an error; malformed frames yield *DecodeError.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_session", "")
		}
		return msg, nil
	case TypeTextInput:
		var msg TextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_input", "")
		}
		return msg, nil
	case TypeEndSession:
		return EndSession{Type: TypeEndSession}, nil
	case TypeSessionStarted:
		var msg SessionStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_started", "")
		}
		return msg, nil
	case TypeTextResponse:
		var msg TextResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_response", "")
		}
		return msg, nil
	case TypeError:
		var msg Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error", "")
		}
		return msg, nil
	case TypeSessionEnded:
		return SessionEnded{Type: TypeSessionEnded}, nil
	default:
		return Unknown{Type: typ}, nil
	}
}
