// Package stt turns microphone captures into transcripts for the turn
// controller.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Capture error codes. They follow the browser speech recognition vocabulary
// so status mapping stays the same across engines.
const (
	CodeNoSpeech     = "no-speech"
	CodeAborted      = "aborted"
	CodeAudioCapture = "audio-capture"
	CodeNotAllowed   = "not-allowed"
	CodeNetwork      = "network"
	CodeUnsupported  = "unsupported"
)

// Engine performs one capture. Recognize returns once stop is closed and the
// captured audio has been transcribed, or when ctx is done.
type Engine interface {
	Recognize(ctx context.Context, locale string, stop <-chan struct{}) (string, error)
}

// CaptureError is an engine failure with its capture code.
type CaptureError struct {
	Code string
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return "capture failed: " + e.Code
	}
	return fmt.Sprintf("capture failed (%s): %v", e.Code, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ErrorCode extracts the capture code from err. Unknown errors map to
// CodeAudioCapture.
func ErrorCode(err error) string {
	var ce *CaptureError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return CodeAudioCapture
}

// NewEngine returns the engine selected by cfg.Mode.
func NewEngine(cfg config.STTConfig) (Engine, error) {
	switch strings.ToLower(cfg.Mode) {
	case "mock", "":
		return NewMockEngine(cfg.MockTranscript, 500*time.Millisecond), nil
	case "exec":
		return NewExecEngine(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
