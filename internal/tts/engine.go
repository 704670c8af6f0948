// Package tts speaks assistant replies in the reply's locale.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Synthesis error codes, named after the browser speech synthesis errors.
const (
	CodeSynthesisFailed     = "synthesis-failed"
	CodeVoiceUnavailable    = "voice-unavailable"
	CodeLanguageUnavailable = "language-unavailable"
	CodeAudioBusy           = "audio-busy"
	CodeInterrupted         = "interrupted"
)

// Engine speaks one utterance and returns when playback has finished or ctx
// is done.
type Engine interface {
	Speak(ctx context.Context, text, locale string) error
}

type SynthesisError struct {
	Code string
	Err  error
}

func (e *SynthesisError) Error() string {
	if e.Err == nil {
		return "synthesis failed: " + e.Code
	}
	return fmt.Sprintf("synthesis failed (%s): %v", e.Code, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// ErrorCode extracts the synthesis code from err.
func ErrorCode(err error) string {
	var se *SynthesisError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return CodeSynthesisFailed
}

// NewEngine returns the engine selected by cfg.Mode.
func NewEngine(cfg config.TTSConfig) (Engine, error) {
	switch strings.ToLower(cfg.Mode) {
	case "mock", "":
		return NewMockEngine(40 * time.Millisecond), nil
	case "exec":
		return NewExecEngine(cfg)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// VoiceFor picks the configured voice for locale. Voices are keyed by full
// locale or by bare language code; the locale itself is the fallback.
func VoiceFor(voices map[string]string, locale string) string {
	if v, ok := voices[locale]; ok && v != "" {
		return v
	}
	lang, _, _ := strings.Cut(locale, "-")
	if v, ok := voices[strings.ToLower(lang)]; ok && v != "" {
		return v
	}
	return locale
}
