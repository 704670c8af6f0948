package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Options configure a new conversation.
type Options struct {
	SystemInstruction string
	// Temperature is passed through as-is, zero included; nil leaves the
	// backend default.
	Temperature     *float64
	MaxOutputTokens int
}

// Conversation is an opaque handle to backend-held chat history. Send must not
// be called concurrently on the same conversation.
type Conversation interface {
	Send(ctx context.Context, text string) (string, error)
}

// Backend creates conversations against a text-generation service.
type Backend interface {
	NewConversation(ctx context.Context, opts Options) (Conversation, error)
	Name() string
	Model() string
}

// ErrEmptyReply is returned when the backend answers with no text.
var ErrEmptyReply = errors.New("llm: backend returned an empty reply")

// OptionsFromConfig builds conversation defaults from config.
func OptionsFromConfig(cfg config.BackendConfig) Options {
	temperature := cfg.Temperature
	return Options{
		SystemInstruction: cfg.SystemInstruction,
		Temperature:       &temperature,
		MaxOutputTokens:   cfg.MaxOutputTokens,
	}
}

// New returns the backend selected by cfg.Mode.
func New(ctx context.Context, cfg config.BackendConfig) (Backend, error) {
	switch strings.ToLower(cfg.Mode) {
	case config.BackendGemini:
		return NewGeminiBackend(ctx, cfg.APIKey, cfg.Model)
	case config.BackendOllama:
		return NewOllamaBackend(cfg.Endpoint, cfg.Model), nil
	case config.BackendMock, "":
		return NewMockBackend(0), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Mode)
	}
}
