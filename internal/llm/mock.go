package llm

import (
	"context"
	"strings"
	"time"
)

type mockBackend struct {
	delay time.Duration
}

// NewMockBackend echoes each message back, so the reply is in the same
// script as the input.
func NewMockBackend(delay time.Duration) Backend { return &mockBackend{delay: delay} }

func (m *mockBackend) Name() string  { return "mock" }
func (m *mockBackend) Model() string { return "echo" }

func (m *mockBackend) NewConversation(ctx context.Context, opts Options) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockConversation{delay: m.delay}, nil
}

type mockConversation struct {
	delay time.Duration
}

func (c *mockConversation) Send(ctx context.Context, text string) (string, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.delay):
		}
	}
	return "[mock reply] " + strings.TrimSpace(text), nil
}
