package tts

import (
	"context"
	"sync"
	"time"
)

// MockEngine pretends to speak for a duration proportional to the text.
type MockEngine struct {
	PerRune time.Duration
	Code    string

	mu     sync.Mutex
	spoken []string
}

func NewMockEngine(perRune time.Duration) *MockEngine {
	return &MockEngine{PerRune: perRune}
}

func (m *MockEngine) Speak(ctx context.Context, text, locale string) error {
	m.mu.Lock()
	m.spoken = append(m.spoken, locale+": "+text)
	m.mu.Unlock()

	d := time.Duration(len([]rune(text))) * m.PerRune
	if d > 3*time.Second {
		d = 3 * time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if m.Code != "" {
		return &SynthesisError{Code: m.Code}
	}
	return nil
}

// Spoken lists "locale: text" for every utterance started so far.
func (m *MockEngine) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}
