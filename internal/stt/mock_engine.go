package stt

import (
	"context"
	"time"
)

// MockEngine returns a fixed transcript once stopped or after delay.
type MockEngine struct {
	Transcript string
	Delay      time.Duration
	// Code, when set, makes every capture fail with that code.
	Code string
}

func NewMockEngine(transcript string, delay time.Duration) *MockEngine {
	return &MockEngine{Transcript: transcript, Delay: delay}
}

func (m *MockEngine) Recognize(ctx context.Context, _ string, stop <-chan struct{}) (string, error) {
	var timeout <-chan time.Time
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-stop:
	case <-timeout:
	}
	if m.Code != "" {
		return "", &CaptureError{Code: m.Code}
	}
	return m.Transcript, nil
}
