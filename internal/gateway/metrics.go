package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics groups the gateway's otel instruments. A nil *Metrics is a no-op.
type Metrics struct {
	turns    metric.Int64Counter
	errors   metric.Int64Counter
	latency  metric.Float64Histogram
	sessions metric.Int64UpDownCounter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/internal/gateway")
	turns, err := meter.Int64Counter("loqa.voice.turns", metric.WithDescription("Completed conversation turns"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("loqa.voice.errors", metric.WithDescription("Protocol errors sent to clients"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("loqa.voice.backend.latency",
		metric.WithDescription("Backend reply latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64UpDownCounter("loqa.voice.connections.active", metric.WithDescription("Open client connections"))
	if err != nil {
		return nil, err
	}
	return &Metrics{turns: turns, errors: errs, latency: latency, sessions: sessions}, nil
}

func (m *Metrics) turnCompleted(ctx context.Context, lang string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("language", lang))
	m.turns.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
}

func (m *Metrics) errorSent(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) connectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

func (m *Metrics) connectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, -1)
}
