package gateway

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Observer receives session and turn metadata. Implementations must not block
// for long; they run on the connection goroutines.
type Observer interface {
	Observe(ctx context.Context, ev protocol.SessionEvent)
}

type ObserverFunc func(ctx context.Context, ev protocol.SessionEvent)

func (f ObserverFunc) Observe(ctx context.Context, ev protocol.SessionEvent) { f(ctx, ev) }
