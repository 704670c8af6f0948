package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestObservePublishesOnKindSubject(t *testing.T) {
	client := startBus(t)

	msgs := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe("voice.>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	client.Observe(context.Background(), protocol.SessionEvent{
		SessionID: "abc",
		Kind:      protocol.EventTurnCompleted,
		Language:  "hi",
		LatencyMS: 120,
		Timestamp: time.Now().UTC(),
	})

	select {
	case msg := <-msgs:
		if msg.Subject != protocol.SubjectTurnCompleted {
			t.Fatalf("unexpected subject %q", msg.Subject)
		}
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.SessionID != "abc" || ev.Language != "hi" {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishEventRejectsUnknownKind(t *testing.T) {
	client := startBus(t)
	if err := client.PublishEvent(protocol.SessionEvent{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Connect(context.Background(), config.BusConfig{}, logger); err == nil {
		t.Fatal("expected error without servers")
	}
}
