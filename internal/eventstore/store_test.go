package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, "mock", newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, "mock", newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, protocol.SessionEvent{SessionID: "s", Kind: protocol.EventSessionStarted}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
}

func TestRecordSessionTimeline(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	events := []protocol.SessionEvent{
		{SessionID: "conn-1", Kind: protocol.EventSessionStarted, Language: "en"},
		{SessionID: "conn-1", Kind: protocol.EventTurnCompleted, Language: "hi", LatencyMS: 840, InputChars: 22, ReplyChars: 61},
		{SessionID: "conn-1", Kind: protocol.EventTurnFailed, Reason: protocol.ReasonTimeout},
		{SessionID: "conn-1", Kind: protocol.EventSessionEnded, Reason: "client"},
	}
	for _, ev := range events {
		es.Observe(ctx, ev)
	}

	stored, err := es.ListSessionEvents(ctx, "conn-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(stored) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(stored))
	}
	turn := stored[1]
	if turn.Kind != protocol.EventTurnCompleted || turn.Language != "hi" || turn.LatencyMS != 840 || turn.ReplyChars != 61 {
		t.Fatalf("unexpected turn event %#v", turn)
	}
	if stored[2].Reason != protocol.ReasonTimeout {
		t.Fatalf("unexpected failure reason %q", stored[2].Reason)
	}

	sess, err := es.GetSession(ctx, "conn-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Backend != "mock" || sess.EndReason != "client" || sess.EndedAt.IsZero() {
		t.Fatalf("unexpected session %#v", sess)
	}
}

func TestRecordRequiresSessionID(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.Record(context.Background(), protocol.SessionEvent{Kind: protocol.EventTurnCompleted}); err == nil {
		t.Fatal("expected error for event without session id")
	}
}

func TestGetUnknownSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if _, err := es.GetSession(context.Background(), "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Kind: protocol.EventTurnCompleted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
