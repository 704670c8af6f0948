package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Event is one recorded session or turn entry. Only metadata is stored;
// utterance and reply text never reach the store.
type Event struct {
	ID         int64
	SessionID  string
	Kind       string
	Language   string
	Reason     string
	LatencyMS  int64
	InputChars int
	ReplyChars int
	CreatedAt  time.Time
}

// Session summarises one connection's conversation.
type Session struct {
	SessionID string
	Backend   string
	CreatedAt time.Time
	EndedAt   time.Time
	EndReason string
}

// Store wraps a SQLite-backed session timeline.
type Store struct {
	db      *sql.DB
	cfg     config.EventStoreConfig
	backend string
	log     *slog.Logger
	clock   func() time.Time
}

// Open initializes the event store according to config. backend is recorded
// on every session row.
func Open(ctx context.Context, cfg config.EventStoreConfig, backend string, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, backend: backend, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, backend: backend, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    backend TEXT,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    end_reason TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    language TEXT,
    reason TEXT,
    latency_ms INTEGER,
    input_chars INTEGER,
    reply_chars INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendSession ensures a session row exists. A restarted session keeps its
// original creation time and clears any end marker.
func (s *Store) AppendSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, backend, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET ended_at=NULL, end_reason=NULL`,
		sessionID, s.backend, s.clock().UTC())
	return err
}

func (s *Store) ensureSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, backend, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.backend, s.clock().UTC())
	return err
}

// EndSession marks a session as ended.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`,
		s.clock().UTC(), reason, sessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, kind, language, reason, latency_ms, input_chars, reply_chars, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Kind, evt.Language, evt.Reason, evt.LatencyMS, evt.InputChars, evt.ReplyChars, evt.CreatedAt.UTC())
	return err
}

// Record stores a gateway session event, creating or closing the session row
// as needed.
func (s *Store) Record(ctx context.Context, ev protocol.SessionEvent) error {
	if s.disabled() {
		return nil
	}
	if ev.SessionID == "" {
		return errors.New("session event without session id")
	}
	if ev.Kind == protocol.EventSessionStarted {
		if err := s.AppendSession(ctx, ev.SessionID); err != nil {
			return err
		}
	} else if err := s.ensureSession(ctx, ev.SessionID); err != nil {
		return err
	}
	if err := s.AppendEvent(ctx, Event{
		SessionID:  ev.SessionID,
		Kind:       ev.Kind,
		Language:   ev.Language,
		Reason:     ev.Reason,
		LatencyMS:  ev.LatencyMS,
		InputChars: ev.InputChars,
		ReplyChars: ev.ReplyChars,
		CreatedAt:  ev.Timestamp,
	}); err != nil {
		return err
	}
	if ev.Kind == protocol.EventSessionEnded {
		return s.EndSession(ctx, ev.SessionID, ev.Reason)
	}
	return nil
}

// Observe implements the gateway observer contract.
func (s *Store) Observe(ctx context.Context, ev protocol.SessionEvent) {
	if err := s.Record(ctx, ev); err != nil {
		s.log.Warn("failed to record session event", slog.String("kind", ev.Kind), slog.String("error", err.Error()))
	}
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, COALESCE(language, ''), COALESCE(reason, ''),
		        COALESCE(latency_ms, 0), COALESCE(input_chars, 0), COALESCE(reply_chars, 0), created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Language, &e.Reason, &e.LatencyMS, &e.InputChars, &e.ReplyChars, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSession returns the session row, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var (
		sess    Session
		created string
		ended   sql.NullString
		reason  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, COALESCE(backend, ''), created_at, ended_at, end_reason FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&sess.SessionID, &sess.Backend, &created, &ended, &reason)
	if err != nil {
		return Session{}, err
	}
	sess.CreatedAt = parseTime(created)
	if ended.Valid {
		sess.EndedAt = parseTime(ended.String)
	}
	sess.EndReason = reason.String
	return sess, nil
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner prunes on every tick until ctx is done.
func (s *Store) RunPruner(ctx context.Context, every time.Duration) {
	if s.disabled() || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
