// Package store persists accepted envelopes in SQLite. The events table's
// primary key on event_id is the idempotency authority: a concurrent insert
// of the same event_id loses deterministically inside the database, never in
// application code.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/agentlens/internal/envelope"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "al-v1-2026-08-events"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrDuplicate reports that an envelope with the same event_id is already
// stored. It is terminal success from the sender's perspective, not an error
// condition.
var ErrDuplicate = errors.New("store: duplicate event_id")

// Store wraps the SQLite handle. Construct with Open and Close on shutdown;
// there is no ambient global handle.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the conventional database location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentlens", "agentlens.db")
}

// Open opens (creating if necessary) the event database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for SQLite BUSY (5) or LOCKED (6) errors by message,
// avoiding a direct dependency on the sqlite3 package outside the driver
// import.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// isUniqueViolation detects the primary-key collision on events.event_id.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: events.event_id")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			source_app TEXT NOT NULL,
			machine_id TEXT NOT NULL DEFAULT 'unknown',
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			agent_kind TEXT NOT NULL DEFAULT 'main',
			agent_name TEXT,
			parent_agent_id TEXT,
			event_kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			occurred_at DATETIME NOT NULL,
			received_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// InsertEvent persists env. The database's primary key decides idempotency:
// exactly one concurrent insert of a given event_id wins, every other one
// returns ErrDuplicate. No prior existence check is consulted.
func (s *Store) InsertEvent(ctx context.Context, env envelope.Envelope) error {
	payload := string(env.Payload)
	if payload == "" {
		payload = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (
				event_id, source_app, machine_id, session_id, agent_id,
				agent_kind, agent_name, parent_agent_id, event_kind,
				payload, occurred_at, received_at
			)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?);
		`,
			env.EventID, env.SourceApp, env.MachineID, env.SessionID, env.AgentID,
			string(env.AgentKind), env.AgentName, env.ParentAgentID, env.EventKind,
			payload, env.OccurredAt.UTC(), env.ReceivedAt.UTC())
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListRecent returns the most recent envelopes, newest first by insertion
// order. limit is clamped to [1,1000]; offset skips newest entries.
func (s *Store) ListRecent(ctx context.Context, limit, offset int) ([]envelope.Envelope, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, source_app, machine_id, session_id, agent_id,
			agent_kind, COALESCE(agent_name, ''), COALESCE(parent_agent_id, ''),
			event_kind, payload, occurred_at, received_at
		FROM events
		ORDER BY rowid DESC
		LIMIT ? OFFSET ?;
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// ListSession returns the envelopes of one session, newest first.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit, offset int) ([]envelope.Envelope, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, source_app, machine_id, session_id, agent_id,
			agent_kind, COALESCE(agent_name, ''), COALESCE(parent_agent_id, ''),
			event_kind, payload, occurred_at, received_at
		FROM events
		WHERE session_id = ?
		ORDER BY rowid DESC
		LIMIT ? OFFSET ?;
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// SessionEnvelopes returns every envelope of a session in insertion order,
// the input shape the hierarchy reconstructor expects.
func (s *Store) SessionEnvelopes(ctx context.Context, sessionID string) ([]envelope.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, source_app, machine_id, session_id, agent_id,
			agent_kind, COALESCE(agent_name, ''), COALESCE(parent_agent_id, ''),
			event_kind, payload, occurred_at, received_at
		FROM events
		WHERE session_id = ?
		ORDER BY rowid ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session envelopes: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// CountEvents returns the total number of stored envelopes.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// RunRetention deletes events received more than days ago. days <= 0 keeps
// everything. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE received_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	purged, _ := res.RowsAffected()
	return purged, nil
}

func scanEnvelopes(rows *sql.Rows) ([]envelope.Envelope, error) {
	var out []envelope.Envelope
	for rows.Next() {
		var env envelope.Envelope
		var kind, payload string
		if err := rows.Scan(
			&env.EventID,
			&env.SourceApp,
			&env.MachineID,
			&env.SessionID,
			&env.AgentID,
			&kind,
			&env.AgentName,
			&env.ParentAgentID,
			&env.EventKind,
			&payload,
			&env.OccurredAt,
			&env.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		env.AgentKind = envelope.AgentKind(kind)
		env.Payload = json.RawMessage(payload)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}
