// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session mapping and delivery context persistence with schema bootstrap

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	keys   *keyLocks
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// created if it doesn't exist; parent directories are created if needed.
// Pass ":memory:" for an in-process store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Serialize access through one connection. SQLite handles concurrency
	// at the file level; a single connection avoids table-lock errors from
	// the in-memory database having one table space per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		keys:   newKeyLocks(),
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_mappings (
			routing_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			channel_type TEXT NOT NULL,
			target TEXT,
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL,
			event_cursor INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_session_mappings_session_id
			ON session_mappings(session_id);

		CREATE TABLE IF NOT EXISTS delivery_contexts (
			session_id TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			target TEXT,
			context TEXT,
			expires_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreateSession implements the per-key atomic get-or-create. Callers on
// the same key serialize on an in-process lock; a UNIQUE-violation retry
// covers creation races from other gateway instances sharing the database.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, key string, create func(context.Context) (*SessionMapping, error)) (*SessionMapping, bool, error) {
	release := s.keys.acquire(key)
	defer release()

	mapping, err := s.GetSession(ctx, key)
	if err == nil {
		return mapping, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	mapping, err = create(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("creating session for %s: %w", key, err)
	}
	mapping.RoutingKey = key

	if err := s.insertSession(ctx, mapping); err != nil {
		if errors.Is(err, ErrSessionExists) {
			// Another instance won the race between our lookup and insert.
			existing, lookupErr := s.GetSession(ctx, key)
			if lookupErr == nil {
				s.logger.Debug("found existing mapping after race", "routing_key", key)
				return existing, false, nil
			}
			s.logger.Error("retry lookup failed after duplicate insert", "routing_key", key, "error", lookupErr)
		}
		return nil, false, err
	}

	return mapping, true, nil
}

func (s *SQLiteStore) insertSession(ctx context.Context, m *SessionMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_mappings
			(routing_key, session_id, title, channel_type, target, created_at, last_active_at, event_cursor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RoutingKey, m.SessionID, m.Title, m.ChannelType, nullableText(m.Target),
		m.CreatedAt, m.LastActiveAt, int64(m.EventCursor),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrSessionExists
		}
		return fmt.Errorf("inserting session mapping: %w", err)
	}
	return nil
}

// GetSession returns the mapping for key, or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*SessionMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT routing_key, session_id, title, channel_type, target, created_at, last_active_at, event_cursor
		FROM session_mappings WHERE routing_key = ?`, key)
	return scanMapping(row)
}

// FindBySessionID returns the mapping holding the given backend session id.
func (s *SQLiteStore) FindBySessionID(ctx context.Context, sessionID string) (*SessionMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT routing_key, session_id, title, channel_type, target, created_at, last_active_at, event_cursor
		FROM session_mappings WHERE session_id = ?`, sessionID)
	return scanMapping(row)
}

// Touch advances last_active_at and the event cursor for key. The cursor
// only moves forward: MAX() in SQL clamps backward writes from stale readers.
func (s *SQLiteStore) Touch(ctx context.Context, key string, cursor uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_mappings
		SET last_active_at = ?, event_cursor = MAX(event_cursor, ?)
		WHERE routing_key = ?`,
		time.Now().UTC(), int64(cursor), key,
	)
	if err != nil {
		return fmt.Errorf("touching session mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching session mapping: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTarget refreshes the last known reply address for key.
func (s *SQLiteStore) UpdateTarget(ctx context.Context, key string, channelType string, tgt json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_mappings
		SET channel_type = ?, target = ?, last_active_at = ?
		WHERE routing_key = ?`,
		channelType, nullableText(tgt), time.Now().UTC(), key,
	)
	if err != nil {
		return fmt.Errorf("updating session target: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session target: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the mapping for key.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_mappings WHERE routing_key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting session mapping: %w", err)
	}
	return nil
}

// ListSessions returns up to limit mappings, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT routing_key, session_id, title, channel_type, target, created_at, last_active_at, event_cursor
		FROM session_mappings ORDER BY last_active_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing session mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*SessionMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// PruneSessions removes mappings idle longer than maxAge.
func (s *SQLiteStore) PruneSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_mappings WHERE last_active_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning session mappings: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning session mappings: %w", err)
	}
	return int(affected), nil
}

// PutDeliveryContext stores the delivery context for a session, replacing
// any prior one.
func (s *SQLiteStore) PutDeliveryContext(ctx context.Context, dc *DeliveryContext, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_contexts (session_id, channel_type, target, context, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			channel_type = excluded.channel_type,
			target = excluded.target,
			context = excluded.context,
			expires_at = excluded.expires_at`,
		dc.SessionID, dc.ChannelType, nullableText(dc.Target), nullableText(dc.Context), expires,
	)
	if err != nil {
		return fmt.Errorf("putting delivery context: %w", err)
	}
	return nil
}

// TakeDeliveryContext consumes the delivery context for sessionID. The
// DELETE ... RETURNING makes read-and-consume a single atomic statement, so
// at most one caller observes each Put.
func (s *SQLiteStore) TakeDeliveryContext(ctx context.Context, sessionID string) (*DeliveryContext, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM delivery_contexts WHERE session_id = ?
		RETURNING session_id, channel_type, target, context, expires_at`, sessionID)

	dc := &DeliveryContext{}
	var tgt, payload sql.NullString
	err := row.Scan(&dc.SessionID, &dc.ChannelType, &tgt, &payload, &dc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking delivery context: %w", err)
	}
	if tgt.Valid {
		dc.Target = []byte(tgt.String)
	}
	if payload.Valid {
		dc.Context = []byte(payload.String)
	}

	// An expired context is as good as absent, and it is already gone.
	if time.Now().After(dc.ExpiresAt) {
		return nil, ErrNotFound
	}
	return dc, nil
}

// PruneDeliveryContexts removes expired contexts.
func (s *SQLiteStore) PruneDeliveryContexts(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_contexts WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning delivery contexts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning delivery contexts: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*SessionMapping, error) {
	m := &SessionMapping{}
	var tgt sql.NullString
	var cursor int64
	err := row.Scan(&m.RoutingKey, &m.SessionID, &m.Title, &m.ChannelType, &tgt,
		&m.CreatedAt, &m.LastActiveAt, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session mapping: %w", err)
	}
	if tgt.Valid {
		m.Target = []byte(tgt.String)
	}
	m.EventCursor = uint64(cursor)
	return m, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
