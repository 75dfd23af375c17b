// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines SessionMapping, DeliveryContext, and the Store contract

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist. For
// delivery contexts it also covers "already consumed" and "expired": the
// caller must treat all three identically (cannot notify).
var ErrNotFound = errors.New("not found")

// ErrSessionExists is returned when inserting a mapping for a routing key
// that already has one.
var ErrSessionExists = errors.New("session mapping already exists")

// SessionMapping links a routing key to a backend session. One mapping per
// routing key; mappings survive process restarts and are only removed by the
// retention policy.
type SessionMapping struct {
	RoutingKey   string
	SessionID    string
	Title        string
	ChannelType  string
	Target       json.RawMessage // serialized target.Descriptor envelope
	CreatedAt    time.Time
	LastActiveAt time.Time
	EventCursor  uint64
}

// DeliveryContext is a one-shot, TTL-bound record of where (and with what
// caller-provided context) an out-of-band message for a session can be
// delivered. Take consumes it; a second Take returns ErrNotFound.
type DeliveryContext struct {
	SessionID   string
	ChannelType string
	Target      json.RawMessage // serialized target.Descriptor envelope
	Context     json.RawMessage // optional caller context payload
	ExpiresAt   time.Time
}

// Store is the persistence contract for session routing state. All
// persistence errors are reported to the caller, never swallowed: the
// dispatcher treats a Store failure as "cannot route this message".
type Store interface {
	// GetOrCreateSession returns the mapping for key, invoking create to
	// build one if none exists. Atomic with respect to concurrent calls on
	// the same key: exactly one caller creates, all callers observe the
	// same session id. The second return reports whether this call created
	// the mapping.
	GetOrCreateSession(ctx context.Context, key string, create func(context.Context) (*SessionMapping, error)) (*SessionMapping, bool, error)

	// GetSession returns the mapping for key, or ErrNotFound.
	GetSession(ctx context.Context, key string) (*SessionMapping, error)

	// FindBySessionID returns the mapping holding the given backend
	// session id, or ErrNotFound.
	FindBySessionID(ctx context.Context, sessionID string) (*SessionMapping, error)

	// Touch records stream progress for key: advances last_active_at and
	// the event cursor. Backward cursor writes are clamped, never applied;
	// a stale reader must not corrupt resumption state.
	Touch(ctx context.Context, key string, cursor uint64) error

	// UpdateTarget refreshes the last known reply address for key.
	UpdateTarget(ctx context.Context, key string, channelType string, tgt json.RawMessage) error

	// DeleteSession removes the mapping for key. Used to roll back a
	// half-created session, not for retention.
	DeleteSession(ctx context.Context, key string) error

	// ListSessions returns up to limit mappings, most recently active first.
	ListSessions(ctx context.Context, limit int) ([]*SessionMapping, error)

	// PruneSessions removes mappings idle longer than maxAge and returns
	// how many were removed.
	PruneSessions(ctx context.Context, maxAge time.Duration) (int, error)

	// PutDeliveryContext stores the delivery context for a session,
	// replacing any prior one, expiring after ttl.
	PutDeliveryContext(ctx context.Context, dc *DeliveryContext, ttl time.Duration) error

	// TakeDeliveryContext consumes the delivery context for sessionID.
	// At most one Take succeeds per Put; absent, consumed, and expired all
	// return ErrNotFound.
	TakeDeliveryContext(ctx context.Context, sessionID string) (*DeliveryContext, error)

	// PruneDeliveryContexts removes expired contexts.
	PruneDeliveryContexts(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
