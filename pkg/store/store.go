// Package store defines the durable storage contract consumed by the
// session runtime and provides the PostgreSQL implementation. The core
// components only see these interfaces; the schema is owned by
// pkg/database migrations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("session not found")

// SessionStore is the session-row contract used by the manager.
type SessionStore interface {
	// LoadSession returns the record, or ErrNotFound.
	LoadSession(ctx context.Context, id string) (*models.SessionRecord, error)
	// CreateSession inserts a new record in status provisioning with
	// next_seq 1 and returns it.
	CreateSession(ctx context.Context, cfg models.CreateSessionConfig) (*models.SessionRecord, error)
	// UpdateSessionLease records (gatewayID, expiresAt) as the lease.
	UpdateSessionLease(ctx context.Context, id, gatewayID string, expiresAt time.Time) error
	// ReleaseSessionLease clears the lease.
	ReleaseSessionLease(ctx context.Context, id string) error
	// ReleaseLeasesOwnedBy clears every lease held by gatewayID and
	// returns how many were released. Used by the startup sweep.
	ReleaseLeasesOwnedBy(ctx context.Context, gatewayID string) (int, error)
	// UpdateSessionStatus persists a status transition.
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error
}

// EventStore is the event-log contract used by the persistence writer
// and the history path.
type EventStore interface {
	// WriteEvents appends a batch. The session's next_seq and
	// last_activity_at advance with the highest seq written.
	WriteEvents(ctx context.Context, records []models.EventRecord) error
	// EventsSince returns up to limit events with seq > sinceSeq in
	// ascending seq order.
	EventsSince(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]models.EventRecord, error)
}

// CleanupStore is the reconciliation contract used by the cleanup loop.
type CleanupStore interface {
	// StaleSessionIDs returns ids of non-terminal sessions whose lease
	// expired before cutoff.
	StaleSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	// IdleSessionIDs returns ids of non-terminal sessions with no
	// activity since cutoff.
	IdleSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	// OldSessionIDs returns ids of sessions created before cutoff.
	OldSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	// MarkSessionStopped sets the status to stopped and clears the lease.
	MarkSessionStopped(ctx context.Context, id string) error
	// DeleteOldEvents removes events created before cutoff and returns
	// the number deleted.
	DeleteOldEvents(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is the full storage surface.
type Store interface {
	SessionStore
	EventStore
	CleanupStore
}
