package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/pkg/models"
)

// PostgresStore implements Store over a pooled *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore. The db parameter should be
// the *sql.DB from database.Client.DB().
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, user_id, agent_type, working_directory, worktree_id,
	repository_id, title, status, next_seq, lease_owner, lease_expires_at,
	last_activity_at, created_at, updated_at`

func scanSession(row *sql.Row) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	var leaseExpires sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.AgentType, &rec.WorkingDirectory,
		&rec.WorktreeID, &rec.RepositoryID, &rec.Title, &rec.Status,
		&rec.NextSeq, &rec.LeaseOwner, &leaseExpires,
		&rec.LastActivityAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		rec.LeaseExpiresAt = &t
	}
	return &rec, nil
}

// LoadSession returns the session record, or ErrNotFound.
func (s *PostgresStore) LoadSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return rec, nil
}

// CreateSession inserts a new session record and returns it.
func (s *PostgresStore) CreateSession(ctx context.Context, cfg models.CreateSessionConfig) (*models.SessionRecord, error) {
	id := uuid.New().String()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO sessions (id, user_id, agent_type, working_directory,
			worktree_id, repository_id, title)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+sessionColumns,
		id, cfg.UserID, cfg.AgentType, cfg.WorkingDirectory,
		cfg.WorktreeID, cfg.RepositoryID, cfg.Title)
	rec, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return rec, nil
}

// UpdateSessionLease records the gateway as lease owner until expiresAt.
func (s *PostgresStore) UpdateSessionLease(ctx context.Context, id, gatewayID string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET lease_owner = $2, lease_expires_at = $3, updated_at = now()
		 WHERE id = $1
		   AND (lease_owner = $2 OR lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at < now())`,
		id, gatewayID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update session lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session lease: %w", err)
	}
	if n == 0 {
		// Either the session is gone or another gateway holds a live lease.
		if _, loadErr := s.LoadSession(ctx, id); loadErr != nil {
			return loadErr
		}
		return fmt.Errorf("session %s is leased by another gateway", id)
	}
	return nil
}

// ReleaseSessionLease clears the lease for a session.
func (s *PostgresStore) ReleaseSessionLease(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET lease_owner = '', lease_expires_at = NULL, updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to release session lease: %w", err)
	}
	return nil
}

// ReleaseLeasesOwnedBy clears every lease held by gatewayID.
func (s *PostgresStore) ReleaseLeasesOwnedBy(ctx context.Context, gatewayID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET lease_owner = '', lease_expires_at = NULL, updated_at = now()
		 WHERE lease_owner = $1`, gatewayID)
	if err != nil {
		return 0, fmt.Errorf("failed to release leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to release leases: %w", err)
	}
	return int(n), nil
}

// UpdateSessionStatus persists a status transition.
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteEvents appends a batch of event records in one transaction and
// advances next_seq and last_activity_at for the touched sessions.
func (s *PostgresStore) WriteEvents(ctx context.Context, records []models.EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	maxSeq := make(map[string]int64, 1)
	for _, rec := range records {
		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_events (session_id, seq, direction, event_type, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (session_id, seq) DO NOTHING`,
			rec.SessionID, rec.Seq, rec.Direction, rec.EventType, payloadJSON, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
		if rec.Seq > maxSeq[rec.SessionID] {
			maxSeq[rec.SessionID] = rec.Seq
		}
	}

	for sessionID, seq := range maxSeq {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions
			 SET next_seq = GREATEST(next_seq, $2 + 1), last_activity_at = now(), updated_at = now()
			 WHERE id = $1`,
			sessionID, seq)
		if err != nil {
			return fmt.Errorf("failed to advance next_seq: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// EventsSince returns up to limit events with seq > sinceSeq in order.
func (s *PostgresStore) EventsSince(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]models.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, direction, event_type, payload, created_at
		 FROM session_events
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		sessionID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var records []models.EventRecord
	for rows.Next() {
		var rec models.EventRecord
		var payloadJSON []byte
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &rec.Direction,
			&rec.EventType, &payloadJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return records, nil
}

// StaleSessionIDs returns non-terminal sessions whose lease expired before cutoff.
func (s *PostgresStore) StaleSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM sessions
		 WHERE status NOT IN ('stopped', 'error')
		   AND lease_owner != ''
		   AND lease_expires_at IS NOT NULL
		   AND lease_expires_at < $1`, cutoff)
}

// IdleSessionIDs returns non-terminal sessions with no activity since cutoff.
func (s *PostgresStore) IdleSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM sessions
		 WHERE status NOT IN ('stopped', 'error')
		   AND last_activity_at < $1`, cutoff)
}

// OldSessionIDs returns sessions created before cutoff.
func (s *PostgresStore) OldSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM sessions WHERE created_at < $1`, cutoff)
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session ids: %w", err)
	}
	return ids, nil
}

// MarkSessionStopped sets the session stopped and clears its lease.
func (s *PostgresStore) MarkSessionStopped(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = 'stopped', lease_owner = '', lease_expires_at = NULL, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('stopped', 'error')`, id)
	if err != nil {
		return fmt.Errorf("failed to mark session stopped: %w", err)
	}
	return nil
}

// DeleteOldEvents removes events created before cutoff.
func (s *PostgresStore) DeleteOldEvents(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return int(n), nil
}
