package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and single-process
// development runs. It mirrors the lease semantics of PostgresStore.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.SessionRecord
	events   map[string][]models.EventRecord
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.SessionRecord),
		events:   make(map[string][]models.EventRecord),
		now:      time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put inserts or replaces a session record. Test helper.
func (s *MemoryStore) Put(rec models.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.sessions[rec.ID] = &cp
}

// LoadSession returns a copy of the record, or ErrNotFound.
func (s *MemoryStore) LoadSession(_ context.Context, id string) (*models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// CreateSession inserts a new provisioning session.
func (s *MemoryStore) CreateSession(_ context.Context, cfg models.CreateSessionConfig) (*models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec := &models.SessionRecord{
		ID:               uuid.New().String(),
		UserID:           cfg.UserID,
		AgentType:        cfg.AgentType,
		WorkingDirectory: cfg.WorkingDirectory,
		WorktreeID:       cfg.WorktreeID,
		RepositoryID:     cfg.RepositoryID,
		Title:            cfg.Title,
		Status:           models.StatusProvisioning,
		NextSeq:          1,
		LastActivityAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.sessions[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

// UpdateSessionLease claims or renews the lease, failing if another
// gateway holds a live one.
func (s *MemoryStore) UpdateSessionLease(_ context.Context, id, gatewayID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.LeaseOwner != "" && rec.LeaseOwner != gatewayID && rec.LeaseExpiresAt != nil {
		lease := models.Lease{SessionID: id, GatewayID: rec.LeaseOwner, ExpiresAt: *rec.LeaseExpiresAt}
		if !lease.Expired(s.now()) {
			return fmt.Errorf("session %s is leased by another gateway", id)
		}
	}
	rec.LeaseOwner = gatewayID
	t := expiresAt
	rec.LeaseExpiresAt = &t
	rec.UpdatedAt = s.now()
	return nil
}

// ReleaseSessionLease clears the lease.
func (s *MemoryStore) ReleaseSessionLease(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[id]; ok {
		rec.LeaseOwner = ""
		rec.LeaseExpiresAt = nil
		rec.UpdatedAt = s.now()
	}
	return nil
}

// ReleaseLeasesOwnedBy clears every lease held by gatewayID.
func (s *MemoryStore) ReleaseLeasesOwnedBy(_ context.Context, gatewayID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.sessions {
		if rec.LeaseOwner == gatewayID {
			rec.LeaseOwner = ""
			rec.LeaseExpiresAt = nil
			count++
		}
	}
	return count, nil
}

// UpdateSessionStatus persists a status transition.
func (s *MemoryStore) UpdateSessionStatus(_ context.Context, id string, status models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	return nil
}

// WriteEvents appends a batch and advances next_seq / last_activity_at.
func (s *MemoryStore) WriteEvents(_ context.Context, records []models.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.events[rec.SessionID] = append(s.events[rec.SessionID], rec)
		if sess, ok := s.sessions[rec.SessionID]; ok {
			if rec.Seq >= sess.NextSeq {
				sess.NextSeq = rec.Seq + 1
			}
			sess.LastActivityAt = s.now()
		}
	}
	return nil
}

// EventsSince returns up to limit events with seq > sinceSeq in order.
func (s *MemoryStore) EventsSince(_ context.Context, sessionID string, sinceSeq int64, limit int) ([]models.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]models.EventRecord(nil), s.events[sessionID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	var out []models.EventRecord
	for _, rec := range all {
		if rec.Seq > sinceSeq {
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// StaleSessionIDs returns non-terminal sessions whose lease expired before cutoff.
func (s *MemoryStore) StaleSessionIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.sessions {
		if rec.Status.Terminal() {
			continue
		}
		if rec.LeaseOwner != "" && rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// IdleSessionIDs returns non-terminal sessions with no activity since cutoff.
func (s *MemoryStore) IdleSessionIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.sessions {
		if !rec.Status.Terminal() && rec.LastActivityAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// OldSessionIDs returns sessions created before cutoff.
func (s *MemoryStore) OldSessionIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.sessions {
		if rec.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkSessionStopped sets the session stopped and clears its lease.
func (s *MemoryStore) MarkSessionStopped(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok || rec.Status.Terminal() {
		return nil
	}
	rec.Status = models.StatusStopped
	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = nil
	rec.UpdatedAt = s.now()
	return nil
}

// DeleteOldEvents removes events created before cutoff.
func (s *MemoryStore) DeleteOldEvents(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, events := range s.events {
		kept := events[:0]
		for _, rec := range events {
			if rec.CreatedAt.Before(cutoff) {
				count++
			} else {
				kept = append(kept, rec)
			}
		}
		s.events[id] = kept
	}
	return count, nil
}
