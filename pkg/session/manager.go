package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/store"
)

// ErrLeaseHeld is returned when another gateway holds a live lease for
// the session. Transient: the caller retries after the lease expires.
var ErrLeaseHeld = errors.New("session lease held by another gateway")

// storeTimeout bounds individual storage calls made outside a request
// context (status persistence, lease refresh).
const storeTimeout = 5 * time.Second

// EventWriter is the slice of the persistence writer the manager uses.
type EventWriter interface {
	Enqueue(rec models.EventRecord) bool
	Healthy() bool
}

// ManagerOptions tune the manager.
type ManagerOptions struct {
	GatewayID            string
	LeaseTimeout         time.Duration // lease lifetime (default 30s)
	LeaseRefreshInterval time.Duration // renewal period (default 10s)
	HeartbeatInterval    time.Duration // 0 disables heartbeats
	Actor                ActorOptions
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 30 * time.Second
	}
	if o.LeaseRefreshInterval <= 0 {
		o.LeaseRefreshInterval = 10 * time.Second
	}
	return o
}

// Manager is the registry of actors hosted by this gateway instance.
// Adoption claims the session's durable lease; a background task renews
// every hosted lease until the actor is removed.
type Manager struct {
	opts    ManagerOptions
	store   store.SessionStore
	writer  EventWriter
	agentIO AgentIO

	mu     sync.RWMutex
	actors map[string]*Actor

	leaseFailures atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerHealth is a point-in-time snapshot for the health endpoint.
type ManagerHealth struct {
	GatewayID      string                       `json:"gateway_id"`
	Actors         int                          `json:"actors"`
	ActorsByStatus map[models.SessionStatus]int `json:"actors_by_status"`
	LeaseFailures  int64                        `json:"lease_failures"`
}

// NewManager creates a manager. agentIO may be nil (NopAgentIO is used).
func NewManager(opts ManagerOptions, st store.SessionStore, writer EventWriter, agentIO AgentIO) *Manager {
	if agentIO == nil {
		agentIO = NopAgentIO{}
	}
	return &Manager{
		opts:    opts.withDefaults(),
		store:   st,
		writer:  writer,
		agentIO: agentIO,
		actors:  make(map[string]*Actor),
	}
}

// Start launches the lease refresh (and optional heartbeat) loop.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	slog.Info("Session manager started",
		"gateway_id", m.opts.GatewayID,
		"lease_timeout", m.opts.LeaseTimeout,
		"lease_refresh_interval", m.opts.LeaseRefreshInterval)
}

// Stop halts the background loop, destroys all actors, and releases
// their leases.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}

	m.mu.Lock()
	actors := m.actors
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	for id, actor := range actors {
		actor.Destroy()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := m.store.ReleaseSessionLease(ctx, id); err != nil {
			slog.Warn("Failed to release lease on shutdown", "session_id", id, "error", err)
		}
		cancel()
	}
	slog.Info("Session manager stopped", "released", len(actors))
}

// Get returns the cached actor, or nil.
func (m *Manager) Get(id string) *Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[id]
}

// ByUser returns all cached actors owned by a user.
func (m *Manager) ByUser(userID string) []*Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Actor
	for _, a := range m.actors {
		if a.UserID() == userID {
			out = append(out, a)
		}
	}
	return out
}

// All returns all cached actors.
func (m *Manager) All() []*Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a)
	}
	return out
}

// Count returns the number of cached actors.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actors)
}

// GetOrLoad returns the cached actor for id, or loads the session from
// storage, claims its lease, and instantiates the actor. Returns
// store.ErrNotFound if no record exists and ErrLeaseHeld if another
// gateway owns the session.
func (m *Manager) GetOrLoad(ctx context.Context, id string) (*Actor, error) {
	if a := m.Get(id); a != nil {
		return a, nil
	}

	rec, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.adopt(ctx, rec)
}

// Create creates the durable record and adopts it like GetOrLoad.
func (m *Manager) Create(ctx context.Context, cfg models.CreateSessionConfig) (*Actor, error) {
	rec, err := m.store.CreateSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return m.adopt(ctx, rec)
}

// adopt claims the lease and caches a new actor for the record. On a
// lose race with a concurrent adopt of the same id, the existing actor
// wins.
func (m *Manager) adopt(ctx context.Context, rec *models.SessionRecord) (*Actor, error) {
	expiresAt := time.Now().Add(m.opts.LeaseTimeout)
	if err := m.store.UpdateSessionLease(ctx, rec.ID, m.opts.GatewayID, expiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		slog.Warn("Lease claim failed", "session_id", rec.ID, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, rec.ID)
	}

	actor := NewActor(rec, m.opts.Actor, m.persistEvent, m.statusChanged)

	m.mu.Lock()
	if existing, ok := m.actors[rec.ID]; ok {
		m.mu.Unlock()
		actor.Destroy()
		return existing, nil
	}
	m.actors[rec.ID] = actor
	m.mu.Unlock()

	slog.Info("Session adopted", "session_id", rec.ID,
		"gateway_id", m.opts.GatewayID, "status", rec.Status)
	return actor, nil
}

// Remove destroys the actor, drops it from the cache, and releases the
// lease.
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	actor, ok := m.actors[id]
	delete(m.actors, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	actor.Destroy()
	if err := m.store.ReleaseSessionLease(ctx, id); err != nil {
		slog.Warn("Failed to release session lease", "session_id", id, "error", err)
	}
	slog.Info("Session removed", "session_id", id)
}

// DispatchInput records a client input event on the actor and forwards
// the data to the agent process. Returns the assigned seq.
func (m *Manager) DispatchInput(ctx context.Context, actor *Actor, data, clientInputID string) (int64, error) {
	seq := actor.HandleInput(data, clientInputID)
	if err := m.agentIO.SendInput(ctx, actor.ID(), data); err != nil {
		// The event is already sequenced and persisted; agent delivery
		// failure is reported, not rolled back.
		return seq, fmt.Errorf("failed to forward input to agent: %w", err)
	}
	return seq, nil
}

// RequestStop moves the session to stopping and asks the supervisor to
// stop the agent. The reply to the client is a request-accepted ack;
// the agent's actual exit later drives the terminal status.
func (m *Manager) RequestStop(ctx context.Context, actor *Actor) error {
	actor.SetStatus(models.StatusStopping, ReasonStopRequested)
	if err := m.agentIO.Stop(ctx, actor.ID()); err != nil {
		return fmt.Errorf("failed to request agent stop: %w", err)
	}
	return nil
}

// Health returns a snapshot for the health endpoint.
func (m *Manager) Health() ManagerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byStatus := make(map[models.SessionStatus]int)
	for _, a := range m.actors {
		byStatus[a.Status()]++
	}
	return ManagerHealth{
		GatewayID:      m.opts.GatewayID,
		Actors:         len(m.actors),
		ActorsByStatus: byStatus,
		LeaseFailures:  m.leaseFailures.Load(),
	}
}

// run renews leases and emits heartbeats until the context is cancelled.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	leaseTicker := time.NewTicker(m.opts.LeaseRefreshInterval)
	defer leaseTicker.Stop()

	var heartbeatC <-chan time.Time
	if m.opts.HeartbeatInterval > 0 {
		heartbeatTicker := time.NewTicker(m.opts.HeartbeatInterval)
		defer heartbeatTicker.Stop()
		heartbeatC = heartbeatTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-leaseTicker.C:
			m.refreshLeases()
		case now := <-heartbeatC:
			m.emitHeartbeats(now)
		}
	}
}

// refreshLeases renews the lease of every hosted session. Failures are
// logged and counted; the next tick retries.
func (m *Manager) refreshLeases() {
	expiresAt := time.Now().Add(m.opts.LeaseTimeout)
	for _, actor := range m.All() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := m.store.UpdateSessionLease(ctx, actor.ID(), m.opts.GatewayID, expiresAt)
		cancel()
		if err != nil {
			m.leaseFailures.Add(1)
			slog.Warn("Lease refresh failed", "session_id", actor.ID(), "error", err)
		}
	}
}

// emitHeartbeats records a heartbeat on every running session that has
// subscribers attached.
func (m *Manager) emitHeartbeats(now time.Time) {
	for _, actor := range m.All() {
		if actor.Status() == models.StatusRunning && actor.SubscriberCount() > 0 {
			actor.Heartbeat(now)
		}
	}
}

// persistEvent is the actor→writer seam. Heartbeats are non-critical:
// they are skipped entirely while the writer is saturated.
func (m *Manager) persistEvent(rec models.EventRecord) bool {
	if m.writer == nil {
		return true
	}
	if rec.EventType == models.EventHeartbeat && !m.writer.Healthy() {
		return true
	}
	return m.writer.Enqueue(rec)
}

// statusChanged persists status transitions behind the actor.
func (m *Manager) statusChanged(sessionID string, status models.SessionStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		slog.Error("Failed to persist session status",
			"session_id", sessionID, "status", status, "error", err)
		return
	}
	slog.Info("Session status changed",
		"session_id", sessionID, "status", status, "reason", reason)
}
