package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/session"
	"github.com/agentmux/agentmux/pkg/store"
)

func newFixture(t *testing.T) (*store.MemoryStore, *session.Manager, *Service) {
	t.Helper()
	st := store.NewMemoryStore()
	manager := session.NewManager(session.ManagerOptions{GatewayID: "gw-1"}, st, nil, nil)
	t.Cleanup(manager.Stop)
	svc := NewService(Options{
		StaleLeaseTimeout: time.Minute,
		IdleTimeout:       30 * time.Minute,
		MaxSessionAge:     7 * 24 * time.Hour,
	}, st, manager)
	return st, manager, svc
}

func TestRunOnce_StopsStaleLeasedSessions(t *testing.T) {
	st, _, svc := newFixture(t)

	// Lease expired two minutes ago, past the one minute grace.
	expired := time.Now().Add(-2 * time.Minute)
	st.Put(models.SessionRecord{
		ID: "stale", UserID: "u", Status: models.StatusRunning, NextSeq: 1,
		LeaseOwner: "gw-dead", LeaseExpiresAt: &expired,
		LastActivityAt: time.Now(), CreatedAt: time.Now(),
	})

	// Lease expired only seconds ago: within grace, left alone.
	recent := time.Now().Add(-5 * time.Second)
	st.Put(models.SessionRecord{
		ID: "fresh", UserID: "u", Status: models.StatusRunning, NextSeq: 1,
		LeaseOwner: "gw-2", LeaseExpiresAt: &recent,
		LastActivityAt: time.Now(), CreatedAt: time.Now(),
	})

	count := svc.RunOnce(context.Background())
	assert.Equal(t, 1, count)

	rec, err := st.LoadSession(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, rec.Status)
	assert.Empty(t, rec.LeaseOwner)

	rec, err = st.LoadSession(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, rec.Status)
}

func TestRunOnce_StopsIdleSessions(t *testing.T) {
	st, _, svc := newFixture(t)

	st.Put(models.SessionRecord{
		ID: "idle", UserID: "u", Status: models.StatusIdle, NextSeq: 1,
		LastActivityAt: time.Now().Add(-time.Hour), CreatedAt: time.Now(),
	})
	st.Put(models.SessionRecord{
		ID: "active", UserID: "u", Status: models.StatusRunning, NextSeq: 1,
		LastActivityAt: time.Now(), CreatedAt: time.Now(),
	})

	count := svc.RunOnce(context.Background())
	assert.Equal(t, 1, count)

	rec, err := st.LoadSession(context.Background(), "idle")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, rec.Status)

	rec, err = st.LoadSession(context.Background(), "active")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, rec.Status)
}

func TestRunOnce_PurgesAgedSessionEvents(t *testing.T) {
	st, _, svc := newFixture(t)

	old := time.Now().Add(-8 * 24 * time.Hour)
	st.Put(models.SessionRecord{
		ID: "aged", UserID: "u", Status: models.StatusStopped, NextSeq: 3,
		LastActivityAt: old, CreatedAt: old,
	})
	require.NoError(t, st.WriteEvents(context.Background(), []models.EventRecord{
		{SessionID: "aged", Seq: 1, EventType: models.EventInput, CreatedAt: old},
		{SessionID: "aged", Seq: 2, EventType: models.EventOutputChunk, CreatedAt: old},
	}))

	svc.RunOnce(context.Background())

	events, err := st.EventsSince(context.Background(), "aged", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// The session row itself remains.
	_, err = st.LoadSession(context.Background(), "aged")
	assert.NoError(t, err)
}

func TestRunOnce_RemovesTerminalActorsWithoutSubscribers(t *testing.T) {
	st, manager, svc := newFixture(t)

	actor, err := manager.Create(context.Background(), models.CreateSessionConfig{
		UserID: "u", AgentType: "coder", WorkingDirectory: "/w",
	})
	require.NoError(t, err)
	actor.HandleAgentExit(0, "")
	require.Equal(t, 1, manager.Count())

	count := svc.RunOnce(context.Background())
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, manager.Count())

	rec, err := st.LoadSession(context.Background(), actor.ID())
	require.NoError(t, err)
	assert.Empty(t, rec.LeaseOwner)
}

func TestRunOnce_KeepsTerminalActorsWithSubscribers(t *testing.T) {
	_, manager, svc := newFixture(t)

	actor, err := manager.Create(context.Background(), models.CreateSessionConfig{
		UserID: "u", AgentType: "coder", WorkingDirectory: "/w",
	})
	require.NoError(t, err)
	actor.AttachSubscriber("client-1", openSink{}, 0)
	actor.HandleAgentExit(0, "")

	svc.RunOnce(context.Background())
	assert.Equal(t, 1, manager.Count())
}

// openSink is a trivially open session.Sink.
type openSink struct{}

func (openSink) Send([]byte) bool { return true }
func (openSink) Open() bool       { return true }
func (openSink) Close()           {}

func TestRunOnce_GuardsAgainstOverlap(t *testing.T) {
	st := store.NewMemoryStore()
	manager := session.NewManager(session.ManagerOptions{GatewayID: "gw-1"}, st, nil, nil)
	t.Cleanup(manager.Stop)

	blocking := &blockingCleanupStore{
		MemoryStore: st,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	svc := NewService(Options{}, blocking, manager)

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		svc.RunOnce(context.Background())
	}()

	<-started
	<-blocking.entered

	// A second sweep while the first is blocked does no work.
	assert.Equal(t, 0, svc.RunOnce(context.Background()))

	close(blocking.release)
	wg.Wait()
}

// blockingCleanupStore blocks the first stale-lease query until released.
type blockingCleanupStore struct {
	*store.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingCleanupStore) StaleSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemoryStore.StaleSessionIDs(ctx, cutoff)
}
