package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/models"
)

func TestMemoryStore_CreateAndLoad(t *testing.T) {
	st := NewMemoryStore()

	rec, err := st.CreateSession(context.Background(), models.CreateSessionConfig{
		UserID:           "user-1",
		AgentType:        "coder",
		WorkingDirectory: "/work",
		Title:            "demo",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProvisioning, rec.Status)
	assert.Equal(t, int64(1), rec.NextSeq)

	loaded, err := st.LoadSession(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, loaded.ID)
	assert.Equal(t, "user-1", loaded.UserID)

	_, err = st.LoadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_LeaseClaimAndConflict(t *testing.T) {
	st := NewMemoryStore()
	rec, err := st.CreateSession(context.Background(), models.CreateSessionConfig{
		UserID: "u", AgentType: "coder", WorkingDirectory: "/w",
	})
	require.NoError(t, err)

	expires := time.Now().Add(time.Minute)
	require.NoError(t, st.UpdateSessionLease(context.Background(), rec.ID, "gw-1", expires))

	// Same owner renews freely.
	require.NoError(t, st.UpdateSessionLease(context.Background(), rec.ID, "gw-1", expires.Add(time.Minute)))

	// A different gateway is rejected while the lease is live.
	err = st.UpdateSessionLease(context.Background(), rec.ID, "gw-2", expires)
	assert.Error(t, err)

	// After release anyone may claim.
	require.NoError(t, st.ReleaseSessionLease(context.Background(), rec.ID))
	assert.NoError(t, st.UpdateSessionLease(context.Background(), rec.ID, "gw-2", expires))
}

func TestMemoryStore_ExpiredLeaseIsClaimable(t *testing.T) {
	st := NewMemoryStore()
	expired := time.Now().Add(-time.Minute)
	st.Put(models.SessionRecord{
		ID: "sess-1", Status: models.StatusRunning, NextSeq: 1,
		LeaseOwner: "gw-dead", LeaseExpiresAt: &expired,
	})

	err := st.UpdateSessionLease(context.Background(), "sess-1", "gw-2", time.Now().Add(time.Minute))
	assert.NoError(t, err)
}

func TestMemoryStore_ReleaseLeasesOwnedBy(t *testing.T) {
	st := NewMemoryStore()
	expires := time.Now().Add(time.Minute)
	st.Put(models.SessionRecord{ID: "a", Status: models.StatusRunning, LeaseOwner: "gw-1", LeaseExpiresAt: &expires})
	st.Put(models.SessionRecord{ID: "b", Status: models.StatusRunning, LeaseOwner: "gw-1", LeaseExpiresAt: &expires})
	st.Put(models.SessionRecord{ID: "c", Status: models.StatusRunning, LeaseOwner: "gw-2", LeaseExpiresAt: &expires})

	n, err := st.ReleaseLeasesOwnedBy(context.Background(), "gw-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := st.LoadSession(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "gw-2", rec.LeaseOwner)
}

func TestMemoryStore_WriteEventsAdvancesNextSeq(t *testing.T) {
	st := NewMemoryStore()
	rec, err := st.CreateSession(context.Background(), models.CreateSessionConfig{
		UserID: "u", AgentType: "coder", WorkingDirectory: "/w",
	})
	require.NoError(t, err)

	require.NoError(t, st.WriteEvents(context.Background(), []models.EventRecord{
		{SessionID: rec.ID, Seq: 1, EventType: models.EventInput, CreatedAt: time.Now()},
		{SessionID: rec.ID, Seq: 2, EventType: models.EventOutputChunk, CreatedAt: time.Now()},
	}))

	loaded, err := st.LoadSession(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.NextSeq)
}

func TestMemoryStore_EventsSince(t *testing.T) {
	st := NewMemoryStore()
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, st.WriteEvents(context.Background(), []models.EventRecord{
			{SessionID: "s", Seq: seq, EventType: models.EventOutputChunk, CreatedAt: time.Now()},
		}))
	}

	events, err := st.EventsSince(context.Background(), "s", 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(4), events[1].Seq)
}

func TestMemoryStore_MarkSessionStoppedSkipsTerminal(t *testing.T) {
	st := NewMemoryStore()
	st.Put(models.SessionRecord{ID: "errored", Status: models.StatusError})

	require.NoError(t, st.MarkSessionStopped(context.Background(), "errored"))

	rec, err := st.LoadSession(context.Background(), "errored")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)
}
