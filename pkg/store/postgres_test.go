package store

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentmux/agentmux/pkg/database"
	"github.com/agentmux/agentmux/pkg/models"
)

var (
	pgConnStr string
	pgOnce    sync.Once
	pgErr     error
)

// sharedConnStr starts one PostgreSQL testcontainer per package run.
func sharedConnStr(t *testing.T) string {
	t.Helper()
	pgOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("agentmux_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			pgErr = err
			return
		}
		pgConnStr, pgErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, pgErr, "failed to start postgres container")
	return pgConnStr
}

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}

	db, err := sql.Open("pgx", sharedConnStr(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.MigrateUp(db, "agentmux_test"))
	return NewPostgresStore(db)
}

func TestPostgresStore_SessionLifecycle(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()

	rec, err := st.CreateSession(ctx, models.CreateSessionConfig{
		UserID:           "user-1",
		AgentType:        "coder",
		WorkingDirectory: "/work/repo",
		Title:            "integration",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProvisioning, rec.Status)
	assert.Equal(t, int64(1), rec.NextSeq)
	assert.Empty(t, rec.LeaseOwner)

	loaded, err := st.LoadSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, loaded.ID)

	require.NoError(t, st.UpdateSessionStatus(ctx, rec.ID, models.StatusRunning))
	loaded, err = st.LoadSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, loaded.Status)

	_, err = st.LoadSession(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_LeaseProtocol(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()

	rec, err := st.CreateSession(ctx, models.CreateSessionConfig{
		UserID: "u", AgentType: "coder", WorkingDirectory: "/w",
	})
	require.NoError(t, err)

	expires := time.Now().Add(time.Minute)
	require.NoError(t, st.UpdateSessionLease(ctx, rec.ID, "gw-1", expires))

	// Renewal by the owner succeeds; a rival gateway is rejected.
	require.NoError(t, st.UpdateSessionLease(ctx, rec.ID, "gw-1", expires.Add(time.Minute)))
	assert.Error(t, st.UpdateSessionLease(ctx, rec.ID, "gw-2", expires))

	// An expired lease is claimable.
	_, err = st.db.ExecContext(ctx,
		`UPDATE sessions SET lease_expires_at = now() - interval '1 minute' WHERE id = $1`, rec.ID)
	require.NoError(t, err)
	assert.NoError(t, st.UpdateSessionLease(ctx, rec.ID, "gw-2", expires))

	n, err := st.ReleaseLeasesOwnedBy(ctx, "gw-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresStore_WriteEventsIsIdempotent(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()

	rec, err := st.CreateSession(ctx, models.CreateSessionConfig{
		UserID: "u", AgentType: "coder", WorkingDirectory: "/w",
	})
	require.NoError(t, err)

	batch := []models.EventRecord{
		{
			SessionID: rec.ID, Seq: 1, Direction: models.DirectionClient,
			EventType: models.EventInput,
			Payload:   map[string]any{"data": "hello", "clientInputId": "in-1"},
			CreatedAt: time.Now(),
		},
		{
			SessionID: rec.ID, Seq: 2, Direction: models.DirectionAgent,
			EventType: models.EventOutputChunk,
			Payload:   map[string]any{"data": "hi", "stream": "stdout"},
			CreatedAt: time.Now(),
		},
	}
	require.NoError(t, st.WriteEvents(ctx, batch))
	// Retried delivery of the same batch is a no-op (at-least-once writer).
	require.NoError(t, st.WriteEvents(ctx, batch))

	events, err := st.EventsSince(ctx, rec.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, "hello", events[0].Payload["data"])
	assert.Equal(t, int64(2), events[1].Seq)

	loaded, err := st.LoadSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.NextSeq)
}

func TestPostgresStore_CleanupQueries(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()

	stale, err := st.CreateSession(ctx, models.CreateSessionConfig{
		UserID: "u", AgentType: "coder", WorkingDirectory: "/w",
	})
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx,
		`UPDATE sessions
		 SET lease_owner = 'gw-dead', lease_expires_at = now() - interval '5 minutes'
		 WHERE id = $1`, stale.ID)
	require.NoError(t, err)

	ids, err := st.StaleSessionIDs(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Contains(t, ids, stale.ID)

	require.NoError(t, st.MarkSessionStopped(ctx, stale.ID))
	rec, err := st.LoadSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, rec.Status)
	assert.Empty(t, rec.LeaseOwner)

	// Stopped sessions no longer show up as stale.
	ids, err = st.StaleSessionIDs(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.NotContains(t, ids, stale.ID)
}
