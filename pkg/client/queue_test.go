package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts QueueOptions) *Queue {
	t.Helper()
	q, err := NewQueue(opts, NewMemoryStore())
	require.NoError(t, err)
	return q
}

// countingHandler fails a fixed number of times, then succeeds.
type countingHandler struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (h *countingHandler) handle(context.Context, Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return errors.New("gateway unreachable")
	}
	return nil
}

func (h *countingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestQueue_EnqueueRejectsUnknownKind(t *testing.T) {
	q := newTestQueue(t, QueueOptions{})
	_, err := q.EnqueueAction("send_pigeon", nil)
	assert.Error(t, err)
}

func TestQueue_SuccessRemovesAction(t *testing.T) {
	q := newTestQueue(t, QueueOptions{})
	h := &countingHandler{}
	q.RegisterHandler(ActionReplyToSession, h.handle)

	_, err := q.EnqueueAction(ActionReplyToSession, map[string]any{"text": "lgtm"})
	require.NoError(t, err)

	q.ProcessOnce(context.Background())

	assert.Equal(t, 1, h.callCount())
	assert.Empty(t, q.ListActions())
}

func TestQueue_FailureSchedulesBackoff(t *testing.T) {
	q := newTestQueue(t, QueueOptions{InitialDelay: time.Second, MaxDelay: 60 * time.Second})
	h := &countingHandler{failures: 100}
	q.RegisterHandler(ActionUnblockTask, h.handle)

	before := time.Now()
	_, err := q.EnqueueAction(ActionUnblockTask, nil)
	require.NoError(t, err)

	q.ProcessOnce(context.Background())

	actions := q.ListActions()
	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, ActionPending, a.Status)
	assert.Equal(t, 1, a.RetryCount)
	assert.Equal(t, "gateway unreachable", a.LastError)
	require.NotNil(t, a.NextRetryAt)

	// First retry waits min(1s * 2^1, 60s) = 2s.
	delay := a.NextRetryAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 2*time.Second)
	assert.Less(t, delay, 4*time.Second)
}

func TestQueue_BackoffIsCapped(t *testing.T) {
	q := newTestQueue(t, QueueOptions{InitialDelay: time.Second, MaxDelay: 60 * time.Second, MaxRetries: 100})

	assert.Equal(t, 2*time.Second, q.backoff(1))
	assert.Equal(t, 4*time.Second, q.backoff(2))
	assert.Equal(t, 32*time.Second, q.backoff(5))
	assert.Equal(t, 60*time.Second, q.backoff(6))
	assert.Equal(t, 60*time.Second, q.backoff(20))
}

func TestQueue_FailsPermanentlyAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t, QueueOptions{MaxRetries: 5})
	h := &countingHandler{failures: 100}
	q.RegisterHandler(ActionCommentOnPR, h.handle)

	_, err := q.EnqueueAction(ActionCommentOnPR, nil)
	require.NoError(t, err)

	// Force each attempt due immediately.
	for i := 0; i < 5; i++ {
		q.ProcessOnce(context.Background())
		q.mu.Lock()
		for j := range q.actions {
			if q.actions[j].NextRetryAt != nil {
				now := time.Now()
				q.actions[j].NextRetryAt = &now
			}
		}
		q.mu.Unlock()
	}

	actions := q.ListActions()
	require.Len(t, actions, 1)
	assert.Equal(t, ActionFailed, actions[0].Status)
	assert.Equal(t, 5, actions[0].RetryCount)
	assert.Nil(t, actions[0].NextRetryAt)
	assert.Equal(t, 5, h.callCount())

	// Terminal: further passes do not touch it.
	q.ProcessOnce(context.Background())
	assert.Equal(t, 5, h.callCount())
}

func TestQueue_RetryFailedActionReArms(t *testing.T) {
	q := newTestQueue(t, QueueOptions{MaxRetries: 1})
	h := &countingHandler{failures: 1}
	q.RegisterHandler(ActionCompleteTask, h.handle)

	id, err := q.EnqueueAction(ActionCompleteTask, nil)
	require.NoError(t, err)

	q.ProcessOnce(context.Background())
	require.Equal(t, ActionFailed, q.ListActions()[0].Status)

	require.NoError(t, q.RetryFailedAction(id))
	actions := q.ListActions()
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPending, actions[0].Status)
	assert.Equal(t, 0, actions[0].RetryCount)
	assert.Empty(t, actions[0].LastError)

	// Handler succeeds on the second call.
	q.ProcessOnce(context.Background())
	assert.Empty(t, q.ListActions())
}

func TestQueue_RetryFailedActionRequiresFailedStatus(t *testing.T) {
	q := newTestQueue(t, QueueOptions{})
	_, err := q.EnqueueAction(ActionReplyToSession, nil)
	require.NoError(t, err)

	id := q.ListActions()[0].ID
	assert.Error(t, q.RetryFailedAction(id)) // pending, not failed
	assert.Error(t, q.RetryFailedAction("nope"))
}

func TestQueue_RetryAllFailed(t *testing.T) {
	q := newTestQueue(t, QueueOptions{MaxRetries: 1})
	h := &countingHandler{failures: 2}
	q.RegisterHandler(ActionReplyToSession, h.handle)

	_, err := q.EnqueueAction(ActionReplyToSession, nil)
	require.NoError(t, err)
	_, err = q.EnqueueAction(ActionReplyToSession, nil)
	require.NoError(t, err)

	q.ProcessOnce(context.Background())
	for _, a := range q.ListActions() {
		require.Equal(t, ActionFailed, a.Status)
	}

	require.NoError(t, q.RetryAllFailed())
	for _, a := range q.ListActions() {
		assert.Equal(t, ActionPending, a.Status)
		assert.Equal(t, 0, a.RetryCount)
	}
}

func TestQueue_OfflineSkipsProcessing(t *testing.T) {
	q := newTestQueue(t, QueueOptions{})
	h := &countingHandler{}
	q.RegisterHandler(ActionReplyToSession, h.handle)

	_, err := q.EnqueueAction(ActionReplyToSession, nil)
	require.NoError(t, err)

	q.SetNetworkAvailable(false)
	assert.Equal(t, 0, q.ProcessOnce(context.Background()))
	assert.Equal(t, 0, h.callCount())

	q.SetNetworkAvailable(true)
	assert.Equal(t, 1, q.ProcessOnce(context.Background()))
	assert.Equal(t, 1, h.callCount())
}

func TestQueue_NetworkRestoreFlushesAutomatically(t *testing.T) {
	q := newTestQueue(t, QueueOptions{})
	h := &countingHandler{}
	q.RegisterHandler(ActionReplyToSession, h.handle)

	q.SetNetworkAvailable(false)
	_, err := q.EnqueueAction(ActionReplyToSession, nil)
	require.NoError(t, err)

	q.StartQueueProcessing(context.Background())
	defer q.StopQueueProcessing()

	// Still offline: nothing happens.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.callCount())

	q.SetNetworkAvailable(true)
	require.Eventually(t, func() bool {
		return len(q.ListActions()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_FutureActionsWaitForTimer(t *testing.T) {
	q := newTestQueue(t, QueueOptions{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	h := &countingHandler{failures: 1}
	q.RegisterHandler(ActionReplyToSession, h.handle)

	_, err := q.EnqueueAction(ActionReplyToSession, nil)
	require.NoError(t, err)

	q.StartQueueProcessing(context.Background())
	defer q.StopQueueProcessing()

	// First attempt fails, backoff reschedules, second attempt succeeds.
	require.Eventually(t, func() bool {
		return len(q.ListActions()) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.callCount())
}

func TestQueue_CrashRecoveryResetsInFlightActions(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save([]Action{
		{ID: "a1", Kind: ActionReplyToSession, Status: ActionProcessing},
	}))

	q, err := NewQueue(QueueOptions{}, store)
	require.NoError(t, err)

	actions := q.ListActions()
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPending, actions[0].Status)
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "actions.json")
	store := NewFileStore(path)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	now := time.Now().UTC().Truncate(time.Second)
	saved := []Action{
		{
			ID: "a1", Kind: ActionReplyToSession, Status: ActionPending,
			Payload: map[string]any{"text": "ship it"}, CreatedAt: now, NextRetryAt: &now,
		},
		{
			ID: "a2", Kind: ActionCommentOnPR, Status: ActionFailed,
			RetryCount: 5, LastError: "gateway unreachable", CreatedAt: now,
		},
	}
	require.NoError(t, store.Save(saved))

	loaded, err = store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a1", loaded[0].ID)
	assert.Equal(t, "ship it", loaded[0].Payload["text"])
	assert.Equal(t, ActionFailed, loaded[1].Status)
	assert.Equal(t, 5, loaded[1].RetryCount)
	require.NotNil(t, loaded[0].NextRetryAt)
	assert.True(t, loaded[0].NextRetryAt.Equal(now))
}

func TestQueue_PersistsThroughRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	store := NewFileStore(path)

	q1, err := NewQueue(QueueOptions{}, store)
	require.NoError(t, err)
	id, err := q1.EnqueueAction(ActionUnblockTask, map[string]any{"taskId": "t-1"})
	require.NoError(t, err)

	// A fresh queue over the same file sees the action.
	q2, err := NewQueue(QueueOptions{}, store)
	require.NoError(t, err)
	actions := q2.ListActions()
	require.Len(t, actions, 1)
	assert.Equal(t, id, actions[0].ID)
	assert.Equal(t, "t-1", actions[0].Payload["taskId"])
}
