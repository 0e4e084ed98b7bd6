package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler executes one action kind against the gateway. Returning nil
// removes the action from the queue; an error schedules a retry.
type Handler func(ctx context.Context, action Action) error

// QueueOptions tune retry behavior.
type QueueOptions struct {
	MaxRetries   int           // attempts before terminal failure (default 5)
	InitialDelay time.Duration // first backoff step (default 1s)
	MaxDelay     time.Duration // backoff ceiling (default 60s)
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	return o
}

// Queue is the durable offline action queue. A single worker drains
// due actions; a processing flag serializes passes so a network
// wake-up during a pass never runs work twice.
type Queue struct {
	opts     QueueOptions
	store    ActionStore
	handlers map[ActionKind]Handler

	mu      sync.Mutex
	actions []Action

	online     atomic.Bool
	processing atomic.Bool

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// NewQueue loads the persisted action list. Actions left in-flight by
// a crash are reset to pending so they run again (at-least-once).
func NewQueue(opts QueueOptions, store ActionStore) (*Queue, error) {
	actions, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load action queue: %w", err)
	}
	for i := range actions {
		if actions[i].Status == ActionProcessing {
			actions[i].Status = ActionPending
		}
	}

	q := &Queue{
		opts:     opts.withDefaults(),
		store:    store,
		handlers: make(map[ActionKind]Handler),
		actions:  actions,
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
	q.online.Store(true)
	return q, nil
}

// RegisterHandler binds a handler to an action kind. Must be called
// before StartQueueProcessing.
func (q *Queue) RegisterHandler(kind ActionKind, h Handler) {
	q.handlers[kind] = h
}

// EnqueueAction persists a new pending action due immediately and
// wakes the worker. Returns the action id.
func (q *Queue) EnqueueAction(kind ActionKind, payload map[string]any) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown action kind: %s", kind)
	}

	now := q.now()
	action := Action{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     payload,
		Status:      ActionPending,
		CreatedAt:   now,
		NextRetryAt: &now,
	}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	q.wake()
	return action.ID, nil
}

// RetryFailedAction re-arms one failed action: retry count back to
// zero, due immediately.
func (q *Queue) RetryFailedAction(id string) error {
	q.mu.Lock()
	found := false
	now := q.now()
	for i := range q.actions {
		if q.actions[i].ID == id && q.actions[i].Status == ActionFailed {
			q.resetLocked(&q.actions[i], now)
			found = true
			break
		}
	}
	var err error
	if found {
		err = q.persistLocked()
	}
	q.mu.Unlock()

	if !found {
		return fmt.Errorf("no failed action with id %s", id)
	}
	if err != nil {
		return err
	}
	q.wake()
	return nil
}

// RetryAllFailed re-arms every failed action.
func (q *Queue) RetryAllFailed() error {
	q.mu.Lock()
	now := q.now()
	count := 0
	for i := range q.actions {
		if q.actions[i].Status == ActionFailed {
			q.resetLocked(&q.actions[i], now)
			count++
		}
	}
	var err error
	if count > 0 {
		err = q.persistLocked()
	}
	q.mu.Unlock()

	if err != nil {
		return err
	}
	if count > 0 {
		slog.Info("Re-armed failed actions", "count", count)
		q.wake()
	}
	return nil
}

// resetLocked returns a failed action to the pending pool.
func (q *Queue) resetLocked(a *Action, now time.Time) {
	a.Status = ActionPending
	a.RetryCount = 0
	a.LastError = ""
	a.NextRetryAt = &now
}

// SetNetworkAvailable records connectivity. A transition to connected
// wakes the worker immediately.
func (q *Queue) SetNetworkAvailable(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		slog.Info("Network restored, flushing action queue")
		q.wake()
	}
}

// ListActions returns a snapshot of the queue contents.
func (q *Queue) ListActions() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, len(q.actions))
	copy(out, q.actions)
	return out
}

// StartQueueProcessing launches the worker loop.
func (q *Queue) StartQueueProcessing(ctx context.Context) {
	if q.cancel != nil {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.run(ctx)
	slog.Info("Action queue processing started",
		"pending", len(q.ListActions()), "max_retries", q.opts.MaxRetries)
}

// StopQueueProcessing stops the worker loop and waits for it to exit.
func (q *Queue) StopQueueProcessing() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil
	slog.Info("Action queue processing stopped")
}

func (q *Queue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		case <-timer.C:
		}

		q.ProcessOnce(ctx)

		// Arm the timer for the earliest retry. While offline the timer
		// stays idle; the connectivity observer wakes the loop instead.
		if q.online.Load() {
			if next, ok := q.nextDue(); ok {
				delay := time.Until(next)
				if delay < 0 {
					delay = 0
				}
				timer.Reset(delay)
			}
		}
	}
}

// ProcessOnce runs one pass over the due actions. A pass started while
// another is in flight returns immediately with zero work. Returns the
// number of actions attempted.
func (q *Queue) ProcessOnce(ctx context.Context) int {
	if !q.processing.CompareAndSwap(false, true) {
		return 0
	}
	defer q.processing.Store(false)

	if !q.online.Load() {
		return 0
	}

	attempted := 0
	for {
		action, ok := q.claimDue()
		if !ok {
			return attempted
		}
		attempted++
		q.execute(ctx, action)
	}
}

// claimDue marks the earliest due pending action as processing and
// returns a copy of it.
func (q *Queue) claimDue() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	best := -1
	for i := range q.actions {
		a := &q.actions[i]
		if a.Status != ActionPending || a.NextRetryAt == nil || a.NextRetryAt.After(now) {
			continue
		}
		if best == -1 || a.NextRetryAt.Before(*q.actions[best].NextRetryAt) {
			best = i
		}
	}
	if best == -1 {
		return Action{}, false
	}

	q.actions[best].Status = ActionProcessing
	if err := q.persistLocked(); err != nil {
		slog.Warn("Failed to persist action claim", "error", err)
	}
	return q.actions[best], true
}

// execute runs the handler for one claimed action and records the
// outcome.
func (q *Queue) execute(ctx context.Context, action Action) {
	handler, ok := q.handlers[action.Kind]
	if !ok {
		// No handler registered yet; leave the action for a later run.
		q.settle(action.ID, fmt.Errorf("no handler for kind %s", action.Kind))
		return
	}

	err := handler(ctx, action)
	q.settle(action.ID, err)
}

// settle removes a succeeded action or schedules its retry.
func (q *Queue) settle(id string, handlerErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i := range q.actions {
		if q.actions[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}

	if handlerErr == nil {
		q.actions = append(q.actions[:idx], q.actions[idx+1:]...)
		if err := q.persistLocked(); err != nil {
			slog.Warn("Failed to persist action removal", "error", err)
		}
		return
	}

	a := &q.actions[idx]
	now := q.now()
	a.RetryCount++
	a.LastRetryAt = &now
	a.LastError = handlerErr.Error()

	if a.RetryCount >= q.opts.MaxRetries {
		a.Status = ActionFailed
		a.NextRetryAt = nil
		slog.Warn("Action failed permanently",
			"action_id", a.ID, "kind", a.Kind, "retries", a.RetryCount, "error", handlerErr)
	} else {
		a.Status = ActionPending
		next := now.Add(q.backoff(a.RetryCount))
		a.NextRetryAt = &next
		slog.Debug("Action retry scheduled",
			"action_id", a.ID, "kind", a.Kind,
			"retry_count", a.RetryCount, "next_retry_at", next)
	}

	if err := q.persistLocked(); err != nil {
		slog.Warn("Failed to persist action retry state", "error", err)
	}
}

// backoff returns min(InitialDelay * 2^retryCount, MaxDelay).
func (q *Queue) backoff(retryCount int) time.Duration {
	delay := q.opts.InitialDelay
	for i := 0; i < retryCount && delay < q.opts.MaxDelay; i++ {
		delay *= 2
	}
	if delay > q.opts.MaxDelay {
		delay = q.opts.MaxDelay
	}
	return delay
}

// nextDue returns the earliest NextRetryAt among pending actions.
func (q *Queue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	found := false
	for i := range q.actions {
		a := &q.actions[i]
		if a.Status != ActionPending || a.NextRetryAt == nil {
			continue
		}
		if !found || a.NextRetryAt.Before(next) {
			next = *a.NextRetryAt
			found = true
		}
	}
	return next, found
}

// persistLocked writes the full list through the store. Caller holds mu.
func (q *Queue) persistLocked() error {
	return q.store.Save(q.actions)
}
