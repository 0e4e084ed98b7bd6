// Package cleanup reconciles long-lived session state: stale leases
// left by dead peers, long-idle sessions, aged sessions, and terminal
// local actors nobody is watching.
package cleanup

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentmux/agentmux/pkg/session"
	"github.com/agentmux/agentmux/pkg/store"
)

// Options tune the cleanup loop.
type Options struct {
	Interval          time.Duration // sweep period (default 60s)
	StaleLeaseTimeout time.Duration // grace after lease expiry (default 60s)
	IdleTimeout       time.Duration // inactivity before stop (default 30m)
	MaxSessionAge     time.Duration // age before history purge (default 7d)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.StaleLeaseTimeout <= 0 {
		o.StaleLeaseTimeout = 60 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.MaxSessionAge <= 0 {
		o.MaxSessionAge = 7 * 24 * time.Hour
	}
	return o
}

// Service runs the periodic reconciliation sweep. All passes are
// idempotent and safe to run from multiple gateways at once.
type Service struct {
	opts    Options
	store   store.CleanupStore
	manager *session.Manager

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService creates a cleanup service.
func NewService(opts Options, st store.CleanupStore, manager *session.Manager) *Service {
	return &Service{
		opts:    opts.withDefaults(),
		store:   st,
		manager: manager,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"interval", s.opts.Interval,
		"stale_lease_timeout", s.opts.StaleLeaseTimeout,
		"idle_timeout", s.opts.IdleTimeout,
		"max_session_age", s.opts.MaxSessionAge)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one sweep and returns the number of sessions acted
// on. A sweep started while another is still running returns
// immediately with zero work.
func (s *Service) RunOnce(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		return 0
	}
	defer s.running.Store(false)

	now := time.Now()
	total := 0
	total += s.reapStaleLeases(ctx, now)
	total += s.reapIdleSessions(ctx, now)
	s.purgeAgedSessions(ctx, now)
	total += s.reapTerminalActors(ctx)
	return total
}

// reapStaleLeases stops sessions whose lease expired before the stale
// grace period; the owning gateway is presumed dead.
func (s *Service) reapStaleLeases(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.opts.StaleLeaseTimeout)
	ids, err := s.store.StaleSessionIDs(ctx, cutoff)
	if err != nil {
		slog.Error("Cleanup: stale lease query failed", "error", err)
		return 0
	}
	count := 0
	for _, id := range ids {
		if err := s.store.MarkSessionStopped(ctx, id); err != nil {
			slog.Error("Cleanup: failed to stop stale session", "session_id", id, "error", err)
			continue
		}
		s.manager.Remove(ctx, id)
		count++
	}
	if count > 0 {
		slog.Info("Cleanup: stopped stale-leased sessions", "count", count)
	}
	return count
}

// reapIdleSessions stops sessions with no activity for the idle timeout.
func (s *Service) reapIdleSessions(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.opts.IdleTimeout)
	ids, err := s.store.IdleSessionIDs(ctx, cutoff)
	if err != nil {
		slog.Error("Cleanup: idle session query failed", "error", err)
		return 0
	}
	count := 0
	for _, id := range ids {
		if err := s.store.MarkSessionStopped(ctx, id); err != nil {
			slog.Error("Cleanup: failed to stop idle session", "session_id", id, "error", err)
			continue
		}
		s.manager.Remove(ctx, id)
		count++
	}
	if count > 0 {
		slog.Info("Cleanup: stopped idle sessions", "count", count)
	}
	return count
}

// purgeAgedSessions collects sessions past the maximum age and purges
// their event history. The session rows remain.
func (s *Service) purgeAgedSessions(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.opts.MaxSessionAge)
	ids, err := s.store.OldSessionIDs(ctx, cutoff)
	if err != nil {
		slog.Error("Cleanup: aged session query failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	deleted, err := s.store.DeleteOldEvents(ctx, cutoff)
	if err != nil {
		slog.Error("Cleanup: event purge failed", "error", err)
		return
	}
	slog.Info("Cleanup: purged aged session events",
		"sessions", len(ids), "events_deleted", deleted)
}

// reapTerminalActors removes local actors that are stopped or errored
// with no subscribers attached.
func (s *Service) reapTerminalActors(ctx context.Context) int {
	count := 0
	for _, actor := range s.manager.All() {
		if actor.Status().Terminal() && actor.SubscriberCount() == 0 {
			s.manager.Remove(ctx, actor.ID())
			count++
		}
	}
	if count > 0 {
		slog.Info("Cleanup: removed terminal local sessions", "count", count)
	}
	return count
}
