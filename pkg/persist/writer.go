// Package persist provides the batching event writer: a bounded
// in-memory queue drained to durable storage in batches, with
// time-based and size-based flush triggers and documented backpressure
// (records are dropped, never blocked on).
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
)

// BatchWriteFunc durably writes one batch of event records.
type BatchWriteFunc func(ctx context.Context, records []models.EventRecord) error

// ErrorFunc receives a batch that failed to write, so the caller can
// retry or dead-letter it externally.
type ErrorFunc func(records []models.EventRecord, err error)

// healthThreshold is the fraction of MaxQueueSize above which the
// writer reports unhealthy, letting callers shed non-critical events.
const healthThreshold = 0.8

// Options tune the writer.
type Options struct {
	BatchSize     int           // records per flush (default 50)
	FlushInterval time.Duration // timer-based flush (default 100ms)
	MaxQueueSize  int           // queue capacity (default 10000)
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 10000
	}
	return o
}

// Writer batches event records and flushes them through the injected
// batch-write callback. Enqueue never blocks; at most one flush is in
// flight at a time; enqueue order is preserved within and across
// batches.
type Writer struct {
	opts    Options
	write   BatchWriteFunc
	onError ErrorFunc

	mu      sync.Mutex
	queue   []models.EventRecord
	started bool
	stopped bool

	kick     chan struct{} // wakes the flush loop when a batch is ready
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWriter creates a writer. onError may be nil (failures are logged
// and the batch is dropped).
func NewWriter(opts Options, write BatchWriteFunc, onError ErrorFunc) *Writer {
	return &Writer{
		opts:    opts.withDefaults(),
		write:   write,
		onError: onError,
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the flush loop. Safe to call once.
func (w *Writer) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.run()
	slog.Info("Persistence writer started",
		"batch_size", w.opts.BatchSize,
		"flush_interval", w.opts.FlushInterval,
		"max_queue_size", w.opts.MaxQueueSize)
}

// Stop rejects further enqueues, drains the queue, and waits for the
// flush loop to exit.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.stopped = true
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
	slog.Info("Persistence writer stopped")
}

// Enqueue pushes one record. Returns false if the writer is stopped or
// the queue is at capacity; the record is dropped with a warning.
func (w *Writer) Enqueue(rec models.EventRecord) bool {
	w.mu.Lock()
	if w.stopped || len(w.queue) >= w.opts.MaxQueueSize {
		stopped := w.stopped
		w.mu.Unlock()
		slog.Warn("Persistence writer dropped event",
			"session_id", rec.SessionID, "seq", rec.Seq, "stopped", stopped)
		return false
	}
	w.queue = append(w.queue, rec)
	ready := len(w.queue) >= w.opts.BatchSize
	w.mu.Unlock()

	if ready {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// QueueLen returns the current queue length.
func (w *Writer) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Healthy reports whether the queue is below the backpressure
// threshold. Callers may drop non-critical events when false.
func (w *Writer) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return float64(len(w.queue)) < healthThreshold*float64(w.opts.MaxQueueSize)
}

// run is the flush loop. It owns the timer and is the only goroutine
// that invokes the batch-write callback, so flushes never overlap.
func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			// Drain whatever is left, batch by batch.
			for w.flushOnce() {
			}
			return
		case <-w.kick:
			w.flushPending()
		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending flushes immediately while a full batch remains, then one
// final partial batch is left to the timer.
func (w *Writer) flushPending() {
	for {
		w.flushOnce()
		w.mu.Lock()
		again := len(w.queue) >= w.opts.BatchSize
		w.mu.Unlock()
		if !again {
			return
		}
	}
}

// flushOnce drains up to one batch and hands it to the write callback.
// Returns true if any records were flushed.
func (w *Writer) flushOnce() bool {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return false
	}
	n := len(w.queue)
	if n > w.opts.BatchSize {
		n = w.opts.BatchSize
	}
	batch := make([]models.EventRecord, n)
	copy(batch, w.queue[:n])
	w.queue = w.queue[n:]
	w.mu.Unlock()

	if err := w.write(context.Background(), batch); err != nil {
		slog.Error("Event batch write failed", "batch_size", len(batch), "error", err)
		if w.onError != nil {
			w.onError(batch, err)
		}
	}
	return true
}
