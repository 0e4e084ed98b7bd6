// Package session contains the session runtime: the per-session actor
// that owns event sequencing and subscriber fan-out, and the manager
// that hosts actors for this gateway instance under a durable lease.
package session

import (
	"context"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
)

// Sink is the opaque transport handle of one subscriber. Sends must not
// block: implementations queue into a bounded per-subscriber buffer and
// report overflow by returning false. The actor never retries a failed
// send; it is the client's job to resubscribe with its last acked seq.
type Sink interface {
	// Send queues one serialized server frame. Returns false if the
	// sink is closed or its buffer is full.
	Send(data []byte) bool
	// Open reports whether the underlying transport is still usable.
	Open() bool
	// Close tears down the transport.
	Close()
}

// PersistFunc hands one event record to the persistence writer.
// It must not block; the return mirrors Writer.Enqueue.
type PersistFunc func(rec models.EventRecord) bool

// StatusChangeFunc is notified after a session status transition.
type StatusChangeFunc func(sessionID string, status models.SessionStatus, reason string)

// AgentIO is the seam to the agent process supervisor. Spawning is out
// of scope; the runtime only forwards input and stop requests.
type AgentIO interface {
	// SendInput forwards client input to the agent's stdin.
	SendInput(ctx context.Context, sessionID, data string) error
	// Stop asks the supervisor to stop the agent process.
	Stop(ctx context.Context, sessionID string) error
}

// NopAgentIO is an AgentIO for deployments where the supervisor runs
// out of process and consumes the event log instead.
type NopAgentIO struct{}

func (NopAgentIO) SendInput(context.Context, string, string) error { return nil }
func (NopAgentIO) Stop(context.Context, string) error              { return nil }

// subscriber is one client's attachment to this session.
type subscriber struct {
	clientID     string
	sink         Sink
	lastAckSeq   int64
	subscribedAt time.Time
}

// Status transition reasons used in system state events.
const (
	ReasonSubscriberAttached  = "subscriber_attached"
	ReasonNoSubscriberTimeout = "no_subscribers_timeout"
	ReasonStopRequested       = "stop_requested"
)
