package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/models"
	"github.com/agentmux/agentmux/pkg/protocol"
)

// ActorOptions tune a single actor.
type ActorOptions struct {
	MaxRecentEvents int           // recent-events buffer size (default 1000)
	IdleTimeout     time.Duration // running → idle after last detach (default 30m)
}

func (o ActorOptions) withDefaults() ActorOptions {
	if o.MaxRecentEvents <= 0 {
		o.MaxRecentEvents = 1000
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	return o
}

// Actor owns one session's in-process state and is the single writer of
// its event log. All sequence numbers originate here. Every mutating
// operation runs inside one critical section: seq assignment, recent
// buffer append, subscriber mutation and fan-out are atomic relative to
// each other.
type Actor struct {
	id     string
	userID string
	opts   ActorOptions

	persist  PersistFunc
	onStatus StatusChangeFunc

	mu          sync.Mutex
	status      models.SessionStatus
	nextSeq     int64
	recent      []models.EventRecord // ascending seq, bounded ring
	subscribers map[string]*subscriber
	idleTimer   *time.Timer
	destroyed   bool
}

// NewActor creates an actor for a loaded session record. The record's
// status and next_seq seed the in-process state.
func NewActor(rec *models.SessionRecord, opts ActorOptions, persist PersistFunc, onStatus StatusChangeFunc) *Actor {
	nextSeq := rec.NextSeq
	if nextSeq < 1 {
		nextSeq = 1
	}
	return &Actor{
		id:          rec.ID,
		userID:      rec.UserID,
		opts:        opts.withDefaults(),
		persist:     persist,
		onStatus:    onStatus,
		status:      rec.Status,
		nextSeq:     nextSeq,
		subscribers: make(map[string]*subscriber),
	}
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

// UserID returns the owning user id.
func (a *Actor) UserID() string { return a.userID }

// Status returns the current session status.
func (a *Actor) Status() models.SessionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// LatestSeq returns the highest assigned sequence number (0 if none).
func (a *Actor) LatestSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextSeq - 1
}

// SubscriberCount returns the number of attached subscribers.
func (a *Actor) SubscriberCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subscribers)
}

// SetStatus transitions the session status. Idempotent: no event is
// emitted when the status is unchanged.
func (a *Actor) SetStatus(status models.SessionStatus, reason string) {
	a.mu.Lock()
	if a.destroyed || a.status == status {
		a.mu.Unlock()
		return
	}
	prev := a.status
	a.status = status
	a.emitLocked(models.DirectionSystem, models.EventState,
		protocol.StatePayload(status, reason, prev))
	a.resetIdleTimerLocked()
	a.mu.Unlock()

	if a.onStatus != nil {
		a.onStatus(a.id, status, reason)
	}
}

// AttachSubscriber registers (or re-registers) a subscriber and returns
// the catch-up tail: all buffered events with seq > lastAckSeq, in
// ascending seq order. The same events are queued to the sink before
// any later live event, so the client sees catch-up then live with no
// interleaving. An idle session returns to running.
func (a *Actor) AttachSubscriber(clientID string, sink Sink, lastAckSeq int64) []models.EventRecord {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	if old, ok := a.subscribers[clientID]; ok && old.sink != sink {
		old.sink.Close()
	}
	a.subscribers[clientID] = &subscriber{
		clientID:     clientID,
		sink:         sink,
		lastAckSeq:   lastAckSeq,
		subscribedAt: time.Now(),
	}
	a.stopIdleTimerLocked()

	var catchup []models.EventRecord
	for _, rec := range a.recent {
		if rec.Seq > lastAckSeq {
			catchup = append(catchup, rec)
		}
	}
	for _, rec := range catchup {
		a.sendToSinkLocked(sink, rec)
	}

	wasIdle := a.status == models.StatusIdle
	if wasIdle {
		prev := a.status
		a.status = models.StatusRunning
		a.emitLocked(models.DirectionSystem, models.EventState,
			protocol.StatePayload(models.StatusRunning, ReasonSubscriberAttached, prev))
	}
	a.mu.Unlock()

	if wasIdle && a.onStatus != nil {
		a.onStatus(a.id, models.StatusRunning, ReasonSubscriberAttached)
	}
	return catchup
}

// DetachSubscriber removes a subscriber. When the set becomes empty and
// the session is running, the idle timer starts.
func (a *Actor) DetachSubscriber(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subscribers[clientID]; !ok {
		return
	}
	delete(a.subscribers, clientID)
	if len(a.subscribers) == 0 && a.status == models.StatusRunning {
		a.startIdleTimerLocked()
	}
}

// UpdateAck advances a subscriber's lastAckSeq; acks never regress.
func (a *Actor) UpdateAck(clientID string, seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sub, ok := a.subscribers[clientID]; ok && seq > sub.lastAckSeq {
		sub.lastAckSeq = seq
	}
}

// HandleInput records a client input event and returns its assigned
// seq. The caller acks the input with this seq.
func (a *Actor) HandleInput(data, clientInputID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.emitLocked(models.DirectionClient, models.EventInput,
		protocol.InputPayload(data, clientInputID))
	return rec.Seq
}

// HandleAgentOutput records an agent output chunk and fans it out.
func (a *Actor) HandleAgentOutput(data string, stream protocol.OutputStream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(models.DirectionAgent, models.EventOutputChunk,
		protocol.OutputChunkPayload(data, stream))
}

// HandleAgentMessage records a final agent message.
func (a *Actor) HandleAgentMessage(content, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(models.DirectionAgent, models.EventMessageFinal,
		protocol.MessageFinalPayload(content, role))
}

// HandleToolCall records a tool invocation by the agent.
func (a *Actor) HandleToolCall(toolCallID, name, arguments string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(models.DirectionAgent, models.EventToolCall,
		protocol.ToolCallPayload(toolCallID, name, arguments))
}

// HandleToolResult records the result of a tool invocation.
func (a *Actor) HandleToolResult(toolCallID, result string, isError bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(models.DirectionAgent, models.EventToolResult,
		protocol.ToolResultPayload(toolCallID, result, isError))
}

// HandleError records a session-scoped error event.
func (a *Actor) HandleError(code, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(models.DirectionSystem, models.EventError,
		protocol.ErrorPayload(code, message))
}

// Heartbeat records a system heartbeat event.
func (a *Actor) Heartbeat(ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(models.DirectionSystem, models.EventHeartbeat,
		protocol.HeartbeatPayload(ts))
}

// HandleAgentExit derives a termination reason from the process exit
// and moves the session to its terminal status.
func (a *Actor) HandleAgentExit(code int, signal string) {
	var status models.SessionStatus
	var reason string
	switch {
	case signal != "":
		status, reason = models.StatusError, "signal_"+signal
	case code == 0:
		status, reason = models.StatusStopped, "exit_code_0"
	default:
		status, reason = models.StatusError, fmt.Sprintf("exit_code_%d", code)
	}
	a.SetStatus(status, reason)
}

// Destroy clears timers, closes all subscriber connections, and drops
// the subscriber set. The actor accepts no further work.
func (a *Actor) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.stopIdleTimerLocked()
	for _, sub := range a.subscribers {
		sub.sink.Close()
	}
	a.subscribers = make(map[string]*subscriber)
}

// emitLocked assigns the next seq, appends to the recent buffer, hands
// the record to the persistence writer, and fans it out. Callers hold
// a.mu.
func (a *Actor) emitLocked(dir models.EventDirection, kind models.EventType, payload map[string]any) models.EventRecord {
	rec := models.EventRecord{
		SessionID: a.id,
		Seq:       a.nextSeq,
		Direction: dir,
		EventType: kind,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	a.nextSeq++

	a.recent = append(a.recent, rec)
	if len(a.recent) > a.opts.MaxRecentEvents {
		a.recent = a.recent[len(a.recent)-a.opts.MaxRecentEvents:]
	}

	// Persistence before fan-out; the writer never blocks.
	if a.persist != nil && !a.persist(rec) {
		slog.Warn("Event not accepted by persistence writer",
			"session_id", a.id, "seq", rec.Seq, "event_type", rec.EventType)
	}

	// Serialize once, send to every open sink. A failed or overflowing
	// subscriber is skipped; it recovers by resubscribing.
	data := marshalEvent(rec)
	for _, sub := range a.subscribers {
		if !sub.sink.Open() {
			continue
		}
		if !sub.sink.Send(data) {
			slog.Warn("Dropped event for slow subscriber",
				"session_id", a.id, "client_id", sub.clientID, "seq", rec.Seq)
		}
	}
	return rec
}

func (a *Actor) sendToSinkLocked(sink Sink, rec models.EventRecord) {
	if !sink.Open() {
		return
	}
	if !sink.Send(marshalEvent(rec)) {
		slog.Warn("Dropped catch-up event for subscriber",
			"session_id", a.id, "seq", rec.Seq)
	}
}

func marshalEvent(rec models.EventRecord) []byte {
	data, err := json.Marshal(protocol.NewEvent(rec))
	if err != nil {
		// Payloads are built from the constructors in pkg/protocol and
		// always marshal; this path is unreachable in practice.
		slog.Error("Failed to marshal event", "session_id", rec.SessionID, "error", err)
		return []byte("{}")
	}
	return data
}

// startIdleTimerLocked arms the idle timer. Callers hold a.mu.
func (a *Actor) startIdleTimerLocked() {
	a.stopIdleTimerLocked()
	a.idleTimer = time.AfterFunc(a.opts.IdleTimeout, a.idleTimeout)
}

func (a *Actor) stopIdleTimerLocked() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}

// resetIdleTimerLocked re-arms or clears the idle timer after a status
// change. Callers hold a.mu.
func (a *Actor) resetIdleTimerLocked() {
	if a.status == models.StatusRunning && len(a.subscribers) == 0 {
		a.startIdleTimerLocked()
	} else {
		a.stopIdleTimerLocked()
	}
}

// idleTimeout fires when the subscriber set has been empty for the idle
// timeout while running.
func (a *Actor) idleTimeout() {
	a.mu.Lock()
	fire := !a.destroyed && a.status == models.StatusRunning && len(a.subscribers) == 0
	a.mu.Unlock()
	if fire {
		a.SetStatus(models.StatusIdle, ReasonNoSubscriberTimeout)
	}
}
