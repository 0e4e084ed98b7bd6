package protocol

import (
	"time"

	"github.com/agentmux/agentmux/pkg/models"
)

// HelloOK confirms authentication and moves the connection to Ready.
type HelloOK struct {
	Type                string `json:"type"` // always hello_ok
	GatewayTime         string `json:"gatewayTime"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	UserID              string `json:"userId"`
}

// Subscribed confirms a subscription and reports the session's current
// state and highest assigned sequence number.
type Subscribed struct {
	Type         string               `json:"type"` // always subscribed
	SessionID    string               `json:"sessionId"`
	CurrentState models.SessionStatus `json:"currentState"`
	LatestSeq    int64                `json:"latestSeq"`
}

// Unsubscribed confirms an unsubscribe.
type Unsubscribed struct {
	Type      string `json:"type"` // always unsubscribed
	SessionID string `json:"sessionId"`
}

// InputAck reports the sequence number assigned to a client input.
type InputAck struct {
	Type          string `json:"type"` // always input_ack
	SessionID     string `json:"sessionId"`
	ClientInputID string `json:"clientInputId"`
	AcceptedSeq   int64  `json:"acceptedSeq"`
}

// Event is one session event on the wire.
type Event struct {
	Type      string                `json:"type"` // always event
	SessionID string                `json:"sessionId"`
	Seq       int64                 `json:"seq"`
	EventType models.EventType      `json:"eventType"`
	Direction models.EventDirection `json:"direction"`
	Payload   map[string]any        `json:"payload"`
	CreatedAt string                `json:"createdAt"` // RFC3339Nano
}

// Pong echoes a ping timestamp.
type Pong struct {
	Type string `json:"type"` // always pong
	TS   int64  `json:"ts"`
}

// ErrorFrame reports a protocol or routing error to the client.
type ErrorFrame struct {
	Type      string `json:"type"` // always error
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Retryable bool   `json:"retryable"`
}

// SessionCreated reports the id and initial status of a new session.
type SessionCreated struct {
	Type      string               `json:"type"` // always session_created
	SessionID string               `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
}

// SessionStopped acknowledges a stop request. This is a request-accepted
// ack: the agent may still be exiting when it arrives.
type SessionStopped struct {
	Type      string `json:"type"` // always session_stopped
	SessionID string `json:"sessionId"`
}

// NewEvent converts an event record to its wire form.
func NewEvent(rec models.EventRecord) Event {
	return Event{
		Type:      TypeEvent,
		SessionID: rec.SessionID,
		Seq:       rec.Seq,
		EventType: rec.EventType,
		Direction: rec.Direction,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
