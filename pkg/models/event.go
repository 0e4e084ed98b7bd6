package models

import "time"

// EventDirection identifies who produced a session event.
type EventDirection string

const (
	DirectionClient EventDirection = "client"
	DirectionAgent  EventDirection = "agent"
	DirectionSystem EventDirection = "system"
)

// EventType is the closed vocabulary of session event kinds.
type EventType string

const (
	EventOutputChunk  EventType = "output_chunk"
	EventMessageFinal EventType = "message_final"
	EventInput        EventType = "input"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventState        EventType = "state"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
)

// EventRecord is one unit of a session's ordered log. Identity is
// (SessionID, Seq); sequence numbers are dense from 1 and never reused.
type EventRecord struct {
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Direction EventDirection `json:"direction"`
	EventType EventType      `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
