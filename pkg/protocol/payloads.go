package protocol

import (
	"time"

	"github.com/agentmux/agentmux/pkg/models"
)

// Event payload constructors. The payload shape of an event record is
// fixed by its event type; these helpers are the only place the shapes
// are written out.

// OutputStream identifies the agent output stream of an output_chunk.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// OutputChunkPayload builds the payload of an agent output_chunk event.
func OutputChunkPayload(data string, stream OutputStream) map[string]any {
	return map[string]any{"data": data, "stream": string(stream)}
}

// MessageFinalPayload builds the payload of a message_final event.
func MessageFinalPayload(content, role string) map[string]any {
	return map[string]any{"content": content, "role": role}
}

// InputPayload builds the payload of a client input event.
func InputPayload(data, clientInputID string) map[string]any {
	return map[string]any{"data": data, "clientInputId": clientInputID}
}

// ToolCallPayload builds the payload of a tool_call event.
func ToolCallPayload(toolCallID, name, arguments string) map[string]any {
	return map[string]any{"toolCallId": toolCallID, "name": name, "arguments": arguments}
}

// ToolResultPayload builds the payload of a tool_result event.
func ToolResultPayload(toolCallID, result string, isError bool) map[string]any {
	return map[string]any{"toolCallId": toolCallID, "result": result, "isError": isError}
}

// StatePayload builds the payload of a system state event. reason and
// previous are omitted when empty.
func StatePayload(status models.SessionStatus, reason string, previous models.SessionStatus) map[string]any {
	p := map[string]any{"status": string(status)}
	if reason != "" {
		p["reason"] = reason
	}
	if previous != "" {
		p["previousStatus"] = string(previous)
	}
	return p
}

// ErrorPayload builds the payload of an error event.
func ErrorPayload(code, message string) map[string]any {
	return map[string]any{"code": code, "message": message}
}

// HeartbeatPayload builds the payload of a heartbeat event.
func HeartbeatPayload(ts time.Time) map[string]any {
	return map[string]any{"ts": ts.UTC().Format(time.RFC3339Nano)}
}
