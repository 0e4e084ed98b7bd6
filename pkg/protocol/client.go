package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/agentmux/agentmux/pkg/models"
)

// ClientFrame is the JSON structure for client → server messages.
// One struct covers the whole union; ParseClientFrame enforces the
// required fields for each type.
type ClientFrame struct {
	Type string `json:"type"`

	// hello
	ClientID   string     `json:"clientId,omitempty"`
	DeviceType DeviceType `json:"deviceType,omitempty"`
	Token      string     `json:"token,omitempty"`

	// subscribe, unsubscribe, input, ack, stop_session
	SessionID  string `json:"sessionId,omitempty"`
	LastAckSeq *int64 `json:"lastAckSeq,omitempty"`

	// input
	ClientInputID string `json:"clientInputId,omitempty"`
	Data          string `json:"data,omitempty"`

	// ack
	Seq int64 `json:"seq,omitempty"`

	// ping
	TS int64 `json:"ts,omitempty"`

	// create_session
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	AgentType        string `json:"agentType,omitempty"`
	WorktreeID       string `json:"worktreeId,omitempty"`
	RepositoryID     string `json:"repositoryId,omitempty"`
	Title            string `json:"title,omitempty"`
}

// ParseClientFrame decodes one wire frame and validates the fields
// required for its type. A non-nil error means the frame is a protocol
// error (BAD_MESSAGE): the connection should be closed.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	switch f.Type {
	case TypeHello:
		if f.ClientID == "" || f.Token == "" {
			return nil, fmt.Errorf("hello requires clientId and token")
		}
		if !f.DeviceType.Valid() {
			return nil, fmt.Errorf("hello has unknown deviceType %q", f.DeviceType)
		}
	case TypeSubscribe:
		if f.SessionID == "" {
			return nil, fmt.Errorf("subscribe requires sessionId")
		}
		if f.LastAckSeq == nil {
			return nil, fmt.Errorf("subscribe requires lastAckSeq")
		}
	case TypeUnsubscribe, TypeStopSession:
		if f.SessionID == "" {
			return nil, fmt.Errorf("%s requires sessionId", f.Type)
		}
	case TypeInput:
		if f.SessionID == "" || f.ClientInputID == "" {
			return nil, fmt.Errorf("input requires sessionId and clientInputId")
		}
	case TypeAck:
		if f.SessionID == "" {
			return nil, fmt.Errorf("ack requires sessionId")
		}
	case TypePing:
		// ts may be zero; echoed as-is.
	case TypeCreateSession:
		if f.WorkingDirectory == "" || f.AgentType == "" {
			return nil, fmt.Errorf("create_session requires workingDirectory and agentType")
		}
	case "":
		return nil, fmt.Errorf("frame is missing type")
	default:
		// Unknown types are not a framing error; the caller answers with
		// a retryable error instead of closing the connection.
	}

	return &f, nil
}

// Known reports whether the frame type is part of the protocol.
func (f *ClientFrame) Known() bool {
	switch f.Type {
	case TypeHello, TypeSubscribe, TypeUnsubscribe, TypeInput, TypeAck,
		TypePing, TypeCreateSession, TypeStopSession:
		return true
	}
	return false
}

// SessionConfig converts a create_session frame into a store config.
func (f *ClientFrame) SessionConfig(userID string) models.CreateSessionConfig {
	return models.CreateSessionConfig{
		UserID:           userID,
		AgentType:        f.AgentType,
		WorkingDirectory: f.WorkingDirectory,
		WorktreeID:       f.WorktreeID,
		RepositoryID:     f.RepositoryID,
		Title:            f.Title,
	}
}
