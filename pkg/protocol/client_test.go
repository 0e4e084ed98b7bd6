package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrame_Hello(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{
		"type": "hello",
		"clientId": "client-1",
		"deviceType": "ios",
		"token": "secret"
	}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHello, frame.Type)
	assert.Equal(t, "client-1", frame.ClientID)
	assert.Equal(t, DeviceIOS, frame.DeviceType)
	assert.Equal(t, "secret", frame.Token)
}

func TestParseClientFrame_HelloMissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing token", `{"type":"hello","clientId":"c1","deviceType":"ios"}`},
		{"missing clientId", `{"type":"hello","token":"t","deviceType":"ios"}`},
		{"bad deviceType", `{"type":"hello","clientId":"c1","token":"t","deviceType":"toaster"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClientFrame([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseClientFrame_Subscribe(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{
		"type": "subscribe",
		"sessionId": "sess-1",
		"lastAckSeq": 0
	}`))
	require.NoError(t, err)
	require.NotNil(t, frame.LastAckSeq)
	assert.Equal(t, int64(0), *frame.LastAckSeq)
}

func TestParseClientFrame_SubscribeRequiresLastAckSeq(t *testing.T) {
	// lastAckSeq 0 is valid but absent is not; the pointer field
	// distinguishes the two.
	_, err := ParseClientFrame([]byte(`{"type":"subscribe","sessionId":"sess-1"}`))
	assert.Error(t, err)
}

func TestParseClientFrame_Input(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{
		"type": "input",
		"sessionId": "sess-1",
		"clientInputId": "in-42",
		"data": "run the tests"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "in-42", frame.ClientInputID)
	assert.Equal(t, "run the tests", frame.Data)
}

func TestParseClientFrame_InputMissingClientInputID(t *testing.T) {
	_, err := ParseClientFrame([]byte(`{"type":"input","sessionId":"sess-1","data":"x"}`))
	assert.Error(t, err)
}

func TestParseClientFrame_CreateSession(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{
		"type": "create_session",
		"workingDirectory": "/work/repo",
		"agentType": "coder",
		"title": "fix flaky test"
	}`))
	require.NoError(t, err)

	cfg := frame.SessionConfig("user-1")
	assert.Equal(t, "user-1", cfg.UserID)
	assert.Equal(t, "/work/repo", cfg.WorkingDirectory)
	assert.Equal(t, "coder", cfg.AgentType)
	assert.Equal(t, "fix flaky test", cfg.Title)
}

func TestParseClientFrame_UnknownTypePassesParse(t *testing.T) {
	// Unknown types are answered with a retryable error, not a close,
	// so parsing must succeed.
	frame, err := ParseClientFrame([]byte(`{"type":"telemetry","sessionId":"s"}`))
	require.NoError(t, err)
	assert.False(t, frame.Known())
}

func TestParseClientFrame_Malformed(t *testing.T) {
	_, err := ParseClientFrame([]byte(`{not json`))
	assert.Error(t, err)

	_, err = ParseClientFrame([]byte(`{"sessionId":"no-type"}`))
	assert.Error(t, err)
}

func TestServerFrames_FieldNames(t *testing.T) {
	data, err := json.Marshal(HelloOK{
		Type:                TypeHelloOK,
		GatewayTime:         "2026-01-01T00:00:00Z",
		HeartbeatIntervalMs: 30000,
		UserID:              "user-1",
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "hello_ok", m["type"])
	assert.Contains(t, m, "gatewayTime")
	assert.Contains(t, m, "heartbeatIntervalMs")
	assert.Contains(t, m, "userId")
}

func TestErrorFrame_OmitsEmptySessionID(t *testing.T) {
	data, err := json.Marshal(ErrorFrame{
		Type: TypeError, Code: CodeBadMessage, Message: "nope",
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.NotContains(t, m, "sessionId")
	assert.Contains(t, m, "retryable")
}
