// Package protocol defines the WebSocket wire protocol between clients
// and the gateway: one JSON object per text frame, discriminated by a
// "type" field, plus the payload shapes for session events.
package protocol

// Client → server message types.
const (
	TypeHello         = "hello"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeInput         = "input"
	TypeAck           = "ack"
	TypePing          = "ping"
	TypeCreateSession = "create_session"
	TypeStopSession   = "stop_session"
)

// Server → client message types.
const (
	TypeHelloOK        = "hello_ok"
	TypeSubscribed     = "subscribed"
	TypeUnsubscribed   = "unsubscribed"
	TypeInputAck       = "input_ack"
	TypeEvent          = "event"
	TypePong           = "pong"
	TypeError          = "error"
	TypeSessionCreated = "session_created"
	TypeSessionStopped = "session_stopped"
)

// Error codes carried by error frames.
const (
	CodeBadMessage       = "BAD_MESSAGE"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeUnsupported      = "UNSUPPORTED_TYPE"
	CodeInternal         = "INTERNAL"
)

// DeviceType is the client device class reported in hello.
type DeviceType string

const (
	DeviceWeb     DeviceType = "web"
	DeviceIOS     DeviceType = "ios"
	DeviceAndroid DeviceType = "android"
	DeviceDesktop DeviceType = "desktop"
	DeviceOther   DeviceType = "other"
)

// Valid reports whether d is a known device type.
func (d DeviceType) Valid() bool {
	switch d {
	case DeviceWeb, DeviceIOS, DeviceAndroid, DeviceDesktop, DeviceOther:
		return true
	}
	return false
}
