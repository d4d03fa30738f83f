// Package ws implements the WebSocket edge: the upgrade endpoint, the
// authenticated session lifecycle, the per-process uid → sessions map, and
// the built-in application events. Envelopes are the JSON objects defined in
// the protocol package; gorilla/websocket provides the RFC 6455 handshake,
// client-frame masking enforcement, and control-frame handling underneath.
package ws

import "encoding/json"

// Built-in envelope events. Unknown inbound events are logged and ignored
// so newer clients can talk to older gateways.
const (
	// EventConnect is the welcome envelope sent after a successful upgrade.
	EventConnect = "connect"

	// EventPing and EventPong are the application-level heartbeat. A ping
	// both elicits a pong and refreshes the presence lease.
	EventPing = "ping"
	EventPong = "pong"

	// EventAck is reserved for future delivery deduplication. No-op today.
	EventAck = "ack"

	// EventEcho mirrors the payload back; used by client connectivity checks.
	EventEcho = "echo"

	// EventError is sent at most once before the server closes a socket for
	// an auth failure, so the client can distinguish a 401 from a network
	// fault.
	EventError = "event_error"

	// EventKeyboard signals "peer is typing" in a single chat. Group
	// keyboard events are dropped to avoid broadcast storms.
	EventKeyboard = "im.message.keyboard"
)

// Accepted platform tags on the upgrade query string.
const (
	PlatformWeb = "web"
	PlatformPC  = "pc"
	PlatformApp = "app"
)

// ValidPlatform reports whether tag is one of the accepted platform tags.
func ValidPlatform(tag string) bool {
	return tag == PlatformWeb || tag == PlatformPC || tag == PlatformApp
}

// ConnectPayload is the payload of the welcome envelope.
type ConnectPayload struct {
	UID      int64  `json:"uid"`
	Platform string `json:"platform"`
	TS       int64  `json:"ts"`
}

// PongPayload carries the server timestamp in milliseconds.
type PongPayload struct {
	TS int64 `json:"ts"`
}

// ErrorPayload is the payload of EventError.
type ErrorPayload struct {
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

// KeyboardPayload is the client-supplied payload of EventKeyboard. Extra
// fields pass through untouched; FromID is stamped server-side from the
// authenticated session, never trusted from the client.
type KeyboardPayload struct {
	TalkMode int   `json:"talk_mode"`
	ToFromID int64 `json:"to_from_id"`
}

// mustJSON marshals v, which must not fail for the payload types above.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
