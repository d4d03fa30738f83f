package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshtalk-io/meshtalk/internal/auth"
	"github.com/meshtalk-io/meshtalk/internal/metrics"
)

const (
	// presenceCallTimeout bounds the presence calls issued from connection
	// lifecycle paths. Failures are logged and swallowed — presence hiccups
	// must never take a healthy socket down.
	presenceCallTimeout = time.Second

	// keyboardPushTimeout bounds one typing-indicator dispatch. The push runs
	// off the read loop, so a slow route lookup or remote gateway cannot
	// stall the session's inbound frames.
	keyboardPushTimeout = time.Second
)

// upgrader performs the HTTP → WebSocket protocol upgrade. RFC 6455
// handshake validation (Upgrade/Connection headers, version 13, the
// Sec-WebSocket-Accept digest) and client-frame masking enforcement are
// implemented by gorilla. CheckOrigin always returns true — origin policy is
// the reverse proxy's job in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Presence is the subset of the presence client the edge drives from the
// connection lifecycle.
type Presence interface {
	SetOnline(ctx context.Context, uid int64, gatewayRPC string, ttlSec int64) error
	Heartbeat(ctx context.Context, uid int64, gatewayRPC string, ttlSec int64) error
	SetOffline(ctx context.Context, uid int64) error
}

// Pusher delivers envelopes to users anywhere in the fleet — the
// cross-gateway dispatcher.
type Pusher interface {
	PushToUser(ctx context.Context, uid int64, event string, payload json.RawMessage, ackid string)
}

// Config collects the Edge dependencies and tunables.
type Config struct {
	Tokens   *auth.TokenManager
	Presence Presence
	Pusher   Pusher
	Sessions *SessionMap

	// SelfRPCAddr is this gateway's Rock address exactly as advertised to
	// presence.
	SelfRPCAddr string

	// PresenceTTLSec is the lease passed on set-online and heartbeat.
	PresenceTTLSec int64

	// MaxMessageSize bounds one assembled inbound message in bytes.
	MaxMessageSize int64

	// AllowUnmaskedClientFrames is accepted for config compatibility. The
	// upgrade library enforces RFC 6455 §5.1 masking unconditionally, so a
	// true value is logged at startup and otherwise inert.
	AllowUnmaskedClientFrames bool

	Logger *zap.Logger
}

// Edge accepts WebSocket upgrades and owns every session on this gateway.
type Edge struct {
	tokens         *auth.TokenManager
	presence       Presence
	pusher         Pusher
	sessions       *SessionMap
	selfRPCAddr    string
	presenceTTLSec int64
	maxMessageSize int64
	logger         *zap.Logger
}

// NewEdge creates an Edge.
func NewEdge(cfg Config) *Edge {
	if cfg.AllowUnmaskedClientFrames {
		cfg.Logger.Warn("websocket.allow_unmasked_client_frames is set but unsupported; strict masking stays enforced")
	}
	return &Edge{
		tokens:         cfg.Tokens,
		presence:       cfg.Presence,
		pusher:         cfg.Pusher,
		sessions:       cfg.Sessions,
		selfRPCAddr:    cfg.SelfRPCAddr,
		presenceTTLSec: cfg.PresenceTTLSec,
		maxMessageSize: cfg.MaxMessageSize,
		logger:         cfg.Logger.Named("ws_edge"),
	}
}

// ServeWS handles GET /wss/default.io (and the /wss/* compatibility glob).
// The JWT travels in the `token` query parameter — browsers cannot set
// custom headers on native WebSocket connects. The handler blocks until the
// connection closes.
func (e *Edge) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	platform := r.URL.Query().Get("platform")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		e.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	// Authentication happens after the upgrade so the client receives a
	// distinguishable error envelope instead of a bare TCP reset.
	uid, err := e.tokens.Verify(token)
	if err != nil {
		e.refuse(conn, http.StatusUnauthorized, "authentication failed")
		e.logger.Info("ws auth refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	if !ValidPlatform(platform) {
		e.refuse(conn, http.StatusBadRequest, fmt.Sprintf("unknown platform %q", platform))
		return
	}

	s := &Session{
		id:       nextConnID(),
		uid:      uid,
		platform: platform,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		edge:     e,
	}
	s.logger = e.logger.With(
		zap.Uint64("conn_id", s.id),
		zap.Int64("uid", uid),
		zap.String("platform", platform),
	)

	e.sessions.Add(s)
	metrics.Sessions.Set(float64(e.sessions.Count()))

	welcome := mustJSON(ConnectPayload{UID: uid, Platform: platform, TS: time.Now().UnixMilli()})
	e.send(s, EventConnect, welcome, "")

	ctx, cancel := context.WithTimeout(context.Background(), presenceCallTimeout)
	if err := e.presence.SetOnline(ctx, uid, e.selfRPCAddr, e.presenceTTLSec); err != nil {
		s.logger.Warn("presence set-online failed", zap.Error(err))
	}
	cancel()

	s.logger.Info("session connected", zap.String("remote", r.RemoteAddr))
	s.run()
	s.logger.Info("session closed")
}

// refuse sends one EventError envelope and closes the socket with a policy
// close code. Used only for pre-session failures.
func (e *Edge) refuse(conn *websocket.Conn, code int, msg string) {
	env, _ := json.Marshal(struct {
		Event   string       `json:"event"`
		Payload ErrorPayload `json:"payload"`
	}{Event: EventError, Payload: ErrorPayload{ErrorCode: code, Error: msg}})

	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, env)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), deadline)
	_ = conn.Close()
}

// dropSession runs once per session, on readPump exit: map removal first so
// Collect never returns the dying session, then presence set-offline.
func (e *Edge) dropSession(s *Session) {
	if e.sessions.Remove(s.id) {
		metrics.Sessions.Set(float64(e.sessions.Count()))

		ctx, cancel := context.WithTimeout(context.Background(), presenceCallTimeout)
		if err := e.presence.SetOffline(ctx, s.uid); err != nil {
			s.logger.Warn("presence set-offline failed", zap.Error(err))
		}
		cancel()
	}
	s.close()
}

// send marshals and enqueues one envelope for s.
func (e *Edge) send(s *Session, event string, payload json.RawMessage, ackid string) {
	data, err := json.Marshal(struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload,omitempty"`
		AckID   string          `json:"ackid,omitempty"`
	}{Event: event, Payload: payload, AckID: ackid})
	if err != nil {
		return
	}
	if !s.enqueue(data) {
		s.close()
	}
}

// inboundEnvelope mirrors protocol.Envelope but keeps the payload raw for
// pass-through events.
type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	AckID   string          `json:"ackid"`
}

// handleEnvelope dispatches one inbound text frame. A non-nil return closes
// the session (malformed JSON is a protocol violation; unknown events are
// not).
func (e *Edge) handleEnvelope(s *Session, data []byte) error {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("ws: malformed envelope: %w", err)
	}
	if env.Event == "" {
		return errors.New("ws: envelope missing event")
	}

	switch env.Event {
	case EventPing:
		e.send(s, EventPong, mustJSON(PongPayload{TS: time.Now().UnixMilli()}), env.AckID)

		ctx, cancel := context.WithTimeout(context.Background(), presenceCallTimeout)
		defer cancel()
		if err := e.presence.Heartbeat(ctx, s.uid, e.selfRPCAddr, e.presenceTTLSec); err != nil {
			// A conflict means the user re-bound to another gateway while
			// this socket is still up; the route will converge when the
			// client reconnects or this lease question resolves.
			s.logger.Warn("presence heartbeat failed", zap.Error(err))
		}

	case EventAck:
		// Reserved for future delivery dedup.

	case EventEcho:
		e.send(s, EventEcho, env.Payload, env.AckID)

	case EventKeyboard:
		e.handleKeyboard(s, env)

	default:
		s.logger.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
	return nil
}

// handleKeyboard forwards a typing indicator for single chats. The sender
// uid is stamped server-side; whatever from_id the client supplied is
// overwritten. Group keyboard events are dropped to avoid fanning a
// keystroke out to the whole room.
func (e *Edge) handleKeyboard(s *Session, env inboundEnvelope) {
	var kb KeyboardPayload
	if err := json.Unmarshal(env.Payload, &kb); err != nil || kb.ToFromID == 0 {
		s.logger.Debug("dropping malformed keyboard event", zap.Error(err))
		return
	}
	if kb.TalkMode != 1 {
		return
	}

	// Stamp from_id without discarding any extra fields the client sent.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return
	}
	fields["from_id"] = mustJSON(s.uid)
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}

	// Dispatch off the read loop — typing indicators are fire-and-forget and
	// must never head-of-line block the session's inbound frames.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), keyboardPushTimeout)
		defer cancel()
		e.pusher.PushToUser(ctx, kb.ToFromID, EventKeyboard, payload, env.AckID)
	}()
}
