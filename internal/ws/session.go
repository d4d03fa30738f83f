package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// A stalled client is closed rather than allowed to block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for any traffic from the
	// client. The deadline is reset on every inbound frame — wire pongs and
	// application envelopes both count.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a wire-level ping.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the capacity of the per-session outbound channel.
	// A full buffer marks the session as too slow and it is disconnected.
	sendBufferSize = 64
)

// Session is a single authenticated WebSocket connection. Each session runs
// two goroutines: readPump (drives inbound envelopes and disconnect
// detection) and writePump (the only writer on the wire — gorilla
// connections are not safe for concurrent writes).
type Session struct {
	id       uint64
	uid      int64
	platform string

	conn *websocket.Conn
	send chan []byte

	edge   *Edge
	logger *zap.Logger

	closeOnce sync.Once
}

// ID returns the process-local connection id.
func (s *Session) ID() uint64 { return s.id }

// UID returns the authenticated user id.
func (s *Session) UID() int64 { return s.uid }

// Platform returns the client platform tag (web | pc | app).
func (s *Session) Platform() string { return s.platform }

// enqueue places one pre-encoded frame on the outbound buffer without
// blocking. Returns false when the buffer is full or the session closed.
func (s *Session) enqueue(data []byte) bool {
	defer func() {
		// Sending on a closed channel loses the race against close();
		// treat it the same as a full buffer.
		_ = recover()
	}()

	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// close terminates the session once: the send channel is closed so
// writePump drains and exits, and the socket close unblocks readPump, whose
// exit path performs the map removal and presence set-offline.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// run registers the session's pumps. writePump gets its own goroutine;
// readPump runs on the caller (the upgrade handler blocks for the life of
// the connection, which is expected for WebSocket handlers).
func (s *Session) run() {
	go s.writePump()
	s.readPump()
}

// readPump reads inbound frames until the connection dies. Text frames
// carry application envelopes; binary frames are accepted and ignored.
// Wire-level PING/PONG/CLOSE are handled by gorilla's default handlers.
func (s *Session) readPump() {
	defer s.edge.dropSession(s)

	s.conn.SetReadLimit(s.edge.maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Debug("ws: unexpected close", zap.Error(err))
			}
			return
		}

		// Any inbound frame proves liveness.
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.TextMessage {
			// Binary frames are tolerated syntactically, contents ignored.
			continue
		}

		if err := s.edge.handleEnvelope(s, data); err != nil {
			// Parse/policy violation — close the socket.
			s.logger.Warn("ws: closing on bad envelope", zap.Error(err))
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad envelope"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// writePump forwards buffered frames to the wire and keeps the connection
// alive with periodic wire-level pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
