package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meshtalk-io/meshtalk/internal/auth"
	"github.com/meshtalk-io/meshtalk/internal/protocol"
)

const testSelfAddr = "10.0.0.1:9504"

type presenceCall struct {
	op  string
	uid int64
	gw  string
}

// fakePresence records lifecycle calls; safe for concurrent use.
type fakePresence struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (f *fakePresence) record(op string, uid int64, gw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, presenceCall{op: op, uid: uid, gw: gw})
}

func (f *fakePresence) SetOnline(_ context.Context, uid int64, gw string, _ int64) error {
	f.record("online", uid, gw)
	return nil
}

func (f *fakePresence) Heartbeat(_ context.Context, uid int64, gw string, _ int64) error {
	f.record("heartbeat", uid, gw)
	return nil
}

func (f *fakePresence) SetOffline(_ context.Context, uid int64) error {
	f.record("offline", uid, "")
	return nil
}

func (f *fakePresence) snapshot() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.calls...)
}

type pushCall struct {
	uid     int64
	event   string
	payload json.RawMessage
	ackid   string
}

type fakePusher struct {
	mu    sync.Mutex
	calls []pushCall

	// block, when non-nil, parks every push after it is recorded until the
	// channel is closed — simulates a slow route lookup or remote gateway.
	block chan struct{}
}

func (f *fakePusher) PushToUser(_ context.Context, uid int64, event string, payload json.RawMessage, ackid string) {
	f.mu.Lock()
	f.calls = append(f.calls, pushCall{uid: uid, event: event, payload: payload, ackid: ackid})
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
}

func (f *fakePusher) snapshot() []pushCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushCall(nil), f.calls...)
}

type edgeFixture struct {
	srv      *httptest.Server
	tokens   *auth.TokenManager
	sessions *SessionMap
	presence *fakePresence
	pusher   *fakePusher
}

func newEdgeFixture(t *testing.T) *edgeFixture {
	t.Helper()

	f := &edgeFixture{
		tokens:   auth.NewTokenManager("test-secret-test-secret-test-sec", "meshtalk", time.Hour),
		sessions: NewSessionMap(),
		presence: &fakePresence{},
		pusher:   &fakePusher{},
	}

	edge := NewEdge(Config{
		Tokens:         f.tokens,
		Presence:       f.presence,
		Pusher:         f.pusher,
		Sessions:       f.sessions,
		SelfRPCAddr:    testSelfAddr,
		PresenceTTLSec: 120,
		MaxMessageSize: 1 << 20,
		Logger:         zaptest.NewLogger(t),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/wss/default.io", edge.ServeWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *edgeFixture) wsURL(token, platform string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/wss/default.io?token=" + token + "&platform=" + platform
}

// dial connects as uid and consumes the welcome envelope.
func (f *edgeFixture) dial(t *testing.T, uid int64) *websocket.Conn {
	t.Helper()

	token, err := f.tokens.Issue(uid)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token, PlatformWeb), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	env := readEnvelope(t, conn)
	require.Equal(t, EventConnect, env.Event)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var env protocol.Envelope
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestConnectWelcomeAndSetOnline(t *testing.T) {
	f := newEdgeFixture(t)

	token, err := f.tokens.Issue(7)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token, PlatformWeb), nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	require.Equal(t, EventConnect, env.Event)

	var welcome ConnectPayload
	require.NoError(t, json.Unmarshal(env.Payload, &welcome))
	assert.Equal(t, int64(7), welcome.UID)
	assert.Equal(t, PlatformWeb, welcome.Platform)
	assert.NotZero(t, welcome.TS)

	require.Eventually(t, func() bool {
		for _, c := range f.presence.snapshot() {
			if c.op == "online" && c.uid == 7 && c.gw == testSelfAddr {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.sessions.Count())
}

func TestBadTokenGetsErrorEnvelopeThenClose(t *testing.T) {
	f := newEdgeFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("garbage", PlatformWeb), nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	require.Equal(t, EventError, env.Event)

	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &ep))
	assert.Equal(t, http.StatusUnauthorized, ep.ErrorCode)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Zero(t, f.sessions.Count())
}

func TestExpiredTokenRefused(t *testing.T) {
	f := newEdgeFixture(t)

	expired := auth.NewTokenManager("test-secret-test-secret-test-sec", "meshtalk", -time.Minute)
	token, err := expired.Issue(7)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token, PlatformWeb), nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	assert.Equal(t, EventError, env.Event)
}

func TestUnknownPlatformRefused(t *testing.T) {
	f := newEdgeFixture(t)

	token, err := f.tokens.Issue(7)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token, "toaster"), nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	assert.Equal(t, EventError, env.Event)
	assert.Zero(t, f.sessions.Count())
}

func TestPingYieldsPongAndHeartbeat(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, 7)

	writeEnvelope(t, conn, protocol.Envelope{Event: EventPing, AckID: "hb-1"})

	env := readEnvelope(t, conn)
	require.Equal(t, EventPong, env.Event)
	assert.Equal(t, "hb-1", env.AckID)

	var pong PongPayload
	require.NoError(t, json.Unmarshal(env.Payload, &pong))
	assert.NotZero(t, pong.TS)

	require.Eventually(t, func() bool {
		for _, c := range f.presence.snapshot() {
			if c.op == "heartbeat" && c.uid == 7 && c.gw == testSelfAddr {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEchoMirrorsPayload(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, 7)

	writeEnvelope(t, conn, protocol.Envelope{
		Event:   EventEcho,
		Payload: json.RawMessage(`{"n":42}`),
		AckID:   "e-1",
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, EventEcho, env.Event)
	assert.JSONEq(t, `{"n":42}`, string(env.Payload))
	assert.Equal(t, "e-1", env.AckID)
}

func TestUnknownEventIgnored(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, 7)

	writeEnvelope(t, conn, protocol.Envelope{Event: "made.up.event"})

	// The connection stays usable.
	writeEnvelope(t, conn, protocol.Envelope{Event: EventPing})
	env := readEnvelope(t, conn)
	assert.Equal(t, EventPong, env.Event)
}

func TestMalformedEnvelopeClosesConnection(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, 7)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestBinaryFramesIgnored(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, 7)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}))

	writeEnvelope(t, conn, protocol.Envelope{Event: EventPing})
	env := readEnvelope(t, conn)
	assert.Equal(t, EventPong, env.Event)
}

func TestKeyboardStampsSenderUID(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, 7)

	// The client lies about from_id; the edge must overwrite it.
	writeEnvelope(t, conn, protocol.Envelope{
		Event:   EventKeyboard,
		Payload: json.RawMessage(`{"talk_mode":1,"to_from_id":9,"from_id":12345}`),
		AckID:   "k-1",
	})

	require.Eventually(t, func() bool { return len(f.pusher.snapshot()) == 1 },
		2*time.Second, 10*time.Millisecond)

	call := f.pusher.snapshot()[0]
	assert.Equal(t, int64(9), call.uid)
	assert.Equal(t, EventKeyboard, call.event)
	assert.Equal(t, "k-1", call.ackid)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(call.payload, &fields))
	assert.JSONEq(t, "7", string(fields["from_id"]))
	assert.JSONEq(t, "9", string(fields["to_from_id"]))
}

func TestSlowKeyboardPushDoesNotBlockReads(t *testing.T) {
	f := newEdgeFixture(t)
	f.pusher.block = make(chan struct{})
	defer close(f.pusher.block)

	conn := f.dial(t, 7)

	writeEnvelope(t, conn, protocol.Envelope{
		Event:   EventKeyboard,
		Payload: json.RawMessage(`{"talk_mode":1,"to_from_id":9}`),
	})

	// Wait until the dispatch is parked inside the pusher.
	require.Eventually(t, func() bool { return len(f.pusher.snapshot()) == 1 },
		2*time.Second, 10*time.Millisecond)

	// With the push still in flight, the read loop must keep serving frames.
	writeEnvelope(t, conn, protocol.Envelope{Event: EventPing, AckID: "p-1"})
	env := readEnvelope(t, conn)
	assert.Equal(t, EventPong, env.Event)
	assert.Equal(t, "p-1", env.AckID)
}

func TestKeyboardGroupModeDropped(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, 7)

	writeEnvelope(t, conn, protocol.Envelope{
		Event:   EventKeyboard,
		Payload: json.RawMessage(`{"talk_mode":2,"to_from_id":300}`),
	})

	// Prove the frame was processed, then check nothing was pushed.
	writeEnvelope(t, conn, protocol.Envelope{Event: EventPing})
	readEnvelope(t, conn)
	assert.Empty(t, f.pusher.snapshot())
}

func TestBroadcastReachesEverySessionOfUID(t *testing.T) {
	f := newEdgeFixture(t)
	first := f.dial(t, 7)
	second := f.dial(t, 7)
	other := f.dial(t, 9)

	require.Eventually(t, func() bool { return f.sessions.Count() == 3 },
		2*time.Second, 10*time.Millisecond)

	n := f.sessions.Broadcast(7, protocol.Envelope{
		Event:   "im.message",
		Payload: json.RawMessage(`{"msg":"hi"}`),
	})
	assert.Equal(t, 2, n)

	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "im.message", env.Event)
	}

	// The other uid must not see it.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	require.Error(t, err)
}

func TestDisconnectSetsOffline(t *testing.T) {
	f := newEdgeFixture(t)
	conn := f.dial(t, 7)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		for _, c := range f.presence.snapshot() {
			if c.op == "offline" && c.uid == 7 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.sessions.Count())
}

// TestHandshakeAcceptKey exercises the RFC 6455 §4.2.2 accept digest with the
// sample key from the RFC itself.
func TestHandshakeAcceptKey(t *testing.T) {
	f := newEdgeFixture(t)

	token, err := f.tokens.Issue(7)
	require.NoError(t, err)

	addr := strings.TrimPrefix(f.srv.URL, "http://")
	tcp, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer tcp.Close()

	req := "GET /wss/default.io?token=" + token + "&platform=web HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = tcp.Write([]byte(req))
	require.NoError(t, err)

	require.NoError(t, tcp.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(tcp), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
}

// TestUnmaskedClientFrameClosed1002 sends a valid text frame with the MASK
// bit clear. RFC 6455 §5.1 requires the server to fail the connection with a
// protocol-error close.
func TestUnmaskedClientFrameClosed1002(t *testing.T) {
	f := newEdgeFixture(t)

	token, err := f.tokens.Issue(7)
	require.NoError(t, err)

	addr := strings.TrimPrefix(f.srv.URL, "http://")
	tcp, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer tcp.Close()

	req := "GET /wss/default.io?token=" + token + "&platform=web HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = tcp.Write([]byte(req))
	require.NoError(t, err)

	br := bufio.NewReader(tcp)
	require.NoError(t, tcp.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// Skip the masked welcome envelope the server sends first: FIN|text,
	// then a 7-bit or extended length we have to consume.
	skipServerFrame(t, br)

	// FIN|text, payload "hi", MASK bit clear.
	_, err = tcp.Write([]byte{0x81, 0x02, 'h', 'i'})
	require.NoError(t, err)

	code, ok := readCloseFrame(t, br)
	require.True(t, ok, "expected a close frame")
	assert.Equal(t, websocket.CloseProtocolError, code)
}

// skipServerFrame consumes one server-to-client frame (servers never mask).
func skipServerFrame(t *testing.T, br *bufio.Reader) {
	t.Helper()

	header := make([]byte, 2)
	_, err := io.ReadFull(br, header)
	require.NoError(t, err)

	length := int(header[1] & 0x7f)
	switch length {
	case 126:
		ext := make([]byte, 2)
		_, err = io.ReadFull(br, ext)
		require.NoError(t, err)
		length = int(ext[0])<<8 | int(ext[1])
	case 127:
		t.Fatal("unexpectedly large server frame")
	}

	_, err = io.ReadFull(br, make([]byte, length))
	require.NoError(t, err)
}

// readCloseFrame scans server frames until a close frame arrives and returns
// its status code.
func readCloseFrame(t *testing.T, br *bufio.Reader) (int, bool) {
	t.Helper()

	for i := 0; i < 8; i++ {
		header := make([]byte, 2)
		if _, err := io.ReadFull(br, header); err != nil {
			return 0, false
		}
		opcode := header[0] & 0x0f
		length := int(header[1] & 0x7f)
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return 0, false
		}
		if opcode == 0x8 {
			if length < 2 {
				return 0, false
			}
			return int(payload[0])<<8 | int(payload[1]), true
		}
	}
	return 0, false
}

func TestPlainHTTPRequestRejected(t *testing.T) {
	f := newEdgeFixture(t)

	resp, err := http.Get(f.srv.URL + "/wss/default.io")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
