package business

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/service-gateway/service/tokens"
)

const testSigningKey = "gateway-test-signing-key"

// fakeStream is an in-memory ClientStream. Inbound frames are fed through
// a channel; everything the gateway writes is captured for assertions.
type fakeStream struct {
	inbound chan fakeInbound

	closeOnce sync.Once
	closeCh   chan struct{}

	mu          sync.Mutex
	frames      []ServerFrame
	controls    []fakeControl
	failWrites  bool
	pongOnPing  bool
	pongHandler func(string) error
}

type fakeControl struct {
	messageType int
	closeCode   int
}

type fakeInbound struct {
	messageType int
	data        []byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		inbound: make(chan fakeInbound, 16),
		closeCh: make(chan struct{}),
	}
}

func (s *fakeStream) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.inbound:
		return msg.messageType, msg.data, nil
	case <-s.closeCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *fakeStream) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return errors.New("write on broken transport")
	}

	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeStream) WriteControl(messageType int, data []byte, _ time.Time) error {
	s.mu.Lock()

	ctl := fakeControl{messageType: messageType}
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		ctl.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	s.controls = append(s.controls, ctl)

	pong := s.pongHandler
	deliverPong := messageType == websocket.PingMessage && s.pongOnPing
	s.mu.Unlock()

	// Emulates a pong already in flight while the ping is on the wire.
	if deliverPong && pong != nil {
		_ = pong("")
	}
	return nil
}

func (s *fakeStream) SetPongHandler(h func(appData string) error) {
	s.mu.Lock()
	s.pongHandler = h
	s.mu.Unlock()
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return nil
}

// send feeds one inbound frame to the read loop.
func (s *fakeStream) send(t *testing.T, frame Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	s.sendRaw(t, websocket.TextMessage, data)
}

func (s *fakeStream) sendRaw(t *testing.T, messageType int, data []byte) {
	t.Helper()
	select {
	case s.inbound <- fakeInbound{messageType: messageType, data: data}:
	case <-time.After(time.Second):
		t.Fatal("inbound channel blocked")
	}
}

// waitForFrame blocks until the gateway has written a frame of the given
// type, failing the test after two seconds.
func (s *fakeStream) waitForFrame(t *testing.T, frameType string) ServerFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, frame := range s.frames {
			if frame.Type == frameType {
				s.mu.Unlock()
				return frame
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame written within deadline", frameType)
	return ServerFrame{}
}

// waitForCloseCode blocks until a close control frame with the code
// arrives.
func (s *fakeStream) waitForCloseCode(t *testing.T, code int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ctl := range s.controls {
			if ctl.messageType == websocket.CloseMessage && ctl.closeCode == code {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no close control frame with code %d within deadline", code)
}

func (s *fakeStream) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, ctl := range s.controls {
		if ctl.messageType == websocket.PingMessage {
			count++
		}
	}
	return count
}

func (s *fakeStream) frameCount(frameType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, frame := range s.frames {
		if frame.Type == frameType {
			count++
		}
	}
	return count
}

func signGatewayToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return signed
}

// newTestConnectionManager creates a minimal connectionManager for testing.
// Background tasks are not started; sweeps run under test control.
func newTestConnectionManager() *connectionManager {
	return &connectionManager{
		connPool:  newConnectionPool(1000),
		verifier:  tokens.NewVerifier(testSigningKey),
		gatewayID: "gateway-test",

		heartbeatInterval: 30 * time.Second,
		authTimeout:       2 * time.Second,
		writeTimeout:      time.Second,
		framesPerSecond:   100,

		shutdownCh: make(chan struct{}),
	}
}

// startConnection runs HandleConnection in the background and returns a
// channel closed when the lifetime ends.
func startConnection(cm *connectionManager, stream *fakeStream, info ConnectInfo) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- cm.HandleConnection(context.Background(), stream, info)
	}()
	return done
}

func waitForPoolSize(t *testing.T, cm *connectionManager, want int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cm.ActiveConnections() == want
	}, 2*time.Second, 5*time.Millisecond, "pool size never reached %d", want)
}

func waitForLifetime(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConnection did not return")
		return nil
	}
}

// --- Authentication Tests ---

func TestConnectionManager_AuthenticateWithFrame(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{RemoteAddr: "10.0.0.1:5000"})

	waitForPoolSize(t, cm, 1)

	stream.send(t, Frame{Type: FrameTypeAuthenticate, MessageID: "m1", Token: signGatewayToken(t, "user1", "admin")})

	welcome := stream.waitForFrame(t, FrameTypeWelcome)
	assert.Equal(t, "m1", welcome.MessageID)

	payload, ok := welcome.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user1", payload["subject"])
	assert.NotEmpty(t, payload["connectionId"])

	assert.Equal(t, int32(1), cm.ActiveConnections())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
	waitForPoolSize(t, cm, 0)
}

func TestConnectionManager_ImmediateCredentialAuth(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{Credential: signGatewayToken(t, "user1")})

	// Welcome arrives without any authenticate frame
	welcome := stream.waitForFrame(t, FrameTypeWelcome)
	payload, ok := welcome.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user1", payload["subject"])

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_InvalidTokenClosesConnection(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{})

	waitForPoolSize(t, cm, 1)
	stream.send(t, Frame{Type: FrameTypeAuthenticate, Token: "not-a-token"})

	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeInvalidToken, errFrame.Code)

	stream.waitForCloseCode(t, CloseInvalidAuth)
	require.NoError(t, waitForLifetime(t, done))
	assert.Equal(t, int32(0), cm.ActiveConnections())
}

func TestConnectionManager_InvalidImmediateCredential(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{Credential: "garbage"})

	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeInvalidToken, errFrame.Code)

	stream.waitForCloseCode(t, CloseInvalidAuth)
	require.NoError(t, waitForLifetime(t, done))
	assert.Equal(t, int32(0), cm.ActiveConnections())
}

func TestConnectionManager_AuthenticateFrameWithoutToken(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{})

	waitForPoolSize(t, cm, 1)
	stream.send(t, Frame{Type: FrameTypeAuthenticate})

	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeNoToken, errFrame.Code)

	stream.waitForCloseCode(t, CloseInvalidAuth)
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_AuthTimeout(t *testing.T) {
	cm := newTestConnectionManager()
	cm.authTimeout = 100 * time.Millisecond

	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{})

	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeAuthTimeout, errFrame.Code)

	stream.waitForCloseCode(t, CloseAuthTimeout)
	require.NoError(t, waitForLifetime(t, done))

	assert.Equal(t, int32(0), cm.ActiveConnections())
	assert.Equal(t, uint64(1), cm.authTimeouts.Load())
}

func TestConnectionManager_AuthBeforeDeadlineCancelsTimer(t *testing.T) {
	cm := newTestConnectionManager()
	cm.authTimeout = 300 * time.Millisecond

	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{})

	waitForPoolSize(t, cm, 1)
	stream.send(t, Frame{Type: FrameTypeAuthenticate, Token: signGatewayToken(t, "user1")})
	stream.waitForFrame(t, FrameTypeWelcome)

	// Well past the original deadline the connection must still be open
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), cm.ActiveConnections())
	assert.Equal(t, 0, stream.frameCount(FrameTypeError))

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_PreAuthFramesRejected(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{})

	waitForPoolSize(t, cm, 1)

	stream.send(t, Frame{Type: FrameTypePing, MessageID: "m1"})
	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeUnauthenticated, errFrame.Code)

	// The connection survives the rejection
	assert.Equal(t, int32(1), cm.ActiveConnections())

	// A pre-auth subscribe must leave no trace once authenticated
	stream.send(t, Frame{Type: FrameTypeSubscribe, Channel: "orders"})
	stream.send(t, Frame{Type: FrameTypeAuthenticate, Token: signGatewayToken(t, "user1")})
	stream.waitForFrame(t, FrameTypeWelcome)

	conn, ok := cm.connPool.get(firstConnectionID(cm))
	require.True(t, ok)
	assert.False(t, conn.SubscribedTo("orders"))

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_ReauthenticationRejected(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{Credential: signGatewayToken(t, "original")})

	stream.waitForFrame(t, FrameTypeWelcome)

	stream.send(t, Frame{Type: FrameTypeAuthenticate, Token: signGatewayToken(t, "impostor")})
	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeAuthError, errFrame.Code)

	// Identity is unchanged and the connection stays open
	conn, ok := cm.connPool.get(firstConnectionID(cm))
	require.True(t, ok)
	assert.Equal(t, "original", conn.Identity().Subject)

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

// firstConnectionID returns the ID of the only pooled connection.
func firstConnectionID(cm *connectionManager) string {
	id := ""
	cm.connPool.forEach(func(c *connection) { id = c.ID() })
	return id
}

// --- Frame Routing Tests ---

func authenticatedStream(t *testing.T, cm *connectionManager, subject string, roles ...string) (*fakeStream, <-chan error) {
	t.Helper()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{Credential: signGatewayToken(t, subject, roles...)})
	stream.waitForFrame(t, FrameTypeWelcome)
	return stream, done
}

func TestConnectionManager_PingPong(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	stream.send(t, Frame{Type: FrameTypePing, MessageID: "ping-1", Timestamp: 1234567890})

	pong := stream.waitForFrame(t, FrameTypePong)
	assert.Equal(t, "ping-1", pong.MessageID)

	payload, ok := pong.Payload.(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 1234567890, payload["timestamp"], 0.1)

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_Echo(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	stream.send(t, Frame{Type: FrameTypeEcho, MessageID: "e1", Payload: json.RawMessage(`{"hello":"world"}`)})

	echo := stream.waitForFrame(t, FrameTypeEchoResponse)
	assert.Equal(t, "e1", echo.MessageID)

	payload, ok := echo.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", payload["hello"])

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_GetUserInfo(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1", "admin", "reader")

	stream.send(t, Frame{Type: FrameTypeGetUserInfo, MessageID: "u1"})

	info := stream.waitForFrame(t, FrameTypeUserInfo)
	assert.Equal(t, "u1", info.MessageID)

	payload, ok := info.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user1", payload["subject"])
	assert.NotEmpty(t, payload["connectionId"])
	assert.Len(t, payload["roles"], 2)

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_UnknownFrameType(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	stream.send(t, Frame{Type: "teleport", MessageID: "m9"})

	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeUnknownType, errFrame.Code)
	assert.Equal(t, "m9", errFrame.MessageID)

	// Unknown types never close the connection
	assert.Equal(t, int32(1), cm.ActiveConnections())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_MalformedFrame(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	stream.sendRaw(t, websocket.TextMessage, []byte("{not json"))

	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeProcessing, errFrame.Code)
	assert.Equal(t, int32(1), cm.ActiveConnections())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_TypelessFrameEchoesCorrelationID(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	// Valid JSON, no type: the envelope error must carry the client's id
	stream.sendRaw(t, websocket.TextMessage, []byte(`{"messageId":"corr-1","payload":{"k":"v"}}`))

	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeProcessing, errFrame.Code)
	assert.Equal(t, "corr-1", errFrame.MessageID)
	assert.Equal(t, int32(1), cm.ActiveConnections())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_BinaryFrameRejected(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	stream.sendRaw(t, websocket.BinaryMessage, []byte{0x01, 0x02, 0x03})

	errFrame := stream.waitForFrame(t, FrameTypeError)
	assert.Equal(t, ErrorCodeWebsocket, errFrame.Code)
	assert.Equal(t, int32(1), cm.ActiveConnections())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_SubscribeUnsubscribe(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	stream.send(t, Frame{Type: FrameTypeSubscribe, MessageID: "s1", Channel: "orders"})
	ack := stream.waitForFrame(t, FrameTypeSubscribed)
	assert.Equal(t, "s1", ack.MessageID)

	conn, ok := cm.connPool.get(firstConnectionID(cm))
	require.True(t, ok)
	assert.True(t, conn.SubscribedTo("orders"))

	stream.send(t, Frame{Type: FrameTypeUnsubscribe, MessageID: "s2", Channel: "orders"})
	stream.waitForFrame(t, FrameTypeUnsubscribed)

	require.Eventually(t, func() bool {
		return !conn.SubscribedTo("orders")
	}, time.Second, 5*time.Millisecond)

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_RateLimitedFrame(t *testing.T) {
	cm := newTestConnectionManager()
	cm.framesPerSecond = 2

	stream, done := authenticatedStream(t, cm, "user1")

	// Authentication happened out of band; the burst covers two frames
	stream.send(t, Frame{Type: FrameTypePing})
	stream.send(t, Frame{Type: FrameTypePing})
	stream.send(t, Frame{Type: FrameTypePing})

	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		for _, frame := range stream.frames {
			if frame.Type == FrameTypeError && frame.Message == "rate limit exceeded" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// Rate limiting drops frames, never the connection
	assert.Equal(t, int32(1), cm.ActiveConnections())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_RepeatedProcessingErrorsCloseConnection(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	for range frameFailureBudget {
		stream.sendRaw(t, websocket.TextMessage, []byte("{broken"))
	}

	stream.waitForCloseCode(t, websocket.CloseInternalServerErr)
	require.NoError(t, waitForLifetime(t, done))
	assert.Equal(t, int32(0), cm.ActiveConnections())
}

// --- Lifecycle Tests ---

func TestConnectionManager_PoolFullRefusesConnection(t *testing.T) {
	cm := newTestConnectionManager()
	cm.connPool = newConnectionPool(1)

	occupant := newConnection(nil, ConnectInfo{}, 100)
	require.NoError(t, cm.connPool.add(occupant))

	stream := newFakeStream()
	err := cm.HandleConnection(context.Background(), stream, ConnectInfo{})
	assert.ErrorIs(t, err, ErrConnectionPoolFull)

	stream.waitForCloseCode(t, websocket.CloseTryAgainLater)
	assert.Equal(t, int32(1), cm.ActiveConnections())
}

func TestConnectionManager_ClientDisconnect(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	require.Equal(t, int32(1), cm.ActiveConnections())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))

	waitForPoolSize(t, cm, 0)

	stats := cm.GetStats()
	assert.Equal(t, uint64(1), stats.TotalConnections)
	assert.Equal(t, int32(0), stats.ActiveConnections)
}

func TestConnectionManager_WriteFailureTearsDown(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	stream.mu.Lock()
	stream.failWrites = true
	stream.mu.Unlock()

	done := startConnection(cm, stream, ConnectInfo{Credential: signGatewayToken(t, "user1")})

	// The welcome write fails, which tears the connection down
	require.NoError(t, waitForLifetime(t, done))
	assert.Equal(t, int32(0), cm.ActiveConnections())
	assert.Positive(t, cm.GetStats().Errors)
}

func TestConnectionManager_GetStatsCountsTraffic(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	stream.send(t, Frame{Type: FrameTypePing})
	stream.waitForFrame(t, FrameTypePong)

	stats := cm.GetStats()
	assert.Equal(t, uint64(1), stats.TotalConnections)
	assert.Equal(t, int32(1), stats.ActiveConnections)
	assert.GreaterOrEqual(t, stats.MessagesReceived, uint64(1))
	assert.GreaterOrEqual(t, stats.MessagesSent, uint64(2)) // welcome + pong

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

// --- Heartbeat Tests ---

func TestConnectionManager_SweepSendsProbes(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	cm.sweepConnections(context.Background())

	assert.Equal(t, 1, stream.pingCount())
	assert.Equal(t, int32(1), cm.ActiveConnections())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_SweepSkipsUnauthenticated(t *testing.T) {
	cm := newTestConnectionManager()
	stream := newFakeStream()
	done := startConnection(cm, stream, ConnectInfo{})

	waitForPoolSize(t, cm, 1)
	cm.sweepConnections(context.Background())

	assert.Equal(t, 0, stream.pingCount())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_SweepEvictsUnresponsive(t *testing.T) {
	cm := newTestConnectionManager()
	_, done := authenticatedStream(t, cm, "user1")

	// First sweep sends the probe; with no pong, the second sweep evicts
	cm.sweepConnections(context.Background())
	cm.sweepConnections(context.Background())

	require.NoError(t, waitForLifetime(t, done))
	assert.Equal(t, int32(0), cm.ActiveConnections())
	assert.Equal(t, uint64(1), cm.evictedConns.Load())
}

func TestConnectionManager_PongDefersEviction(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	cm.sweepConnections(context.Background())

	// Simulate the client's pong
	stream.mu.Lock()
	handler := stream.pongHandler
	stream.mu.Unlock()
	require.NotNil(t, handler)
	require.NoError(t, handler(""))

	cm.sweepConnections(context.Background())

	// Still alive, and probed a second time
	assert.Equal(t, int32(1), cm.ActiveConnections())
	assert.Equal(t, 2, stream.pingCount())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_PongDuringProbeWriteIsNotLost(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	// The pong lands while the probe is still being written; the ack must
	// survive into the next sweep instead of being overwritten
	stream.mu.Lock()
	stream.pongOnPing = true
	stream.mu.Unlock()

	cm.sweepConnections(context.Background())
	cm.sweepConnections(context.Background())
	cm.sweepConnections(context.Background())

	assert.Equal(t, int32(1), cm.ActiveConnections())
	assert.Equal(t, 3, stream.pingCount())
	assert.Equal(t, uint64(0), cm.evictedConns.Load())

	stream.Close()
	require.NoError(t, waitForLifetime(t, done))
}

func TestConnectionManager_EvictionTearsDownOnce(t *testing.T) {
	cm := newTestConnectionManager()
	stream, done := authenticatedStream(t, cm, "user1")

	cm.sweepConnections(context.Background())
	cm.sweepConnections(context.Background())
	// Extra sweeps after eviction are harmless
	cm.sweepConnections(context.Background())
	cm.sweepConnections(context.Background())

	require.NoError(t, waitForLifetime(t, done))
	assert.Equal(t, uint64(1), cm.evictedConns.Load())
	assert.Equal(t, uint64(1), cm.totalConns.Load())
}

// --- Fan-out smoke test against live connections ---

func TestConnectionManager_BroadcastReachesAuthenticated(t *testing.T) {
	cm := newTestConnectionManager()

	streamA, doneA := authenticatedStream(t, cm, "userA")
	streamB, doneB := authenticatedStream(t, cm, "userB")

	pending := newFakeStream()
	donePending := startConnection(cm, pending, ConnectInfo{})
	waitForPoolSize(t, cm, 3)

	delivered := cm.Broadcast(context.Background(), map[string]any{"kind": "notice"}, BroadcastOptions{})
	assert.Equal(t, 2, delivered)

	streamA.waitForFrame(t, FrameTypeEvent)
	streamB.waitForFrame(t, FrameTypeEvent)
	assert.Equal(t, 0, pending.frameCount(FrameTypeEvent))

	streamA.Close()
	streamB.Close()
	pending.Close()
	require.NoError(t, waitForLifetime(t, doneA))
	require.NoError(t, waitForLifetime(t, doneB))
	require.NoError(t, waitForLifetime(t, donePending))
}

func TestConnectionManager_ConcurrentConnections(t *testing.T) {
	cm := newTestConnectionManager()

	numConns := 20
	streams := make([]*fakeStream, numConns)
	dones := make([]<-chan error, numConns)

	for i := range numConns {
		streams[i] = newFakeStream()
		dones[i] = startConnection(cm, streams[i],
			ConnectInfo{Credential: signGatewayToken(t, fmt.Sprintf("user%d", i))})
	}

	for i := range numConns {
		streams[i].waitForFrame(t, FrameTypeWelcome)
	}
	assert.Equal(t, int32(numConns), cm.ActiveConnections())

	for i := range numConns {
		streams[i].Close()
	}
	for i := range numConns {
		require.NoError(t, waitForLifetime(t, dones[i]))
	}

	waitForPoolSize(t, cm, 0)
	assert.Equal(t, uint64(numConns), cm.GetStats().TotalConnections)
}
