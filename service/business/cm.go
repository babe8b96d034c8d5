// Package business implements the core logic of the realtime gateway.
//
// Connection Manager
// ==================
//
// The connection manager owns every accepted websocket session: it registers
// a provisional entry on accept, runs the authentication handshake
// (immediate when the connect request carried a credential, deferred behind
// a bounded deadline otherwise), routes inbound frames, probes liveness on a
// shared interval, and exposes fan-out primitives to the rest of the
// application.
//
// Concurrency model:
//   - One goroutine per connection reads inbound frames; frames from a
//     single connection are processed in arrival order.
//   - One goroutine per connection drains the buffered dispatch channel and
//     is the only writer of data frames on the socket.
//   - One shared task sweeps liveness probes, one reports metrics, one
//     monitors registry utilisation.
//   - The sharded connection pool is the only mutable shared state; all
//     other components are stateless over data fetched from it.
//
// Teardown is single-shot: close, transport error, heartbeat eviction,
// authentication timeout and server shutdown all funnel into the same
// guarded finalisation, so duplicate events are no-ops and the registry is
// decremented exactly once per connection.
package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-gateway/internal/telemetry"
	"github.com/antinvestor/service-gateway/service/tokens"
)

const (
	// Timeouts and intervals.
	metricsReportInterval = 10 * time.Second
	healthCheckInterval   = 60 * time.Second
	shutdownWaitTimeout   = 30 * time.Second
	drainPollInterval     = 100 * time.Millisecond
	controlWriteTimeout   = 5 * time.Second

	// Thresholds.
	minPoolSize            = 1024 // Minimum pool size for small deployments
	utilizationThreshold   = 80   // Pool utilization warning threshold percentage
	utilizationScaleFactor = 100  // Scale factor for utilization percentage
)

// connectionManager manages all active client connections.
//
// Counters are atomics for lock-free reads; activeConnections is never
// tracked separately because the registry size is the source of truth.
type connectionManager struct {
	connPool *connectionPool
	verifier *tokens.Verifier

	// Gateway instance ID, unique across restarts.
	gatewayID string

	// Configuration
	heartbeatInterval time.Duration
	authTimeout       time.Duration
	writeTimeout      time.Duration
	framesPerSecond   int

	// Shutdown coordination
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	// Metrics tracking (monotonic, atomic access)
	totalConns       atomic.Uint64
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	errorCount       atomic.Uint64
	evictedConns     atomic.Uint64
	authTimeouts     atomic.Uint64
}

// NewConnectionManager creates a connection manager and starts its
// background tasks.
//
//   - maxConnections bounds the registry; accepts beyond it are refused.
//   - authTimeoutSec is the deadline for a connection that arrived without
//     a credential to send its authenticate frame.
//   - heartbeatIntervalSec is the probe cadence; a connection that leaves a
//     probe unacknowledged for a full further interval is evicted.
//   - framesPerSecond is the per-connection inbound rate limit.
func NewConnectionManager(
	ctx context.Context,
	verifier *tokens.Verifier,
	maxConnections int,
	authTimeoutSec int,
	heartbeatIntervalSec int,
	framesPerSecond int,
) ConnectionManager {
	gatewayID := fmt.Sprintf("gateway-%d", time.Now().UnixNano())

	poolSize := int32(maxConnections)
	if poolSize < minPoolSize {
		poolSize = minPoolSize
	}

	cm := &connectionManager{
		connPool:  newConnectionPool(poolSize),
		verifier:  verifier,
		gatewayID: gatewayID,

		heartbeatInterval: time.Duration(heartbeatIntervalSec) * time.Second,
		authTimeout:       time.Duration(authTimeoutSec) * time.Second,
		writeTimeout:      controlWriteTimeout,
		framesPerSecond:   framesPerSecond,

		shutdownCh: make(chan struct{}),
	}

	cm.startBackgroundTasks(ctx)

	return cm
}

// startBackgroundTasks initialises the shared periodic routines. All are
// tracked via cm.wg for graceful shutdown.
func (cm *connectionManager) startBackgroundTasks(ctx context.Context) {
	cm.wg.Add(1)
	go cm.heartbeatLoop(ctx)

	cm.wg.Add(1)
	go cm.reportMetrics(ctx)

	cm.wg.Add(1)
	go cm.monitorHealth(ctx)
}

// HandleConnection owns one client connection for its entire lifetime.
//
// Flow: shutdown check → provisional registration → writer spawn →
// immediate or deferred authentication → read loop → teardown. The method
// blocks until the connection is torn down and is safe to call from many
// accept goroutines concurrently.
func (cm *connectionManager) HandleConnection(
	ctx context.Context,
	stream ClientStream,
	info ConnectInfo,
) error {
	select {
	case <-cm.shutdownCh:
		return ErrShuttingDown
	default:
	}

	conn := newConnection(stream, info, cm.framesPerSecond)

	if err := cm.connPool.add(conn); err != nil {
		cm.errorCount.Add(1)
		if stream != nil {
			deadline := time.Now().Add(cm.writeTimeout)
			_ = stream.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "gateway at capacity"), deadline)
			_ = stream.Close()
		}
		return err
	}

	cm.totalConns.Add(1)
	telemetry.ConnectionsTotalCounter.Add(ctx, 1)
	telemetry.ConnectionsActiveGauge.Add(ctx, 1)

	// Shutdown may have swept the registry between the accept check above
	// and registration; a connection inserted behind the sweep would never
	// be notified or closed, so the gate is re-checked once the entry is
	// visible. The teardown is a no-op when the sweep already got here.
	select {
	case <-cm.shutdownCh:
		cm.teardown(ctx, conn, websocket.CloseServiceRestart, "server shutting down")
		if stream != nil {
			deadline := time.Now().Add(cm.writeTimeout)
			_ = stream.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server shutting down"), deadline)
			_ = stream.Close()
		}
		return ErrShuttingDown
	default:
	}

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": conn.ID(),
		"remote_addr":   conn.RemoteAddr(),
		"gateway_id":    cm.gatewayID,
		"pool_size":     cm.connPool.size(),
	}).Debug("Client connected to gateway")

	// The pong handler doubles as the liveness acknowledgment path.
	stream.SetPongHandler(func(_ string) error {
		conn.Touch()
		return nil
	})

	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		cm.writeLoop(ctx, conn)
	}()

	if info.Credential != "" {
		cm.authenticate(ctx, conn, info.Credential, "")
	} else {
		// Deferred authentication: the client gets a bounded window to send
		// an explicit authenticate frame. context.WithoutCancel keeps log
		// and telemetry wiring alive when the timer outlives this request.
		timerCtx := context.WithoutCancel(ctx)
		timer := time.AfterFunc(cm.authTimeout, func() {
			cm.expireAuthentication(timerCtx, conn)
		})
		conn.setAuthTimer(timer)
	}

	for {
		messageType, raw, err := stream.ReadMessage()
		if err != nil {
			cm.handleTransportClose(ctx, conn, err)
			break
		}

		cm.messagesReceived.Add(1)
		telemetry.MessagesReceivedCounter.Add(ctx, 1)
		conn.Touch()

		if messageType != websocket.TextMessage {
			cm.errorCount.Add(1)
			cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeWebsocket, "only text frames are supported", ""))
			continue
		}

		cm.handleInboundFrame(ctx, conn, raw)
	}

	writerWg.Wait()
	return nil
}

// handleTransportClose is the read-side entry into teardown. Eviction,
// auth timeout or shutdown may already have finalised the connection, in
// which case this is a no-op.
func (cm *connectionManager) handleTransportClose(ctx context.Context, conn *connection, err error) {
	if conn.closed() {
		return
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		cm.errorCount.Add(1)
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": conn.ID(),
			"error_type":    "stream.receive.error",
		}).Debug("Transport read failed")
	}

	cm.teardown(ctx, conn, 0, "")
}

// teardown finalises a connection exactly once, from whichever of
// close/error/timeout/eviction/shutdown fires first. The registry entry is
// removed, the auth-deadline timer stopped and the writer signalled; the
// writer flushes buffered frames, emits the close status and releases the
// socket.
func (cm *connectionManager) teardown(ctx context.Context, conn *connection, closeCode int, reason string) {
	conn.closeOnce.Do(func() {
		conn.markClosed()
		conn.setCloseStatus(closeCode, reason)

		removed := cm.connPool.remove(conn.ID())
		close(conn.done)

		// Without a writer goroutine (registration failed mid-way, or unit
		// tests with a nil stream) the socket is released here instead.
		if conn.stream == nil {
			return
		}

		if removed != nil {
			telemetry.ConnectionsActiveGauge.Add(ctx, -1)
			util.Log(ctx).WithFields(map[string]any{
				"connection_id": conn.ID(),
				"duration":      time.Since(conn.ConnectedAt()).String(),
			}).Debug("Client disconnected from gateway")
		}
	})
}

// writeLoop is the sole writer of data frames on the connection's socket.
// After teardown is signalled it flushes whatever the dispatch buffer still
// holds, sends the close status when one was set, and closes the socket,
// which also unblocks the read loop.
func (cm *connectionManager) writeLoop(ctx context.Context, conn *connection) {
	defer func() {
		_ = conn.stream.Close()
	}()

	for {
		data := conn.ConsumeDispatch(ctx)
		if data == nil {
			break
		}
		if !cm.writeFrame(ctx, conn, data) {
			cm.teardown(ctx, conn, 0, "")
			return
		}
	}

	// Flush frames queued before teardown, the auth-failure and shutdown
	// notifications among them.
	for {
		select {
		case data := <-conn.dispatchCh:
			if !cm.writeFrame(ctx, conn, data) {
				return
			}
			continue
		default:
		}
		break
	}

	if code, reason := conn.closeStatus(); code != 0 {
		deadline := time.Now().Add(cm.writeTimeout)
		_ = conn.stream.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
	}
}

// writeFrame writes one data frame with a bounded deadline.
func (cm *connectionManager) writeFrame(ctx context.Context, conn *connection, data []byte) bool {
	err := conn.stream.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		cm.errorCount.Add(1)
		telemetry.SendErrorsCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": conn.ID(),
			"error_type":    "outbound.send.error",
		}).Debug("Outbound write failed")
		return false
	}

	cm.messagesSent.Add(1)
	telemetry.MessagesSentCounter.Add(ctx, 1)
	return true
}

// sendFrame encodes and enqueues one outbound frame. Failures are counted
// and absorbed; they never propagate to the caller that triggered the send.
func (cm *connectionManager) sendFrame(ctx context.Context, conn *connection, frame ServerFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		cm.errorCount.Add(1)
		return false
	}
	return cm.dispatchBytes(ctx, conn, data)
}

// dispatchBytes enqueues a pre-encoded frame on the connection's writer.
func (cm *connectionManager) dispatchBytes(ctx context.Context, conn *connection, data []byte) bool {
	if conn.Dispatch(data) {
		return true
	}

	cm.errorCount.Add(1)
	telemetry.MessagesDroppedCounter.Add(ctx, 1)
	return false
}

// authenticate runs the identity verifier against a credential supplied at
// connect time or in an authenticate frame, and promotes the connection on
// success. On failure the client receives a classified error frame and the
// transport is closed with an auth-specific status.
func (cm *connectionManager) authenticate(ctx context.Context, conn *connection, credential, messageID string) bool {
	identity, err := cm.verifier.Verify(credential)
	if err != nil {
		telemetry.AuthFailuresCounter.Add(ctx, 1)

		code := ErrorCodeInvalidToken
		if errors.Is(err, tokens.ErrTokenMissing) {
			code = ErrorCodeNoToken
		}

		cm.sendFrame(ctx, conn, NewErrorFrame(code, err.Error(), messageID))
		cm.teardown(ctx, conn, CloseInvalidAuth, "authentication failed")

		util.Log(ctx).WithFields(map[string]any{
			"connection_id": conn.ID(),
			"remote_addr":   conn.RemoteAddr(),
			"reason":        err.Error(),
		}).Info("Credential verification failed")
		return false
	}

	if !conn.promote(identity) {
		// Lost the race against deadline expiry or teardown; the losing
		// side must not mutate anything.
		return false
	}

	welcome := NewServerFrame(FrameTypeWelcome)
	welcome.MessageID = messageID
	welcome.Payload = map[string]any{
		"connectionId": conn.ID(),
		"subject":      identity.Subject,
		"gatewayId":    cm.gatewayID,
	}
	cm.sendFrame(ctx, conn, welcome)

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": conn.ID(),
		"subject":       identity.Subject,
	}).Debug("Connection authenticated")
	return true
}

// expireAuthentication fires when the authentication deadline elapses.
// The CAS inside expireAuth guarantees it cannot race a concurrent
// promotion: exactly one of the two resolves the connection.
func (cm *connectionManager) expireAuthentication(ctx context.Context, conn *connection) {
	if !conn.expireAuth() {
		return
	}

	cm.authTimeouts.Add(1)
	telemetry.AuthTimeoutsCounter.Add(ctx, 1)

	cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeAuthTimeout, "authentication deadline elapsed", ""))
	cm.teardown(ctx, conn, CloseAuthTimeout, "authentication timeout")

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": conn.ID(),
		"remote_addr":   conn.RemoteAddr(),
	}).Info("Connection closed for missing the authentication deadline")
}

// connectionFaulted fires when a connection's frame-processing circuit
// opens. Repeated processing errors are contained by dropping the
// connection rather than crashing or throttling the process.
func (cm *connectionManager) connectionFaulted(ctx context.Context, conn *connection) {
	util.Log(ctx).WithFields(map[string]any{
		"connection_id":  conn.ID(),
		"fault_failures": conn.faults.Metrics().TotalFailures,
	}).Warn("Closing connection after repeated processing errors")

	cm.teardown(ctx, conn, websocket.CloseInternalServerErr, "too many processing errors")
}

// heartbeatLoop is the shared liveness sweep.
func (cm *connectionManager) heartbeatLoop(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.sweepConnections(ctx)
		}
	}
}

// sweepConnections probes every authenticated connection and evicts the
// ones whose previous probe was never acknowledged. Eviction is
// indistinguishable downstream from an ordinary close.
func (cm *connectionManager) sweepConnections(ctx context.Context) {
	evicted := 0

	cm.connPool.forEach(func(conn *connection) {
		if !conn.Authenticated() || conn.closed() || conn.stream == nil {
			// Unauthenticated connections are bounded by the
			// authentication deadline instead.
			return
		}

		if conn.probePending() {
			util.Log(ctx).WithFields(map[string]any{
				"connection_id": conn.ID(),
				"last_activity": conn.LastActivity(),
			}).Warn("Evicting unresponsive connection")

			cm.evictedConns.Add(1)
			telemetry.ConnectionsEvictedCounter.Add(ctx, 1)
			cm.teardown(ctx, conn, websocket.CloseNormalClosure, "liveness probe unacknowledged")
			evicted++
			return
		}

		// Flag first: a pong racing the probe write must land after the
		// flag is up so the acknowledgment is never overwritten.
		conn.markProbeSent()
		deadline := time.Now().Add(cm.writeTimeout)
		if err := conn.stream.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			conn.pendingPing.Store(false)
			cm.errorCount.Add(1)
			cm.teardown(ctx, conn, 0, "")
			return
		}
	})

	if evicted > 0 {
		util.Log(ctx).WithFields(map[string]any{
			"count":      evicted,
			"gateway_id": cm.gatewayID,
		}).Info("Evicted unresponsive connections")
	}
}

// reportMetrics periodically logs connection statistics.
func (cm *connectionManager) reportMetrics(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.publishMetrics(ctx)
		}
	}
}

// publishMetrics logs the counter snapshot with structured fields.
func (cm *connectionManager) publishMetrics(ctx context.Context) {
	stats := cm.GetStats()
	poolSize := cm.connPool.size()
	utilization := float64(poolSize) / float64(cm.connPool.maxSize) * utilizationScaleFactor

	util.Log(ctx).WithFields(map[string]any{
		"metric_type":          "connection_stats",
		"gateway_id":           cm.gatewayID,
		"connections_active":   stats.ActiveConnections,
		"connections_total":    stats.TotalConnections,
		"connections_evicted":  cm.evictedConns.Load(),
		"auth_timeouts":        cm.authTimeouts.Load(),
		"messages_received":    stats.MessagesReceived,
		"messages_sent":        stats.MessagesSent,
		"errors":               stats.Errors,
		"pool_utilization_pct": utilization,
	}).Debug("Connection metrics")
}

// monitorHealth warns when registry utilisation crosses the threshold.
func (cm *connectionManager) monitorHealth(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.performHealthCheck(ctx)
		}
	}
}

func (cm *connectionManager) performHealthCheck(ctx context.Context) {
	poolSize := cm.connPool.size()
	utilization := float64(poolSize) / float64(cm.connPool.maxSize) * utilizationScaleFactor

	if utilization > utilizationThreshold {
		util.Log(ctx).WithFields(map[string]any{
			"pool_size":   poolSize,
			"max_size":    cm.connPool.maxSize,
			"utilization": utilization,
		}).Warn("Connection pool utilization high")
	}
}

// ActiveConnections reports current registry size.
func (cm *connectionManager) ActiveConnections() int32 {
	return cm.connPool.size()
}

// GetStats snapshots the aggregate counters.
func (cm *connectionManager) GetStats() Stats {
	return Stats{
		TotalConnections:  cm.totalConns.Load(),
		ActiveConnections: cm.connPool.size(),
		MessagesReceived:  cm.messagesReceived.Load(),
		MessagesSent:      cm.messagesSent.Load(),
		Errors:            cm.errorCount.Load(),
	}
}

// DrainConnections waits, bounded by ctx, for every live connection to
// finish tearing down. Shutdown is expected to have been signalled first;
// this only observes registry size and never forces closes of its own.
func (cm *connectionManager) DrainConnections(ctx context.Context) {
	if cm.connPool.size() == 0 {
		return
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			util.Log(ctx).WithFields(map[string]any{
				"remaining": cm.connPool.size(),
			}).Warn("Connection drain timed out")
			return
		case <-ticker.C:
			if cm.connPool.size() == 0 {
				return
			}
		}
	}
}

// Shutdown performs the ordered stop: refuse new accepts, notify every
// live connection, close each with a going-away status, then wait for
// background tasks. Per-connection failures never abort the sweep.
// Idempotent; safe to call multiple times.
func (cm *connectionManager) Shutdown(ctx context.Context) error {
	cm.shutdownOnce.Do(func() {
		util.Log(ctx).Info("Shutting down connection manager")
		close(cm.shutdownCh)

		notice, err := json.Marshal(NewServerFrame(FrameTypeServerShutdown))
		if err == nil {
			cm.connPool.forEach(func(conn *connection) {
				// Best effort: a full buffer or dead transport must not
				// stall shutdown for the other connections.
				_ = conn.Dispatch(notice)
				cm.teardown(ctx, conn, websocket.CloseServiceRestart, "server shutting down")
			})
		}

		done := make(chan struct{})
		go func() {
			cm.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Info("Connection manager shutdown complete")
		case <-time.After(shutdownWaitTimeout):
			util.Log(ctx).Warn("Connection manager shutdown timed out")
		}
	})

	return nil
}