package business

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-gateway/internal/resilience"
	"github.com/antinvestor/service-gateway/internal/telemetry"
)

// handleInboundFrame decodes and routes one inbound frame. Frames from a
// single connection arrive here strictly in order; a malformed or failing
// frame produces an error frame on that connection and never affects any
// other connection.
func (cm *connectionManager) handleInboundFrame(ctx context.Context, conn *connection, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			cm.errorCount.Add(1)
			util.Log(ctx).WithFields(map[string]any{
				"connection_id": conn.ID(),
				"panic":         r,
			}).Error("Recovered panic while processing frame")

			cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeProcessing, "internal error processing message", ""))
			cm.recordFrameFailure(ctx, conn)
		}
	}()

	if !conn.AllowInbound() {
		cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeProcessing, "rate limit exceeded", ""))
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		cm.errorCount.Add(1)
		cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeProcessing, "invalid frame envelope", ""))
		cm.recordFrameFailure(ctx, conn)
		return
	}

	// A decoded envelope without a type is still an envelope error, but the
	// correlation id survived decoding and is echoed back.
	if frame.Type == "" {
		cm.errorCount.Add(1)
		cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeProcessing, "invalid frame envelope", frame.MessageID))
		cm.recordFrameFailure(ctx, conn)
		return
	}

	if !conn.Authenticated() {
		cm.routePreAuthFrame(ctx, conn, frame)
		return
	}

	cm.routeFrame(ctx, conn, frame)
	conn.faults.RecordSuccess()
}

// routePreAuthFrame handles the only frame an unauthenticated connection
// may send. Everything else is rejected without side effects: no state is
// created or mutated on behalf of an unverified peer.
func (cm *connectionManager) routePreAuthFrame(ctx context.Context, conn *connection, frame Frame) {
	if frame.Type != FrameTypeAuthenticate {
		cm.sendFrame(ctx, conn,
			NewErrorFrame(ErrorCodeUnauthenticated, "authenticate before sending other frames", frame.MessageID))
		return
	}

	if frame.Token == "" {
		telemetry.AuthFailuresCounter.Add(ctx, 1)
		cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeNoToken, "authenticate frame carried no token", frame.MessageID))
		cm.teardown(ctx, conn, CloseInvalidAuth, "authentication failed")
		return
	}

	cm.authenticate(ctx, conn, frame.Token, frame.MessageID)
}

// routeFrame dispatches an authenticated connection's frame by type.
func (cm *connectionManager) routeFrame(ctx context.Context, conn *connection, frame Frame) {
	switch frame.Type {
	case FrameTypeAuthenticate:
		// Re-authentication is not supported; the connection keeps its
		// original identity.
		cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeAuthError, "connection already authenticated", frame.MessageID))

	case FrameTypePing:
		pong := NewServerFrame(FrameTypePong)
		pong.MessageID = frame.MessageID
		if frame.Timestamp != 0 {
			pong.Payload = map[string]any{"timestamp": frame.Timestamp}
		}
		cm.sendFrame(ctx, conn, pong)

	case FrameTypeEcho:
		echo := NewServerFrame(FrameTypeEchoResponse)
		echo.MessageID = frame.MessageID
		echo.Payload = frame.Payload
		cm.sendFrame(ctx, conn, echo)

	case FrameTypeGetUserInfo:
		cm.sendUserInfo(ctx, conn, frame.MessageID)

	case FrameTypeSubscribe:
		if frame.Channel == "" {
			cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeProcessing, "channel is required", frame.MessageID))
			return
		}
		conn.Subscribe(frame.Channel)
		ack := NewServerFrame(FrameTypeSubscribed)
		ack.MessageID = frame.MessageID
		ack.Payload = map[string]any{"channel": frame.Channel}
		cm.sendFrame(ctx, conn, ack)

	case FrameTypeUnsubscribe:
		if frame.Channel == "" {
			cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeProcessing, "channel is required", frame.MessageID))
			return
		}
		conn.Unsubscribe(frame.Channel)
		ack := NewServerFrame(FrameTypeUnsubscribed)
		ack.MessageID = frame.MessageID
		ack.Payload = map[string]any{"channel": frame.Channel}
		cm.sendFrame(ctx, conn, ack)

	default:
		cm.sendFrame(ctx, conn,
			NewErrorFrame(ErrorCodeUnknownType, "unsupported frame type: "+frame.Type, frame.MessageID))
	}
}

// sendUserInfo replies with the connection's verified identity snapshot.
func (cm *connectionManager) sendUserInfo(ctx context.Context, conn *connection, messageID string) {
	identity := conn.Identity()
	if identity == nil {
		cm.sendFrame(ctx, conn, NewErrorFrame(ErrorCodeAuthError, "identity unavailable", messageID))
		return
	}

	info := NewServerFrame(FrameTypeUserInfo)
	info.MessageID = messageID
	info.Payload = map[string]any{
		"subject":      identity.Subject,
		"roles":        identity.Roles,
		"connectionId": conn.ID(),
		"connectedAt":  conn.ConnectedAt().UnixMilli(),
	}
	cm.sendFrame(ctx, conn, info)
}

// recordFrameFailure feeds the per-connection fault gate. A connection
// that keeps producing processing errors trips the gate open and is
// closed, so one broken client cannot monopolise the error path.
func (cm *connectionManager) recordFrameFailure(ctx context.Context, conn *connection) {
	conn.faults.RecordFailure()
	if conn.faults.State() == resilience.StateOpen {
		cm.connectionFaulted(ctx, conn)
	}
}
