package business

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-gateway/internal/telemetry"
)

// encodeOutbound produces the wire bytes for a fan-out payload. A
// ServerFrame passes through as-is; anything else is wrapped in an event
// envelope so clients always receive the standard frame shape.
func encodeOutbound(payload any) ([]byte, error) {
	frame, ok := payload.(ServerFrame)
	if !ok {
		frame = NewServerFrame(FrameTypeEvent)
		frame.Payload = payload
	}
	return json.Marshal(frame)
}

// SendToConnection delivers a payload to a single connection by ID.
func (cm *connectionManager) SendToConnection(ctx context.Context, connectionID string, payload any) bool {
	conn, ok := cm.connPool.get(connectionID)
	if !ok {
		return false
	}

	data, err := encodeOutbound(payload)
	if err != nil {
		cm.errorCount.Add(1)
		return false
	}

	return cm.dispatchBytes(ctx, conn, data)
}

// SendToUser delivers a payload to every authenticated connection held by
// a subject. A subject with several devices receives one copy per
// connection.
func (cm *connectionManager) SendToUser(ctx context.Context, subjectID string, payload any) bool {
	data, err := encodeOutbound(payload)
	if err != nil {
		cm.errorCount.Add(1)
		return false
	}

	delivered := false
	cm.connPool.forEach(func(conn *connection) {
		identity := conn.Identity()
		if !conn.Authenticated() || identity == nil || identity.Subject != subjectID {
			return
		}
		if cm.dispatchBytes(ctx, conn, data) {
			delivered = true
		}
	})

	return delivered
}

// Broadcast fans a payload out to every eligible connection. The payload
// is encoded exactly once regardless of fan-out size; per-connection
// dispatch failures are counted and skipped without aborting the sweep.
func (cm *connectionManager) Broadcast(ctx context.Context, payload any, opts BroadcastOptions) int {
	data, err := encodeOutbound(payload)
	if err != nil {
		cm.errorCount.Add(1)
		return 0
	}

	delivered := 0
	cm.connPool.forEach(func(conn *connection) {
		if !cm.broadcastEligible(conn, opts) {
			return
		}
		if cm.dispatchBytes(ctx, conn, data) {
			delivered++
		}
	})

	telemetry.BroadcastFanoutCounter.Add(ctx, int64(delivered))
	util.Log(ctx).WithFields(map[string]any{
		"delivered": delivered,
		"channel":   opts.Channel,
	}).Debug("Broadcast complete")

	return delivered
}

// broadcastEligible applies the broadcast target filter: authenticated and
// open, not excluded by subject or connection ID, and subscribed to the
// channel when one is set.
func (cm *connectionManager) broadcastEligible(conn *connection, opts BroadcastOptions) bool {
	if !conn.Authenticated() || conn.closed() {
		return false
	}

	if opts.ExcludeConnectionID != "" && conn.ID() == opts.ExcludeConnectionID {
		return false
	}

	if opts.ExcludeSubjectID != "" {
		if identity := conn.Identity(); identity != nil && identity.Subject == opts.ExcludeSubjectID {
			return false
		}
	}

	if opts.Channel != "" && !conn.SubscribedTo(opts.Channel) {
		return false
	}

	return true
}
