// Package telemetry provides OpenTelemetry instruments for the gateway.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Connection metrics track the websocket connection lifecycle.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ConnectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"gateway.connections.active",
		"Current number of active connections",
	)

	ConnectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.connections.total",
		"Total connection attempts",
	)

	ConnectionsEvictedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.connections.evicted",
		"Connections evicted for missed heartbeats",
	)

	AuthTimeoutsCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.connections.auth_timeouts",
		"Connections closed for missing the authentication deadline",
	)

	AuthFailuresCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.connections.auth_failures",
		"Credential verification failures",
	)
)

// Message metrics track frame traffic through the router and fan-out engine.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	MessagesReceivedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.messages.received",
		"Total inbound frames received",
	)

	MessagesSentCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.messages.sent",
		"Total outbound frames written",
	)

	MessagesDroppedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.messages.dropped",
		"Outbound frames dropped on slow consumers",
	)

	SendErrorsCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.messages.errors",
		"Transport write failures",
	)

	BroadcastFanoutCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.broadcast.fanout",
		"Total broadcast fan-out operations",
	)
)
