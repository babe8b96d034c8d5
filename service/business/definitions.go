package business

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Inbound frame types accepted by the message router.
const (
	FrameTypeAuthenticate = "authenticate"
	FrameTypePing         = "ping"
	FrameTypeEcho         = "echo"
	FrameTypeGetUserInfo  = "get_user_info"
	FrameTypeSubscribe    = "subscribe"
	FrameTypeUnsubscribe  = "unsubscribe"
)

// Outbound frame types.
const (
	FrameTypeWelcome        = "welcome"
	FrameTypePong           = "pong"
	FrameTypeEchoResponse   = "echo_response"
	FrameTypeUserInfo       = "user_info"
	FrameTypeSubscribed     = "subscribed"
	FrameTypeUnsubscribed   = "unsubscribed"
	FrameTypeEvent          = "event"
	FrameTypeError          = "error"
	FrameTypeServerShutdown = "server_shutdown"
)

// Wire error codes carried on outbound error frames.
const (
	ErrorCodeNoToken         = "NO_TOKEN"
	ErrorCodeInvalidToken    = "INVALID_TOKEN"
	ErrorCodeAuthTimeout     = "AUTH_TIMEOUT"
	ErrorCodeUnauthenticated = "UNAUTHENTICATED"
	ErrorCodeAuthError       = "AUTH_ERROR"
	ErrorCodeUnknownType     = "UNKNOWN_MESSAGE_TYPE"
	ErrorCodeProcessing      = "PROCESSING_ERROR"
	ErrorCodeWebsocket       = "WEBSOCKET_ERROR"
)

// Close status codes in the application range, alongside the standard
// 1000/1011/1012 codes from RFC 6455.
const (
	CloseInvalidAuth = 4003 // credential verification failed
	CloseAuthTimeout = 4008 // authentication deadline elapsed
)

// Pre-allocated sentinel errors for fast equality checks with errors.Is().
var (
	ErrConnectionPoolFull = errors.New("connection pool full")
	ErrShuttingDown       = errors.New("connection manager is shutting down")
)

// Frame is the inbound client envelope. Only Type is required; unknown
// fields are ignored by json.Unmarshal.
type Frame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ServerFrame is the outbound envelope. Every frame carries Type and
// Timestamp; error frames set Code and Message, success frames echo the
// request's MessageID when one was supplied.
type ServerFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"messageId,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// NewServerFrame stamps an outbound frame with the current time.
func NewServerFrame(frameType string) ServerFrame {
	return ServerFrame{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorFrame builds an outbound error frame.
func NewErrorFrame(code, message, messageID string) ServerFrame {
	frame := NewServerFrame(FrameTypeError)
	frame.Code = code
	frame.Message = message
	frame.MessageID = messageID
	return frame
}

// ClientStream abstracts the duplex transport underneath a connection.
// *websocket.Conn satisfies it; tests substitute an in-memory fake.
type ClientStream interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnectInfo carries the transport attributes captured at accept time.
type ConnectInfo struct {
	RemoteAddr string
	UserAgent  string

	// Credential extracted from the connect request, empty when the client
	// will authenticate with an explicit frame instead.
	Credential string
}

// BroadcastOptions filters the target set of a broadcast.
type BroadcastOptions struct {
	// ExcludeSubjectID skips every connection authenticated as this subject.
	ExcludeSubjectID string
	// ExcludeConnectionID skips a single connection.
	ExcludeConnectionID string
	// Channel restricts delivery to connections subscribed to this channel.
	Channel string
}

// Stats is the aggregate counter snapshot exposed to collaborators.
// All fields except ActiveConnections are monotonically non-decreasing;
// ActiveConnections tracks registry size exactly.
type Stats struct {
	TotalConnections  uint64 `json:"totalConnections"`
	ActiveConnections int32  `json:"activeConnections"`
	MessagesReceived  uint64 `json:"messagesReceived"`
	MessagesSent      uint64 `json:"messagesSent"`
	Errors            uint64 `json:"errors"`
}

// ConnectionManager is the gateway's surface to the rest of the
// application. Collaborators push data through the fan-out operations and
// read counters through GetStats; they never reach into connection
// internals directly.
type ConnectionManager interface {
	// HandleConnection owns the connection for its whole lifetime and
	// blocks until it is torn down.
	HandleConnection(ctx context.Context, stream ClientStream, info ConnectInfo) error

	// SendToConnection delivers a payload to one connection. False means
	// the connection is unknown or its transport no longer accepts writes;
	// that is not an error.
	SendToConnection(ctx context.Context, connectionID string, payload any) bool

	// SendToUser delivers a payload to every authenticated connection of a
	// subject. True when at least one delivery was accepted.
	SendToUser(ctx context.Context, subjectID string, payload any) bool

	// Broadcast fans a payload out to every authenticated, open connection
	// not excluded by opts, returning the number of accepted deliveries.
	Broadcast(ctx context.Context, payload any, opts BroadcastOptions) int

	// GetStats snapshots the aggregate counters.
	GetStats() Stats

	// ActiveConnections reports current registry size.
	ActiveConnections() int32

	// DrainConnections waits, bounded by ctx, for the registry to empty.
	DrainConnections(ctx context.Context)

	// Shutdown notifies and closes every live connection, then stops all
	// background tasks. Idempotent.
	Shutdown(ctx context.Context) error
}
