package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/frame"

	"github.com/antinvestor/service-gateway/internal"
	"github.com/antinvestor/service-gateway/internal/health"
	"github.com/antinvestor/service-gateway/service/business"
)

const (
	handshakeTimeout = 10 * time.Second

	readBufferSize  = 4096
	writeBufferSize = 4096

	poolDegradedPercent  = 80
	poolUnhealthyPercent = 100
)

// GatewayServer terminates client websocket connections and exposes the
// gateway's operational endpoints.
type GatewayServer struct {
	svc *frame.Service
	cm  business.ConnectionManager

	upgrader      websocket.Upgrader
	maxFrameBytes int64
	health        *health.Handler
}

// NewGatewayServer creates a new gateway server instance.
func NewGatewayServer(
	service *frame.Service,
	connectionManager business.ConnectionManager,
	maxConnections int,
	maxFrameBytes int64,
) *GatewayServer {
	gs := &GatewayServer{
		svc: service,
		cm:  connectionManager,

		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   readBufferSize,
			WriteBufferSize:  writeBufferSize,
			// Clients offering a credential subprotocol get the base
			// subprotocol confirmed back.
			Subprotocols: []string{internal.SubprotocolBearer},
			// Browser clients connect from arbitrary origins; identity is
			// established by credential verification, not by origin.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		maxFrameBytes: maxFrameBytes,
		health:        health.NewHandler(),
	}

	gs.health.AddChecker(health.NewUtilizationChecker("connection_pool",
		func() (int64, int64) {
			return int64(connectionManager.ActiveConnections()), int64(maxConnections)
		},
		poolDegradedPercent, poolUnhealthyPercent))

	return gs
}

// Handler returns the gateway's HTTP routes.
func (gs *GatewayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gs.Connect)
	mux.HandleFunc("/stats", gs.Stats)
	mux.HandleFunc("/healthz", gs.health.LivenessHandler)
	mux.HandleFunc("/readyz", gs.health.ReadinessHandler)
	return mux
}

// Connect upgrades an HTTP request to a websocket session and hands the
// connection to the connection manager for its whole lifetime.
//
// The credential, when present, is taken from the request with query
// parameter taking precedence over the Authorization header, which takes
// precedence over the subprotocol convention. A request without any
// credential is still upgraded; the client then authenticates with an
// explicit frame before the deadline.
func (gs *GatewayServer) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	credential, _ := internal.CredentialFromRequest(r)

	stream, err := gs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		gs.svc.Log(ctx).WithError(err).Debug("Websocket upgrade failed")
		return
	}
	stream.SetReadLimit(gs.maxFrameBytes)

	gs.svc.Log(ctx).WithFields(map[string]any{
		"remote_addr":    r.RemoteAddr,
		"subprotocol":    stream.Subprotocol(),
		"has_credential": credential != "",
	}).Debug("New connection request")

	err = gs.cm.HandleConnection(ctx, stream, business.ConnectInfo{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Credential: credential,
	})
	if err != nil {
		if errors.Is(err, business.ErrConnectionPoolFull) || errors.Is(err, business.ErrShuttingDown) {
			gs.svc.Log(ctx).WithError(err).Info("Connection refused")
			return
		}
		gs.svc.Log(ctx).WithError(err).Error("Connection ended with error")
	}
}

// Stats reports the aggregate connection counters as JSON.
func (gs *GatewayServer) Stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(gs.cm.GetStats())
}
