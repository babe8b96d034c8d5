package main

import (
	"context"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/util"

	gtwconfig "github.com/antinvestor/service-gateway/config"
	"github.com/antinvestor/service-gateway/service/business"
	"github.com/antinvestor/service-gateway/service/handlers"
	"github.com/antinvestor/service-gateway/service/tokens"
)

const gracefulShutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[gtwconfig.GatewayConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	// Validate configuration (fail-fast on invalid config)
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_gateway"
	}

	// Create service
	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg))
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	verifier := tokens.NewVerifier(cfg.TokenVerificationKey)

	connectionManager := business.NewConnectionManager(
		ctx,
		verifier,
		cfg.MaxConnections,
		cfg.AuthTimeoutSec,
		cfg.HeartbeatIntervalSec,
		cfg.MaxFramesPerSecond,
	)
	// Graceful shutdown: drain connections and stop background tasks.
	// Defers run LIFO: connectionManager shuts down before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		if shutdownErr := connectionManager.Shutdown(drainCtx); shutdownErr != nil {
			util.Log(drainCtx).WithError(shutdownErr).Error("connection manager shutdown error")
		}
		connectionManager.DrainConnections(drainCtx)
	}()

	// Setup gateway server
	gatewayServer := handlers.NewGatewayServer(svc, connectionManager, cfg.MaxConnections, cfg.MaxFrameBytes)

	// Initialize the service with all options
	svc.Init(ctx, frame.WithHTTPHandler(gatewayServer.Handler()))

	// Start the service
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run Server")
	}
}
