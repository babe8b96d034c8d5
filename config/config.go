package config

import (
	"errors"
	"fmt"

	"github.com/pitabwire/frame/config"
)

type GatewayConfig struct {
	config.ConfigurationDefault

	// Shared key for verifying bearer credentials presented by clients.
	TokenVerificationKey string `envDefault:"" env:"TOKEN_VERIFICATION_KEY"`

	// Connection management
	MaxConnections       int `envDefault:"10000" env:"MAX_CONNECTIONS"`
	AuthTimeoutSec       int `envDefault:"30"    env:"AUTH_TIMEOUT_SEC"`
	HeartbeatIntervalSec int `envDefault:"30"    env:"HEARTBEAT_INTERVAL_SEC"`

	// Rate limiting
	MaxFramesPerSecond int `envDefault:"100" env:"MAX_FRAMES_PER_SECOND"`

	// Maximum size in bytes of a single inbound frame.
	MaxFrameBytes int64 `envDefault:"65536" env:"MAX_FRAME_BYTES"`
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *GatewayConfig) Validate() error {
	var errs []error

	if c.TokenVerificationKey == "" {
		errs = append(errs, errors.New("TokenVerificationKey cannot be empty"))
	}

	// Validate connection management settings
	if c.MaxConnections < 1 {
		errs = append(errs, errors.New("MaxConnections must be >= 1"))
	}

	if c.AuthTimeoutSec <= 0 {
		errs = append(errs, errors.New("AuthTimeoutSec must be > 0"))
	}

	if c.HeartbeatIntervalSec <= 0 {
		errs = append(errs, errors.New("HeartbeatIntervalSec must be > 0"))
	}

	// Validate rate limiting
	if c.MaxFramesPerSecond <= 0 {
		errs = append(errs, errors.New("MaxFramesPerSecond must be > 0"))
	}

	if c.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("MaxFrameBytes must be > 0, got %d", c.MaxFrameBytes))
	}

	return errors.Join(errs...)
}
