package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("session: invalid config")

// Config defines runtime configuration for the session machine.
type Config struct {
	// AppName is sent to the mobile app in the authorization request.
	AppName string

	// Domain identifies the originating host.
	Domain string

	// StorageNamespace prefixes every persisted key.
	StorageNamespace string

	// MaxRefreshFailures is the consecutive-failure budget before the
	// session is treated as unrecoverable and torn down.
	MaxRefreshFailures int

	// AuthRequestFallback is how long to wait for subscription confirmation
	// on the user channel before sending the authorization request anyway.
	AuthRequestFallback time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StorageNamespace:    "clublink:",
		MaxRefreshFailures:  3,
		AuthRequestFallback: 5 * time.Second,
	}
}

// Validate reports ErrConfig for unusable configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return fmt.Errorf("%w: missing app name", ErrConfig)
	}
	if c.MaxRefreshFailures <= 0 || c.AuthRequestFallback <= 0 {
		return fmt.Errorf("%w: non-positive tunable", ErrConfig)
	}
	return nil
}
