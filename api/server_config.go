package api

import (
	"errors"
	"log/slog"
	"time"
)

// Defaults applied by NewHTTPServerConfig.
const (
	DefaultGracefulShutdown  = 30 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
)

// HTTPServerConfig configures the server hosting the signer and recovery
// endpoints. Zero durations disable the corresponding timeout, except
// GracefulShutdownDuration which must be positive.
type HTTPServerConfig struct {
	ListenAddr  string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /readyz reports not ready before shutdown
	// starts.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests, which
	// may include a slow Argon2 unlock or share import.
	GracefulShutdownDuration time.Duration

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// NewHTTPServerConfig returns a config for listenAddr with the default
// timeouts and no drain period.
func NewHTTPServerConfig(listenAddr string, log *slog.Logger) *HTTPServerConfig {
	return &HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      log,
		GracefulShutdownDuration: DefaultGracefulShutdown,
		ReadHeaderTimeout:        DefaultReadHeaderTimeout,
		ReadTimeout:              DefaultReadTimeout,
		WriteTimeout:             DefaultWriteTimeout,
	}
}

// Validate reports configuration the server cannot start with.
func (c *HTTPServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.GracefulShutdownDuration <= 0 {
		return errors.New("graceful shutdown duration must be positive")
	}
	if c.DrainDuration < 0 || c.ReadHeaderTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
