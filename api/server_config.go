package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the admin node API server and its
// Prometheus listener.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr disables the metrics listener when empty.
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /readyz reports not ready before the
	// listener closes on shutdown.
	DrainDuration time.Duration
	// GracefulShutdownDuration bounds the wait for in-flight requests, such
	// as model uploads, once the listener has closed.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
