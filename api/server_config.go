package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the admin HTTP server and its metrics listener.
type HTTPServerConfig struct {
	// ListenAddr is the address the admin API listens on.
	ListenAddr string

	// MetricsAddr is the Prometheus listener. Empty disables it.
	MetricsAddr string

	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain reports not ready before it logs completion.
	DrainDuration time.Duration

	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	// WriteTimeout must exceed the rotation confirmation timeout, a rotation
	// answers only once its transfer settled.
	WriteTimeout time.Duration
}
