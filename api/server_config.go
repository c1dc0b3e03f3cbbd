package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the node's HTTP listener and its optional
// metrics listener.
type HTTPServerConfig struct {
	ListenAddr string

	// MetricsAddr disables the metrics listener when empty.
	MetricsAddr string

	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /readyz reports not ready before the
	// listener closes.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds how long in-flight share submissions
	// and uploads may take to finish after drain.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
