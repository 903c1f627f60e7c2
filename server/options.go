// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"log/slog"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/pool"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger sets the logger handed to every factory and connection.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStats attaches a stats observer to every connection.
func WithStats(obs api.StatsObserver) ServerOption {
	return func(s *Server) {
		s.stats = obs
	}
}

// WithConfigStore shares a config store; Reload goes through it.
func WithConfigStore(cs *control.ConfigStore) ServerOption {
	return func(s *Server) {
		s.store = cs
	}
}

// WithBufferPool overrides the read buffer pool used by stream pumps.
func WithBufferPool(bp *pool.BytePool) ServerOption {
	return func(s *Server) {
		s.pool = bp
	}
}

// WithShutdownTimeout bounds Shutdown as a whole.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithProbeInterval sets how often registry gauges are logged at debug
// level; zero disables the probe.
func WithProbeInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.probeInterval = d
	}
}
