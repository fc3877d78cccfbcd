package server

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/nexusdb/config"
	"github.com/arl/statsviz"
)

// DebugServer serves expvar metrics, pprof and the statsviz runtime UI. It
// is meant for a loopback address.
type DebugServer struct {
	server  *http.Server
	mux     *http.ServeMux
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewDebugServer creates and configures the debug HTTP server.
func NewDebugServer(cfg *config.DebugConfig, logger *slog.Logger) (*DebugServer, error) {
	mux := http.NewServeMux()
	logger = logger.With("component", "DebugServer")

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
	}
	if cfg.MonitorUIEnabled {
		if err := statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		); err != nil {
			return nil, fmt.Errorf("failed to register statsviz: %w", err)
		}
		logger.Info("Runtime monitor UI is available at /viz")
	}

	return &DebugServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux:    mux,
		logger: logger,
	}, nil
}

// Handler exposes the mux, e.g. for httptest.
func (s *DebugServer) Handler() http.Handler { return s.mux }

// Start serves on lis. It's a blocking call.
func (s *DebugServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Debug server listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Debug server failed", "error", err)
		return fmt.Errorf("failed to serve debug server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the debug server.
func (s *DebugServer) Stop() {
	s.logger.Info("Stopping debug server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Debug server shutdown failed", "error", err)
	} else {
		s.logger.Info("Debug server stopped gracefully.")
	}
}
