package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/INLOpen/nexusdb/config"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// AppServer manages all network-facing servers: the gRPC and HTTP APIs and
// the debug server, plus the system collector.
type AppServer struct {
	grpcLis   net.Listener
	httpLis   net.Listener
	debugLis  net.Listener
	grpc      *GRPCServer
	http      *HTTPServer
	debug     *DebugServer
	collector *SystemCollector
	pool      *WorkerPool
	cfg       *config.Config
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Listeners lets callers supply listeners instead of the configured ports.
// A nil listener means "listen on the configured port, if any".
type Listeners struct {
	GRPC  net.Listener
	HTTP  net.Listener
	Debug net.Listener
}

// NewAppServer creates the servers and opens the configured ports.
func NewAppServer(svc *Service, authn auth.Authenticator, pool *WorkerPool, collector *SystemCollector, cfg *config.Config, logger *slog.Logger) (*AppServer, error) {
	return NewAppServerWithListeners(svc, authn, pool, collector, cfg, logger, Listeners{})
}

// NewAppServerWithListeners is NewAppServer with injected listeners, used by
// tests to serve over bufconn or port 0.
func NewAppServerWithListeners(svc *Service, authn auth.Authenticator, pool *WorkerPool, collector *SystemCollector, cfg *config.Config, logger *slog.Logger, lis Listeners) (_ *AppServer, err error) {
	s := &AppServer{
		cfg:       cfg,
		logger:    logger.With("component", "AppServer"),
		pool:      pool,
		collector: collector,
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			s.cancel()
			s.closeListeners()
		}
	}()

	s.grpcLis, err = listenOr(lis.GRPC, cfg.Server.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
	}
	if s.grpcLis != nil {
		s.grpc, err = NewGRPCServer(svc, &cfg.Server, NewAuthInterceptor(authn, logger), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC server: %w", err)
		}
	} else {
		s.logger.Info("gRPC server is disabled (port is 0 or not configured).")
	}

	s.httpLis, err = listenOr(lis.HTTP, cfg.Server.HTTPPort)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on HTTP port %d: %w", cfg.Server.HTTPPort, err)
	}
	if s.httpLis != nil {
		s.http = NewHTTPServer(svc, authn, logger)
	} else {
		s.logger.Info("HTTP API is disabled (port is 0 or not configured).")
	}

	if cfg.Debug.Enabled {
		s.debugLis = lis.Debug
		if s.debugLis == nil && cfg.Debug.ListenAddress != "" {
			s.debugLis, err = net.Listen("tcp", cfg.Debug.ListenAddress)
			if err != nil {
				return nil, fmt.Errorf("failed to listen on debug address %s: %w", cfg.Debug.ListenAddress, err)
			}
		}
		if s.debugLis != nil {
			s.debug, err = NewDebugServer(&cfg.Debug, logger)
			if err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// listenOr returns given, or a listener on port when port is positive.
func listenOr(given net.Listener, port int) (net.Listener, error) {
	if given != nil {
		return given, nil
	}
	if port <= 0 {
		return nil, nil
	}
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

func (s *AppServer) closeListeners() {
	for _, l := range []net.Listener{s.grpcLis, s.httpLis, s.debugLis} {
		if l != nil {
			l.Close()
		}
	}
}

// GRPCAddr returns the gRPC listen address, or nil when disabled.
func (s *AppServer) GRPCAddr() net.Addr {
	if s.grpcLis == nil {
		return nil
	}
	return s.grpcLis.Addr()
}

// HTTPAddr returns the HTTP listen address, or nil when disabled.
func (s *AppServer) HTTPAddr() net.Addr {
	if s.httpLis == nil {
		return nil
	}
	return s.httpLis.Addr()
}

// Start runs all configured servers in parallel. It blocks until all servers
// stop, either through Stop or because one of them failed.
func (s *AppServer) Start() error {
	defer close(s.done)
	if s.grpc == nil && s.http == nil {
		s.logger.Error("No servers to start.")
		s.closeListeners()
		return nil
	}

	g, appCtx := errgroup.WithContext(s.ctx)
	shutdownTimeout := config.ParseDuration(s.cfg.Server.ShutdownTimeout, 10*time.Second, s.logger)

	if s.pool != nil {
		s.pool.Start()
	}
	if s.collector != nil {
		s.collector.Start()
	}

	if s.grpc != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.logger.Info("Context cancelled, stopping gRPC server...")
				s.grpc.Stop()
			}()
			return s.grpc.Start(s.grpcLis)
		})
	}
	if s.http != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.http.Stop(shutdownTimeout)
			}()
			return s.http.Start(s.httpLis)
		})
	}
	if s.debug != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.debug.Stop()
			}()
			return s.debug.Start(s.debugLis)
		})
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	err := g.Wait()

	// Stop the worker pool after the servers so in-flight statements finish.
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.collector != nil {
		s.collector.Stop()
	}

	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// Stop gracefully shuts down all servers. It may be called before Start.
func (s *AppServer) Stop() {
	s.cancel()
}

// Done is closed when Start has returned.
func (s *AppServer) Done() <-chan struct{} { return s.done }
