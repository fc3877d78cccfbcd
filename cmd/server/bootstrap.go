package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/compressors"
	"github.com/INLOpen/nexusdb/config"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/engine"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/INLOpen/nexusdb/hooks/listeners"
	"github.com/INLOpen/nexusdb/levels"
	"github.com/INLOpen/nexusdb/query"
	"github.com/INLOpen/nexusdb/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/dig"
)

// buildContainer provides every component of the server. Construction is
// lazy: nothing is opened until a component is requested by Invoke.
func buildContainer(cfg *config.Config, logger *slog.Logger) (*dig.Container, error) {
	container := dig.New()
	constructors := []interface{}{
		func() *config.Config { return cfg },
		func() *slog.Logger { return logger },
		newTracerProvider,
		newEngine,
		newCatalog,
		newExecutor,
		newAuthenticator,
		newWorkerPool,
		newSystemCollector,
		newService,
		newAppServer,
		newEventPublisher,
	}
	for _, c := range constructors {
		if err := container.Provide(c); err != nil {
			return nil, err
		}
	}
	return container, nil
}

// run starts the server and blocks until quit fires or a server fails. The
// engine is closed after all servers have stopped.
func run(cfg *config.Config, logger *slog.Logger, quit <-chan os.Signal) error {
	container, err := buildContainer(cfg, logger)
	if err != nil {
		return err
	}
	return container.Invoke(func(app *server.AppServer, e *engine.Engine, x *query.Executor, pub *listeners.EventPublisher, tp *sdktrace.TracerProvider) error {
		registerListeners(e.HookManager(), cfg, pub, logger)
		defer shutdownTracer(tp, logger)
		if pub != nil {
			defer pub.Close()
		}
		// Closing the engine waits for async listeners, so it runs before the
		// publisher is closed.
		defer func() {
			if err := e.Close(); err != nil {
				logger.Error("Failed to close storage engine", "error", err)
			}
		}()

		serverErrChan := make(chan error, 1)
		go func() {
			serverErrChan <- app.Start()
		}()
		logger.Info("Application running. Press Ctrl+C to exit.", "instance_id", e.InstanceID())

		select {
		case err := <-serverErrChan:
			return err
		case <-quit:
			logger.Info("Shutdown signal received. Stopping server...")
			app.Stop()
			// Servers first, then the engine, so in-flight statements can finish.
			return <-serverErrChan
		}
	})
}

// registerListeners attaches the built-in hook listeners to the engine's
// hook manager, which the executor shares.
func registerListeners(hm hooks.HookManager, cfg *config.Config, pub *listeners.EventPublisher, logger *slog.Logger) {
	hm.Register(hooks.EventPostCompaction, listeners.NewWriteAmplificationListener(logger))
	threshold := config.ParseDuration(cfg.Logging.SlowStatementThreshold, 0, logger)
	if threshold > 0 {
		hm.Register(hooks.EventPostStatement, listeners.NewSlowStatementListener(threshold, logger))
	}
	hm.Register(hooks.EventPostStatement, listeners.NewSchemaAuditListener(logger))
	if pub != nil {
		pub.Register(hm)
	}
}

// newTracerProvider creates the TracerProvider. With tracing disabled it has
// no exporter, so spans are dropped.
func newTracerProvider(cfg *config.Config, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), nil
	}
	logger.Info("Initializing distributed tracing...", "protocol", tc.Protocol, "endpoint", tc.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(tc.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(tc.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(tc.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, fmt.Errorf("unsupported tracing protocol: %q", tc.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexusdb")))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func shutdownTracer(tp *sdktrace.TracerProvider, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down tracer provider", "error", err)
	}
}

func newEngine(cfg *config.Config, logger *slog.Logger, tp *sdktrace.TracerProvider) (*engine.Engine, error) {
	ec := cfg.Engine
	compressor, err := compressors.ForName(ec.SSTable.Compression)
	if err != nil {
		return nil, err
	}
	fallback, err := levels.ParseFallbackStrategy(strings.ToLower(ec.Compaction.FallbackStrategy))
	if err != nil {
		return nil, err
	}
	e, err := engine.Open(engine.Options{
		DataDir:                      ec.DataDir,
		MemtableThreshold:            ec.Memtable.SizeThresholdBytes,
		MemtableFlushInterval:        config.ParseDuration(ec.Memtable.FlushInterval, 0, logger),
		BlockCacheCapacity:           ec.Cache.BlockCacheCapacityBytes,
		SSTableBlockSize:             ec.SSTable.BlockSizeBytes,
		BloomFilterFalsePositiveRate: ec.SSTable.BloomFilterFPRate,
		SSTableCompressor:            compressor,
		TargetSSTableSize:            ec.Compaction.TargetSSTableSizeBytes,
		MaxLevels:                    ec.Compaction.MaxLevels,
		MaxL0Files:                   ec.Compaction.L0TriggerFileCount,
		L0CompactionTriggerSize:      ec.Compaction.L0TriggerSizeBytes,
		BaseTargetSize:               ec.Compaction.BaseTargetSizeBytes,
		LevelsTargetSizeMultiplier:   ec.Compaction.LevelsSizeMultiplier,
		CompactionInterval:           config.ParseDuration(ec.Compaction.CheckInterval, engine.DefaultCompactionInterval, logger),
		CompactionFallbackStrategy:   fallback,
		CompactionTombstoneWeight:    ec.Compaction.TombstoneWeight,
		CompactionOverlapWeight:      ec.Compaction.OverlapPenaltyWeight,
		DisableAutoCompaction:        ec.Compaction.Disabled,
		WALSyncMode:                  core.WALSyncMode(strings.ToLower(ec.WAL.SyncMode)),
		WALSyncInterval:              config.ParseDuration(ec.WAL.SyncInterval, engine.DefaultWALSyncInterval, logger),
		WALMaxSegmentSize:            ec.WAL.MaxSegmentSizeBytes,
		WALPreallocate:               ec.WAL.Preallocate,
		MinFreeDiskBytes:             ec.MinFreeDiskBytes,
		LockTimeout:                  config.ParseDuration(ec.LockTimeout, engine.DefaultLockTimeout, logger),
		Metrics:                      engine.NewEngineMetrics(true, "engine_"),
		TracerProvider:               tp,
		Logger:                       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage engine: %w", err)
	}
	return e, nil
}

func newCatalog(cfg *config.Config, logger *slog.Logger) (*catalog.Catalog, error) {
	return catalog.Open(cfg.Engine.DataDir, logger)
}

func newExecutor(e *engine.Engine, cat *catalog.Catalog, logger *slog.Logger, tp *sdktrace.TracerProvider) (*query.Executor, error) {
	return query.NewExecutor(query.Options{
		Storage:        e,
		Catalog:        cat,
		Logger:         logger,
		HookManager:    e.HookManager(),
		TracerProvider: tp,
	})
}

func newAuthenticator(cfg *config.Config, logger *slog.Logger) (auth.Authenticator, error) {
	if !cfg.Security.Enabled {
		logger.Warn("Authentication is disabled.")
		return auth.NewNonAuthenticator(), nil
	}
	return auth.NewAuthenticator(cfg.Security.UserFilePath, logger)
}

func newWorkerPool(cfg *config.Config, logger *slog.Logger) *server.WorkerPool {
	workers := cfg.Server.StatementWorkers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	return server.NewWorkerPool(workers, cfg.Server.StatementQueueSize, logger)
}

// newSystemCollector returns nil when the monitor is disabled.
func newSystemCollector(cfg *config.Config, logger *slog.Logger) *server.SystemCollector {
	if !cfg.SystemMonitor.Enabled {
		return nil
	}
	interval := config.ParseDuration(cfg.SystemMonitor.Interval, 15*time.Second, logger)
	return server.NewSystemCollector(cfg.Engine.DataDir, interval, logger)
}

func newService(x *query.Executor, e *engine.Engine, authn auth.Authenticator, pool *server.WorkerPool, collector *server.SystemCollector, logger *slog.Logger) (*server.Service, error) {
	return server.NewService(server.ServiceOptions{
		Runner:        x,
		Storage:       e,
		Authenticator: authn,
		Pool:          pool,
		Collector:     collector,
		Logger:        logger,
	})
}

func newAppServer(svc *server.Service, authn auth.Authenticator, pool *server.WorkerPool, collector *server.SystemCollector, cfg *config.Config, logger *slog.Logger) (*server.AppServer, error) {
	return server.NewAppServer(svc, authn, pool, collector, cfg, logger)
}

// newEventPublisher returns nil when events are disabled.
func newEventPublisher(cfg *config.Config, logger *slog.Logger) (*listeners.EventPublisher, error) {
	if !cfg.Events.Enabled {
		return nil, nil
	}
	return listeners.NewEventPublisher(context.Background(), cfg.Events.Endpoint, logger)
}
