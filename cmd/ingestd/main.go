package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/warfeedhq/ingest/internal/config"
	"github.com/warfeedhq/ingest/internal/consumer"
	"github.com/warfeedhq/ingest/internal/cursor"
	"github.com/warfeedhq/ingest/internal/dispatch"
	"github.com/warfeedhq/ingest/internal/health"
	"github.com/warfeedhq/ingest/internal/logging"
	"github.com/warfeedhq/ingest/internal/metrics"
	"github.com/warfeedhq/ingest/internal/normalize"
	"github.com/warfeedhq/ingest/internal/poller"
	"github.com/warfeedhq/ingest/internal/registry"
	"github.com/warfeedhq/ingest/internal/remote"
	"github.com/warfeedhq/ingest/internal/shutdown"
	"github.com/warfeedhq/ingest/internal/tracing"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)

	logger.Info().Str("version", version).Msg("Starting ingestion engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sd := shutdown.New(30*time.Second, logger)

	// Tracing
	tracer, err := tracing.NewProvider(ctx, tracingConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	sd.Register("tracing", tracer.Shutdown)

	// Metrics
	collector := metrics.NewCollector()

	// Registry and sources file
	reg := registry.New(logger, collector)
	watcher := registry.NewWatcher(cfg.SourcesFile, reg, logger)
	if err := watcher.LoadOnce(); err != nil {
		return fmt.Errorf("failed to load sources: %w", err)
	}

	// Cursor store
	cursors, err := cursor.NewStore(cfg.Cursor.Dir)
	if err != nil {
		return fmt.Errorf("failed to open cursor store: %w", err)
	}

	// Remote session pool
	dialer := remote.NewSFTPDialer(cfg.Pool.DialTimeout.Std(), logger)
	pool := remote.NewPool(dialer, remote.PoolConfig{
		MaxSessions:    int64(cfg.Pool.MaxSessions),
		AcquireTimeout: cfg.Pool.AcquireTimeout.Std(),
		ReadsPerSecond: cfg.Pool.HostReadsPerSecond,
	}, logger, collector)
	sd.Register("transports", func(context.Context) error { return dialer.Close() })

	// Consumers and dispatcher
	sink, err := consumer.NewFromConfig(cfg.Consumers, logger)
	if err != nil {
		return fmt.Errorf("failed to build consumers: %w", err)
	}
	sd.Register("consumers", func(context.Context) error { return sink.Close() })

	disp := dispatch.New(reg, sink, dispatch.Config{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		InitialBackoff: cfg.Dispatch.InitialBackoff.Std(),
		MaxBackoff:     cfg.Dispatch.MaxBackoff.Std(),
	}, logger, collector)

	// Poll engine
	engine := poller.New(poller.Config{
		Interval:          cfg.Poll.Interval.Std(),
		Jitter:            cfg.Poll.Jitter.Std(),
		DegradedInterval:  cfg.Poll.DegradedInterval.Std(),
		DegradedAfter:     cfg.Poll.DegradedAfter,
		Workers:           cfg.Poll.Workers,
		ChunkSize:         cfg.Poll.ChunkSize,
		MaxBatchBytes:     cfg.Poll.MaxBatchBytes,
		ReadTimeout:       cfg.Pool.ReadTimeout.Std(),
		BackoffInitial:    cfg.Poll.Backoff.Initial.Std(),
		BackoffMax:        cfg.Poll.Backoff.Max.Std(),
		BackoffMultiplier: cfg.Poll.Backoff.Multiplier,
	}, reg, cursors, pool, normalize.New(), disp, logger, collector, tracer.Tracer())

	watcher.OnChange = func(added, removed []string) {
		engine.Kick(added)
		engine.Forget(removed)
		if len(removed) > 0 {
			if swept, err := cursors.Sweep(knownSources(reg), cfg.Cursor.Retention.Std()); err == nil && len(swept) > 0 {
				logger.Info().Strs("sources", swept).Msg("stale cursors removed")
			}
		}
	}

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("sources watcher stopped")
		}
	}()

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("poll engine stopped")
		}
	}()
	sd.Register("poller", func(context.Context) error {
		cancel()
		return nil
	})

	// Metrics endpoint
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux := http.NewServeMux()
		mux.Handle(path, collector.Handler())
		startHTTP(cfg.Metrics.Address, mux, "metrics", logger, sd)
	}

	// Health endpoint
	if cfg.Health != nil && cfg.Health.Enabled {
		checker := health.NewChecker(5*time.Second, reg)
		checker.Register("cursor_store", health.CheckFunc(func() (bool, string) {
			if _, err := os.Stat(cfg.Cursor.Dir); err != nil {
				return false, err.Error()
			}
			return true, ""
		}))
		startHTTP(cfg.Health.Address, checker.Handler(), "health", logger, sd)
	}

	logger.Info().
		Int("sources", len(reg.Active())).
		Int("consumers", len(cfg.Consumers)).
		Msg("engine running")

	sd.WaitForSignal()
	return nil
}

func startHTTP(addr string, handler http.Handler, name string, logger *logging.Logger, sd *shutdown.Manager) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		logger.Info().Str("address", addr).Str("server", name).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("server", name).Msg("http server failed")
		}
	}()
	sd.Register(name, srv.Shutdown)
}

func tracingConfig(cfg *config.Config) tracing.Config {
	if cfg.Tracing == nil {
		return tracing.Config{}
	}
	return tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
	}
}

func knownSources(reg *registry.Registry) map[string]bool {
	known := make(map[string]bool)
	for _, s := range reg.Active() {
		known[s.ID] = true
	}
	return known
}
