package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/auth"
	"github.com/rpcgate/rpcgate/internal/cache"
	"github.com/rpcgate/rpcgate/internal/circuitbreaker"
	"github.com/rpcgate/rpcgate/internal/config"
	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/ratelimit"
	"github.com/rpcgate/rpcgate/internal/router"
	"github.com/rpcgate/rpcgate/internal/server"
	"github.com/rpcgate/rpcgate/internal/session"
	"github.com/rpcgate/rpcgate/internal/storage/sqlite"
	"github.com/rpcgate/rpcgate/internal/telemetry"
	"github.com/rpcgate/rpcgate/internal/upstream"
	"github.com/rpcgate/rpcgate/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting rpcgate", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("auth key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, rpcgate.AuthKeyPrefix)
		slog.Info("auth key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Shared DNS cache for every upstream's HTTP client.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Load upstreams from storage (bootstrapped above, or added since via
	// the admin API) and register a live Upstream for each.
	upstreamConfigs, err := store.ListUpstreams(ctx)
	if err != nil {
		return err
	}
	p := pool.New()
	p.SetReorgPolicy(cfg.Server.ReorgDepth, cfg.Server.ConsensusStaleness)
	for _, uc := range upstreamConfigs {
		if !uc.Enabled {
			slog.Info("upstream skipped (disabled)", "id", uc.ID)
			continue
		}
		u, err := upstream.New(*uc, dnsResolver, 10*time.Second)
		if err != nil {
			return fmt.Errorf("upstream %q: %w", uc.ID, err)
		}
		p.Register(u)
		slog.Info("upstream registered", "id", uc.ID, "name", uc.Name, "tier", uc.Tier, "http_url", uc.HTTPURL)
	}

	// Auth.
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}

	// Rate limiting.
	limiters := ratelimit.NewRegistry()
	slog.Info("rate limits configured",
		"default_rpm", cfg.RateLimits.DefaultRPM,
		"default_burst", cfg.RateLimits.DefaultBurst,
	)

	// Circuit breaking.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	// Response cache.
	var coalescer *cache.Coalescer
	if cfg.Cache.Enabled {
		mem, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, 0)
		if cacheErr != nil {
			return cacheErr
		}
		coalescer = cache.NewCoalescer(mem)
		slog.Info("response cache enabled", "max_size", cfg.Cache.MaxSize)
	} else {
		// A disabled Memory cache still gives the router a coalescer to
		// single-flight concurrent misses on, it just never actually caches.
		mem, cacheErr := cache.NewMemory(0, 0)
		if cacheErr != nil {
			return cacheErr
		}
		coalescer = cache.NewCoalescer(mem)
	}

	// Usage and revert recorders (async batch flush to DB).
	usageRecorder := worker.NewUsageRecorder(store)
	revertRecorder := worker.NewRevertRecorder(store)
	headPoller := worker.NewHeadPoller(p)

	// Router: scoped rate limiting, failover dispatch, cache coalescing.
	rtr := router.New(p, limiters, breakers, coalescer, usageRecorder, revertRecorder, router.Config{
		MaxTries: cfg.Server.MaxTries,
		PublicLimits: ratelimit.Limits{
			Rate:          cfg.RateLimits.DefaultRPM,
			Burst:         cfg.RateLimits.DefaultBurst,
			MaxConcurrent: cfg.RateLimits.DefaultMaxConcurrent,
		},
	})

	// WebSocket transport: one-shot dispatch plus eth_subscribe fan-out.
	broker := session.NewBroker(p)
	wsHandler := session.NewHandler(rtr, broker)

	// Workers.
	workers := []worker.Worker{usageRecorder, revertRecorder, headPoller}
	workers = append(workers, worker.NewUsageRollupWorker(store))
	runner := worker.NewRunner(workers...)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("rpcgate/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Router:         rtr,
		Pool:           p,
		Store:          store,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
		MaxHeadAge:     cfg.Server.MaxHeadAge,
		Upgrader:       wsHandler,
		AdminKey:       cfg.Auth.AdminKey,
		Cache:          coalescer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := limiters.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("json-rpc surface enabled",
		"endpoints", []string{
			"POST /",
			"GET  / (websocket)",
			"POST /u/{key}",
			"GET  /u/{key} (websocket)",
		},
	)
	slog.Info("rpcgate ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers and wait for drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("rpcgate stopped")
	return nil
}
