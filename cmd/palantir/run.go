package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/cost"
	"github.com/eugener/palantir/internal/dashboard"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/gitcache"
	"github.com/eugener/palantir/internal/mux"
	"github.com/eugener/palantir/internal/pricing"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/provider/claude"
	"github.com/eugener/palantir/internal/provider/codex"
	"github.com/eugener/palantir/internal/creds"
	"github.com/eugener/palantir/internal/screen"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/subproc"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/tokensource"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting palantir", "version", version, "ops_addr", cfg.Ops.Addr)

	// Open database (guard rules + audit).
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

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Shared DNS cache for all outbound HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()
	httpClient := &http.Client{Transport: provider.NewTransport(dnsResolver)}

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
			tracer = telemetry.Tracer("palantir/core")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	runner := subproc.NewRunner()

	// Usage providers.
	registry := provider.NewRegistry()
	sources := map[string]cost.UsageSource{}
	if cfg.Providers.Claude.IsEnabled() {
		resolver := creds.NewResolver(runner)
		registry.Register(claude.New(resolver, httpClient, cfg.Dashboard.CoreTTL))
		sources["claude"] = tokensource.New("claude", cfg.Providers.Claude.TranscriptRoot, tokensource.ShapeChat)
		slog.Info("provider registered", "id", "claude", "transcripts", cfg.Providers.Claude.TranscriptRoot)
	}
	if cfg.Providers.Codex.IsEnabled() {
		registry.Register(codex.New(nil, cfg.Dashboard.CoreTTL))
		sources["codex"] = tokensource.New("codex", cfg.Providers.Codex.TranscriptRoot, tokensource.ShapeSession)
		slog.Info("provider registered", "id", "codex", "transcripts", cfg.Providers.Codex.TranscriptRoot)
	}

	// Pricing catalog + cost engine.
	catalog := pricing.NewCatalog(cfg.Pricing.CatalogURL, httpClient,
		pricing.WithTTL(cfg.Pricing.TTL),
		pricing.WithStaleMaxAge(cfg.Pricing.StaleMaxAge))
	engine := cost.NewEngine(catalog, cfg.Pricing.Enabled)
	slog.Info("pricing configured", "enabled", cfg.Pricing.Enabled,
		"ttl", cfg.Pricing.TTL, "stale_max_age", cfg.Pricing.StaleMaxAge)

	// Event hub feeding the (out-of-scope) session transport.
	hub := events.NewHub()

	// Usage dashboard.
	dash := dashboard.New(registry, engine, sources, dashboard.Options{
		CoreTTL: cfg.Dashboard.CoreTTL,
		CostTTL: cfg.Dashboard.CostTTL,
		Backoff: cfg.Dashboard.Backoff,
		Timeout: cfg.Dashboard.Timeout,
		Metrics: metrics,
		Tracer:  tracer,
		Hub:     hub,
	})

	// Git cache + screen gateway over the multiplexer.
	git := gitcache.NewCache(gitcache.NewScraper(runner), metrics)
	muxSvc := mux.NewService(runner)
	dangerGuard := screen.NewGuard(cfg.Guard.Patterns, store)
	screens := screen.NewGateway(muxSvc, dangerGuard, guardAuditor{store}, metrics, nil)

	// Session facade.
	sessions := session.NewService(git, screens, dash, hub, metrics)

	// Background pollers.
	gitPoller := worker.NewGitPoller(git, sessions, hub)
	screenPoller := worker.NewScreenPoller(muxSvc, sessions, hub)
	sessions.SetWakeFunc(gitPoller.Kick)
	workerRunner := worker.NewRunner(gitPoller, screenPoller)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- workerRunner.Run(workerCtx)
	}()

	// Ops HTTP server: health + metrics only. The session API transport
	// attaches to `sessions` and `hub` out of process scope.
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}

	srv := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready", "ops_addr", cfg.Ops.Addr, "providers", registry.List())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("palantir stopped")
	return nil
}

// guardAuditor adapts the sqlite store to the screen gateway's audit
// sink, hashing the rejected text so raw commands never persist.
type guardAuditor struct {
	store *sqlite.Store
}

func (a guardAuditor) RecordGuardAudit(ctx context.Context, entry screen.AuditEntry) error {
	return a.store.InsertGuardAudit(ctx, storageAudit(entry))
}
