// Package dashboard maintains the tiered per-provider snapshot cache:
// a core rate-limit snapshot plus an optional cost enrichment, each with
// its own TTL, and a failure backoff window during which the last valid
// snapshot is served degraded instead of hammering the upstream.
package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cost"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/telemetry"
)

const (
	// DefaultCoreTTL bounds how long a fetched snapshot is served fresh.
	DefaultCoreTTL = 180 * time.Second
	// DefaultCostTTL bounds the cost enrichment.
	DefaultCostTTL = 180 * time.Second
	// DefaultBackoff is the retry holdoff after a fetch failure.
	DefaultBackoff = 30 * time.Second
	// DefaultTimeout bounds one provider fetch.
	DefaultTimeout = 5 * time.Second

	// errorRetryTTL is the short expiry stamped on an empty error
	// snapshot so the next access after backoff refetches promptly.
	errorRetryTTL = 5 * time.Second
)

// Options configures a Dashboard.
type Options struct {
	CoreTTL time.Duration
	CostTTL time.Duration
	Backoff time.Duration
	Timeout time.Duration
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Hub     *events.Hub
	Clock   func() time.Time
}

// SnapshotOptions tunes one snapshot read.
type SnapshotOptions struct {
	ForceRefresh   bool
	IncludeWindows bool
}

// DashboardOptions tunes one dashboard read.
type DashboardOptions struct {
	Provider     string
	ForceRefresh bool
}

// Dashboard serves provider snapshots out of the tiered cache.
type Dashboard struct {
	registry *provider.Registry
	engine   *cost.Engine
	sources  map[string]cost.UsageSource
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the per-provider cache cell. Its mutex serializes refetches
// so at most one upstream call per provider is in flight. hasValue is
// true only for prior *valid* snapshots; an error snapshot is cached for
// its short expiry but never served as a degraded prior value.
type entry struct {
	mu sync.Mutex

	snapshot  core.ProviderSnapshot
	hasValue  bool
	expiresAt time.Time

	costResult    *core.ProviderCostResult
	costExpiresAt time.Time

	backoffUntil time.Time
	failureCount int
}

// New creates a Dashboard over the registered providers. sources maps
// provider IDs to their token usage sources for cost enrichment.
func New(registry *provider.Registry, engine *cost.Engine, sources map[string]cost.UsageSource, opts Options) *Dashboard {
	if opts.CoreTTL <= 0 {
		opts.CoreTTL = DefaultCoreTTL
	}
	if opts.CostTTL <= 0 {
		opts.CostTTL = DefaultCostTTL
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Dashboard{
		registry: registry,
		engine:   engine,
		sources:  sources,
		opts:     opts,
		now:      now,
		entries:  map[string]*entry{},
	}
}

// ProviderSnapshot returns the snapshot for one provider, fetching or
// serving degraded per the cache state machine.
func (d *Dashboard) ProviderSnapshot(ctx context.Context, providerID string, opts SnapshotOptions) (core.ProviderSnapshot, error) {
	p, err := d.registry.Get(providerID)
	if err != nil {
		return core.ProviderSnapshot{}, core.WrapError(core.CodeInternal, err, "unknown provider "+providerID)
	}

	e := d.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := d.now()
	fresh := (e.hasValue || e.snapshot.Status == core.StatusError) && now.Before(e.expiresAt)

	if fresh && !opts.ForceRefresh {
		d.countCacheHit(true)
		snap := e.snapshot
		d.enrichLocked(ctx, providerID, e, &snap)
		return d.trim(snap, opts), nil
	}
	d.countCacheHit(false)

	// Inside the backoff window nothing refetches: callers get the
	// retained value degraded, or the error snapshot when none exists.
	if now.Before(e.backoffUntil) && !opts.ForceRefresh {
		if e.hasValue {
			d.markDegraded(providerID)
			snap := e.snapshot
			snap.Status = core.StatusDegraded
			snap = snap.WithIssue(core.Issue{
				Code:     core.CodeUpstreamUnavailable,
				Severity: core.SeverityWarning,
				Message:  "serving cached snapshot during failure backoff",
			})
			d.enrichLocked(ctx, providerID, e, &snap)
			return d.trim(snap, opts), nil
		}
		if e.snapshot.Status == core.StatusError {
			return e.snapshot, nil
		}
		return d.errorSnapshot(p, core.NewError(core.CodeUpstreamUnavailable, "provider unavailable, in backoff")), nil
	}

	snap, fetchErr := d.fetch(ctx, p)
	if fetchErr != nil {
		e.failureCount++
		e.backoffUntil = now.Add(d.opts.Backoff)
		if e.hasValue {
			// Recoverable: keep serving the last valid value, marked degraded, until a fetch succeeds.
			d.countFetch(providerID, "degraded")
			degraded := e.snapshot
			degraded.Status = core.StatusDegraded
			degraded = degraded.WithIssue(core.IssueFromError(fetchErr, core.SeverityWarning))
			e.snapshot = degraded
			d.enrichLocked(ctx, providerID, e, &degraded)
			return d.trim(degraded, opts), nil
		}
		d.countFetch(providerID, "error")
		errSnap := d.errorSnapshot(p, fetchErr)
		e.snapshot = errSnap
		e.hasValue = false
		e.expiresAt = now.Add(errorRetryTTL)
		return errSnap, nil
	}

	d.countFetch(providerID, "ok")
	e.snapshot = snap
	e.hasValue = true
	e.expiresAt = now.Add(d.opts.CoreTTL)
	e.backoffUntil = time.Time{}
	e.failureCount = 0
	if d.opts.Hub != nil {
		d.opts.Hub.Publish(events.NewEvent(events.TypeUsageSnapshot, map[string]any{
			"providerId": providerID,
		}))
	}

	d.enrichLocked(ctx, providerID, e, &snap)
	return d.trim(snap, opts), nil
}

// Dashboard returns snapshots for all providers (or the one selected),
// fanned out concurrently.
func (d *Dashboard) Dashboard(ctx context.Context, opts DashboardOptions) (core.Dashboard, error) {
	ids := d.registry.List()
	if opts.Provider != "" {
		ids = []string{opts.Provider}
	}

	snapshots := make([]core.ProviderSnapshot, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			snap, err := d.ProviderSnapshot(gctx, id, SnapshotOptions{
				ForceRefresh:   opts.ForceRefresh,
				IncludeWindows: true,
			})
			if err != nil {
				return err
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return core.Dashboard{}, err
	}
	return core.Dashboard{Providers: snapshots, FetchedAt: d.now().UTC()}, nil
}

func (d *Dashboard) fetch(ctx context.Context, p provider.UsageProvider) (core.ProviderSnapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	if d.opts.Tracer != nil {
		var span trace.Span
		fetchCtx, span = d.opts.Tracer.Start(fetchCtx, "dashboard.fetch."+p.ID())
		defer span.End()
	}

	start := d.now()
	snap, err := p.FetchUsage(fetchCtx)
	if d.opts.Metrics != nil {
		d.opts.Metrics.ProviderFetchSecs.WithLabelValues(p.ID()).Observe(d.now().Sub(start).Seconds())
	}
	if err != nil {
		slog.Warn("provider fetch failed", "provider", p.ID(), "err", err)
		return core.ProviderSnapshot{}, err
	}
	if snap.StaleAt.IsZero() {
		snap.StaleAt = d.now().Add(d.opts.CoreTTL)
	}
	return snap, nil
}

// enrichLocked attaches the cost tier, recomputing it past its TTL. The
// entry lock is held by the caller. Cost computation never fails; its
// failure modes are encoded in the result itself.
func (d *Dashboard) enrichLocked(ctx context.Context, providerID string, e *entry, snap *core.ProviderSnapshot) {
	if d.engine == nil {
		return
	}
	source, ok := d.sources[providerID]
	if !ok {
		return
	}
	now := d.now()
	if e.costResult == nil || !now.Before(e.costExpiresAt) {
		result := d.engine.Compute(ctx, providerID, source)
		e.costResult = &result
		e.costExpiresAt = now.Add(d.opts.CostTTL)
	}
	snap.Billing.Cost = e.costResult
	if e.costResult.Source == core.CostUnavailable && e.costResult.ReasonCode != core.CodePricingNotConfigured {
		*snap = snap.WithIssue(core.Issue{
			Code:     e.costResult.ReasonCode,
			Severity: core.SeverityWarning,
			Message:  e.costResult.ReasonMessage,
		})
	}
}

func (d *Dashboard) errorSnapshot(p provider.UsageProvider, err error) core.ProviderSnapshot {
	now := d.now().UTC()
	return core.ProviderSnapshot{
		ProviderID:    p.ID(),
		ProviderLabel: p.Label(),
		Windows:       []core.UsageMetricWindow{},
		Capabilities:  core.ProviderCapabilities{},
		Status:        core.StatusError,
		Issues:        []core.Issue{core.IssueFromError(err, core.SeverityError)},
		FetchedAt:     now,
		StaleAt:       now.Add(errorRetryTTL),
	}
}

func (d *Dashboard) trim(snap core.ProviderSnapshot, opts SnapshotOptions) core.ProviderSnapshot {
	if !opts.IncludeWindows {
		snap.Windows = nil
	}
	return snap
}

func (d *Dashboard) entry(providerID string) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[providerID]
	if !ok {
		e = &entry{}
		d.entries[providerID] = e
	}
	return e
}

func (d *Dashboard) countFetch(providerID, outcome string) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.ProviderFetches.WithLabelValues(providerID, outcome).Inc()
	}
}

func (d *Dashboard) countCacheHit(hit bool) {
	if d.opts.Metrics == nil {
		return
	}
	if hit {
		d.opts.Metrics.SnapshotCacheHits.Inc()
	} else {
		d.opts.Metrics.SnapshotCacheMisses.Inc()
	}
}

func (d *Dashboard) markDegraded(providerID string) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.DegradedServes.WithLabelValues(providerID).Inc()
	}
}
