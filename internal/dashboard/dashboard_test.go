package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cost"
	"github.com/eugener/palantir/internal/provider"
)

// fakeProvider scripts fetch outcomes.
type fakeProvider struct {
	id      string
	fetches atomic.Int64
	mu      sync.Mutex
	err     error
}

func (f *fakeProvider) ID() string    { return f.id }
func (f *fakeProvider) Label() string { return f.id }

func (f *fakeProvider) FetchUsage(context.Context) (core.ProviderSnapshot, error) {
	n := f.fetches.Add(1)
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return core.ProviderSnapshot{}, err
	}
	u := float64(n)
	return core.ProviderSnapshot{
		ProviderID:    f.id,
		ProviderLabel: f.id,
		Windows: []core.UsageMetricWindow{{
			ID: core.WindowSession, Title: "Session", UtilizationPercent: &u,
		}},
		Status:    core.StatusOK,
		Issues:    []core.Issue{},
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeProvider) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newDashboard(t *testing.T, p *fakeProvider) (*Dashboard, *clock) {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(p)
	clk := &clock{now: time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC)}
	d := New(reg, nil, nil, Options{
		CoreTTL: 180 * time.Second,
		Backoff: 30 * time.Second,
		Clock:   clk.Now,
	})
	return d, clk
}

func TestSnapshot_CachedWithinTTL(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{id: "claude"}
	d, clk := newDashboard(t, p)
	ctx := context.Background()
	opts := SnapshotOptions{IncludeWindows: true}

	first, err := d.ProviderSnapshot(ctx, "claude", opts)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(60 * time.Second)
	second, err := d.ProviderSnapshot(ctx, "claude", opts)
	if err != nil {
		t.Fatal(err)
	}
	if p.fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1 (cache hit)", p.fetches.Load())
	}
	if *first.Windows[0].UtilizationPercent != *second.Windows[0].UtilizationPercent {
		t.Error("cached snapshot should be identical")
	}
}

func TestSnapshot_RefetchOnExpiry(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{id: "claude"}
	d, clk := newDashboard(t, p)
	ctx := context.Background()
	opts := SnapshotOptions{IncludeWindows: true}

	d.ProviderSnapshot(ctx, "claude", opts)
	clk.Advance(181 * time.Second)
	d.ProviderSnapshot(ctx, "claude", opts)
	if p.fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2", p.fetches.Load())
	}
}

func TestSnapshot_ForceRefresh(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{id: "claude"}
	d, _ := newDashboard(t, p)
	ctx := context.Background()

	d.ProviderSnapshot(ctx, "claude", SnapshotOptions{})
	d.ProviderSnapshot(ctx, "claude", SnapshotOptions{ForceRefresh: true})
	if p.fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2", p.fetches.Load())
	}
}

func TestSnapshot_DegradedRetainsValue(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{id: "claude"}
	d, clk := newDashboard(t, p)
	ctx := context.Background()
	opts := SnapshotOptions{IncludeWindows: true}

	good, err := d.ProviderSnapshot(ctx, "claude", opts)
	if err != nil {
		t.Fatal(err)
	}

	p.setErr(core.NewError(core.CodeUpstreamUnavailable, "endpoint down"))
	clk.Advance(181 * time.Second)

	degraded, err := d.ProviderSnapshot(ctx, "claude", opts)
	if err != nil {
		t.Fatal(err)
	}
	if degraded.Status != core.StatusDegraded {
		t.Fatalf("status = %q, want degraded", degraded.Status)
	}
	if *degraded.Windows[0].UtilizationPercent != *good.Windows[0].UtilizationPercent {
		t.Error("degraded snapshot must retain the prior value")
	}
	if len(degraded.Issues) != 1 || degraded.Issues[0].Severity != core.SeverityWarning {
		t.Errorf("issues = %+v, want one warning", degraded.Issues)
	}

	// Within the backoff window: no new fetch, still degraded.
	before := p.fetches.Load()
	again, err := d.ProviderSnapshot(ctx, "claude", opts)
	if err != nil {
		t.Fatal(err)
	}
	if p.fetches.Load() != before {
		t.Error("no fetch may happen inside the backoff window")
	}
	if again.Status != core.StatusDegraded {
		t.Errorf("status = %q", again.Status)
	}
	// Repeated degraded serves do not pile up duplicate issues.
	if len(again.Issues) != 2 { // fetch-failure issue + backoff-serve issue
		t.Errorf("issues = %+v", again.Issues)
	}

	// Past the backoff window with the upstream recovered: fresh again.
	p.setErr(nil)
	clk.Advance(31 * time.Second)
	recovered, err := d.ProviderSnapshot(ctx, "claude", opts)
	if err != nil {
		t.Fatal(err)
	}
	if recovered.Status != core.StatusOK {
		t.Errorf("status = %q, want ok after recovery", recovered.Status)
	}
	if len(recovered.Issues) != 0 {
		t.Errorf("issues = %+v, want cleared", recovered.Issues)
	}
}

func TestSnapshot_FirstFetchFailure(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{id: "claude"}
	p.setErr(core.NewError(core.CodeUpstreamUnavailable, "down"))
	d, _ := newDashboard(t, p)

	snap, err := d.ProviderSnapshot(context.Background(), "claude", SnapshotOptions{IncludeWindows: true})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != core.StatusError {
		t.Fatalf("status = %q, want error", snap.Status)
	}
	if len(snap.Windows) != 0 {
		t.Error("error snapshot must be empty")
	}
	if len(snap.Issues) != 1 || snap.Issues[0].Severity != core.SeverityError {
		t.Errorf("issues = %+v, want one error-severity issue", snap.Issues)
	}
}

func TestDashboard_FanOut(t *testing.T) {
	t.Parallel()
	a := &fakeProvider{id: "claude"}
	b := &fakeProvider{id: "codex"}
	reg := provider.NewRegistry()
	reg.Register(a)
	reg.Register(b)
	d := New(reg, nil, nil, Options{})

	dash, err := d.Dashboard(context.Background(), DashboardOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(dash.Providers) != 2 {
		t.Fatalf("providers = %d", len(dash.Providers))
	}
	if dash.Providers[0].ProviderID != "claude" || dash.Providers[1].ProviderID != "codex" {
		t.Errorf("order = %s,%s", dash.Providers[0].ProviderID, dash.Providers[1].ProviderID)
	}
}

// countingSource counts how often the cost tier actually recomputes.
type countingSource struct {
	calls atomic.Int64
}

func (s *countingSource) Usage(context.Context) (core.TokenUsageResult, error) {
	s.calls.Add(1)
	return core.TokenUsageResult{}, core.NewError(core.CodeCostSourceUnavailable, "no transcripts")
}

func TestSnapshot_CostTierHasOwnTTL(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{id: "codex"}
	reg := provider.NewRegistry()
	reg.Register(p)

	src := &countingSource{}
	clk := &clock{now: time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC)}
	d := New(reg, cost.NewEngine(stubCatalog{}, true), map[string]cost.UsageSource{"codex": src},
		Options{CoreTTL: 10 * time.Second, CostTTL: 60 * time.Second, Clock: clk.Now})
	ctx := context.Background()
	opts := SnapshotOptions{IncludeWindows: true}

	d.ProviderSnapshot(ctx, "codex", opts)
	clk.Advance(11 * time.Second) // core expires, cost does not
	d.ProviderSnapshot(ctx, "codex", opts)
	if src.calls.Load() != 1 {
		t.Errorf("cost computations = %d, want 1 (cost TTL outlives core TTL)", src.calls.Load())
	}

	clk.Advance(60 * time.Second)
	snap, err := d.ProviderSnapshot(ctx, "codex", opts)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls.Load() != 2 {
		t.Errorf("cost computations = %d, want 2 after cost expiry", src.calls.Load())
	}
	// An unavailable cost (other than not-configured) surfaces as a warning.
	found := false
	for _, issue := range snap.Issues {
		if issue.Code == core.CodeCostSourceUnavailable && issue.Severity == core.SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("issues = %+v, want COST_SOURCE_UNAVAILABLE warning", snap.Issues)
	}
}

type stubCatalog struct{}

func (stubCatalog) Lookup(context.Context, string, string) (core.ModelPriceQuote, error) {
	return core.ModelPriceQuote{}, core.NewWarning(core.CodeModelMappingMissing, "none")
}

func TestSnapshot_CostEnrichment(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{id: "codex"}
	reg := provider.NewRegistry()
	reg.Register(p)

	engine := cost.NewEngine(nil, false) // not configured -> unavailable
	sources := map[string]cost.UsageSource{"codex": nil}
	d := New(reg, engine, sources, Options{})

	snap, err := d.ProviderSnapshot(context.Background(), "codex", SnapshotOptions{IncludeWindows: true})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Billing.Cost == nil {
		t.Fatal("cost enrichment missing")
	}
	if snap.Billing.Cost.Source != core.CostUnavailable || snap.Billing.Cost.ReasonCode != core.CodePricingNotConfigured {
		t.Errorf("cost = %+v", snap.Billing.Cost)
	}
	// PRICING_NOT_CONFIGURED is an expected state, not an issue.
	if len(snap.Issues) != 0 {
		t.Errorf("issues = %+v", snap.Issues)
	}
}
