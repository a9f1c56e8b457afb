// Package tokensource streams agent transcript JSONL files under a
// sandboxed root and aggregates per-model token counters into today /
// last-30-days / per-day windows. Results are cached in-process for a
// short TTL so repeated cost computations do not re-walk the tree.
package tokensource

import (
	"bufio"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cache"
)

const (
	// resultTTL caches the aggregated scan result.
	resultTTL = 60 * time.Second
	// windowDays is the long aggregation window (today plus 29 prior days).
	windowDays = 30
	// maxLineBytes bounds a single transcript line.
	maxLineBytes = 1 << 20
)

// Shape selects the transcript schema of a provider.
type Shape string

const (
	// ShapeChat is the chat-transcript schema: one usage-bearing message
	// record per line, de-duplicated by (message.id, requestId).
	ShapeChat Shape = "chat"
	// ShapeSession is the session schema: ordered events with cumulative
	// token_count snapshots and turn_context model switches.
	ShapeSession Shape = "session"
)

// Source scans one provider's transcript root.
type Source struct {
	provider string
	root     string
	shape    Shape
	results  *cache.Memory[core.TokenUsageResult]
	now      func() time.Time
}

// Option tunes a Source.
type Option func(*Source)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// New creates a Source for provider reading .jsonl files under root.
func New(provider, root string, shape Shape, opts ...Option) *Source {
	results, _ := cache.NewMemory[core.TokenUsageResult](4, resultTTL)
	s := &Source{
		provider: provider,
		root:     root,
		shape:    shape,
		results:  results,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Usage returns the aggregated token usage, serving the cached result
// when it is younger than the cache TTL.
func (s *Source) Usage(ctx context.Context) (core.TokenUsageResult, error) {
	if cached, ok := s.results.Get(s.provider); ok {
		return cached, nil
	}
	result, err := s.scan(ctx)
	if err != nil {
		return core.TokenUsageResult{}, err
	}
	s.results.Set(s.provider, result, resultTTL)
	return result, nil
}

// Invalidate drops the cached result, forcing the next Usage to re-scan.
func (s *Source) Invalidate() {
	s.results.Delete(s.provider)
}

func (s *Source) scan(ctx context.Context) (core.TokenUsageResult, error) {
	rootReal, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return core.TokenUsageResult{}, core.WrapError(core.CodeCostSourceUnavailable, err, "token source root unavailable: "+s.root)
	}

	now := s.now().UTC()
	agg := newAggregator(now)

	walkErr := filepath.WalkDir(rootReal, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil // symlinks are never followed
		}
		if !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		if !s.pathInSandbox(rootReal, path) {
			slog.Warn("transcript escapes sandbox root, skipped", "path", path)
			return nil
		}
		s.scanFile(path, agg)
		return nil
	})
	if walkErr != nil {
		return core.TokenUsageResult{}, core.WrapError(core.CodeCostSourceUnavailable, walkErr, "token source walk failed")
	}

	return core.TokenUsageResult{Models: agg.models(), FetchedAt: now}, nil
}

// pathInSandbox verifies the realpath of path stays under the realpath
// of the root.
func (s *Source) pathInSandbox(rootReal, path string) bool {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootReal, real)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// scanFile parses one transcript line by line. Malformed lines are
// skipped individually; a broken file never aborts the aggregate.
func (s *Source) scanFile(path string, agg *aggregator) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	switch s.shape {
	case ShapeSession:
		st := newSessionState()
		for scanner.Scan() {
			parseSessionLine(scanner.Bytes(), st, agg)
		}
	default:
		for scanner.Scan() {
			parseChatLine(scanner.Bytes(), agg)
		}
	}
}

// --- aggregation ---

type modelAgg struct {
	today  core.TokenCounters
	last30 core.TokenCounters
	daily  map[string]core.TokenCounters
}

type aggregator struct {
	todayStart  time.Time
	windowStart time.Time
	perModel    map[string]*modelAgg
	// dedup tracks (message.id, requestId) pairs for the chat shape.
	dedup map[string]bool
}

func newAggregator(now time.Time) *aggregator {
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return &aggregator{
		todayStart:  todayStart,
		windowStart: todayStart.AddDate(0, 0, -(windowDays - 1)),
		perModel:    map[string]*modelAgg{},
		dedup:       map[string]bool{},
	}
}

// add buckets one usage delta. Events before the 30-day window start are
// discarded.
func (a *aggregator) add(model string, at time.Time, delta core.TokenCounters) {
	if model == "" || delta.IsZero() {
		return
	}
	at = at.UTC()
	if at.Before(a.windowStart) {
		return
	}
	delta = delta.Normalize()

	m := a.perModel[model]
	if m == nil {
		m = &modelAgg{daily: map[string]core.TokenCounters{}}
		a.perModel[model] = m
	}
	m.last30 = m.last30.Add(delta)
	if !at.Before(a.todayStart) {
		m.today = m.today.Add(delta)
	}
	day := at.Format("2006-01-02")
	m.daily[day] = m.daily[day].Add(delta)
}

// seen records a dedup key, reporting whether it was already present.
func (a *aggregator) seen(key string) bool {
	if a.dedup[key] {
		return true
	}
	a.dedup[key] = true
	return false
}

// models renders the aggregate, dropping models with no tokens in any
// window and sorting daily buckets ascending by date.
func (a *aggregator) models() []core.ModelUsage {
	ids := make([]string, 0, len(a.perModel))
	for id := range a.perModel {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]core.ModelUsage, 0, len(ids))
	for _, id := range ids {
		m := a.perModel[id]
		if m.today.TotalTokens == 0 && m.last30.TotalTokens == 0 {
			continue
		}
		days := make([]string, 0, len(m.daily))
		for day := range m.daily {
			days = append(days, day)
		}
		sort.Strings(days)
		daily := make([]core.DailyTokens, 0, len(days))
		for _, day := range days {
			daily = append(daily, core.DailyTokens{Date: day, Counters: m.daily[day]})
		}
		out = append(out, core.ModelUsage{
			ModelID:    id,
			Today:      m.today,
			Last30Days: m.last30,
			Daily:      daily,
		})
	}
	return out
}
