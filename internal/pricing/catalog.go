// Package pricing loads the model pricing catalog and resolves model IDs
// to price quotes. The catalog cache is the one process-wide singleton in
// the core; a single-flight guard collapses concurrent first fetches into
// one network call.
package pricing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	core "github.com/eugener/palantir/internal"
)

const (
	// DefaultURL is the community pricing catalog.
	DefaultURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

	// DefaultTTL bounds how long a fetched catalog is served as fresh.
	DefaultTTL = 24 * time.Hour
	// DefaultStaleMaxAge bounds how long a catalog may be served stale
	// after refetches start failing.
	DefaultStaleMaxAge = 7 * 24 * time.Hour

	defaultSourceLabel = "LiteLLM"
	staleLabelSuffix   = " (stale-cache)"

	fetchTimeout = 10 * time.Second
	maxBodySize  = 64 << 20
)

// row is one catalog entry. Unit costs are per token; absent cache units
// fall back to the input unit at cost-calculation time, never here.
type row struct {
	InputCostPerToken              *float64 `json:"input_cost_per_token"`
	OutputCostPerToken             *float64 `json:"output_cost_per_token"`
	CacheReadInputTokenCost        *float64 `json:"cache_read_input_token_cost"`
	CacheCreationInputTokenCost    *float64 `json:"cache_creation_input_token_cost"`
}

// hasPrice reports whether at least one unit cost is present and finite.
func (r row) hasPrice() bool {
	for _, v := range []*float64{
		r.InputCostPerToken, r.OutputCostPerToken,
		r.CacheReadInputTokenCost, r.CacheCreationInputTokenCost,
	} {
		if v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
			return true
		}
	}
	return false
}

// document is one fetched catalog generation, immutable once built.
type document struct {
	rows      map[string]row
	fetchedAt time.Time
}

// Catalog is the TTL + stale-window cached pricing catalog.
type Catalog struct {
	url         string
	http        *http.Client
	ttl         time.Duration
	staleMaxAge time.Duration
	sourceLabel string
	now         func() time.Time

	group singleflight.Group

	mu  sync.RWMutex
	doc *document
}

// Option tunes a Catalog.
type Option func(*Catalog)

// WithTTL overrides the fresh-serve TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) { c.ttl = ttl }
}

// WithStaleMaxAge overrides the stale-serve window.
func WithStaleMaxAge(age time.Duration) Option {
	return func(c *Catalog) { c.staleMaxAge = age }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// NewCatalog creates a catalog backed by url. A nil client uses the
// default HTTP client; callers normally pass the shared DNS-cached one.
func NewCatalog(url string, client *http.Client, opts ...Option) *Catalog {
	if url == "" {
		url = DefaultURL
	}
	if client == nil {
		client = &http.Client{}
	}
	c := &Catalog{
		url:         url,
		http:        client,
		ttl:         DefaultTTL,
		staleMaxAge: DefaultStaleMaxAge,
		sourceLabel: defaultSourceLabel,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup resolves (providerID, modelID) against a fresh-enough catalog.
// The returned quote's Stale flag and SourceLabel reflect whether the
// catalog generation was served past its TTL.
func (c *Catalog) Lookup(ctx context.Context, providerID, modelID string) (core.ModelPriceQuote, error) {
	doc, stale, err := c.ensure(ctx)
	if err != nil {
		return core.ModelPriceQuote{}, err
	}

	quote, ok := resolve(doc.rows, providerID, modelID)
	if !ok {
		return core.ModelPriceQuote{}, core.NewWarning(core.CodeModelMappingMissing, "no catalog entry for model "+modelID)
	}

	quote.SourceLabel = c.sourceLabel
	if stale {
		quote.SourceLabel += staleLabelSuffix
		quote.Stale = true
	}
	quote.UpdatedAt = doc.fetchedAt
	return quote, nil
}

// ensure returns a catalog generation, fetching or refreshing as the TTL
// and stale windows dictate. Concurrent callers share one fetch.
func (c *Catalog) ensure(ctx context.Context) (*document, bool, error) {
	now := c.now()

	c.mu.RLock()
	doc := c.doc
	c.mu.RUnlock()

	if doc != nil && now.Sub(doc.fetchedAt) < c.ttl {
		return doc, false, nil
	}

	fetched, err, _ := c.group.Do("catalog", func() (any, error) {
		// Re-check under the flight: another caller may have refreshed.
		c.mu.RLock()
		cur := c.doc
		c.mu.RUnlock()
		if cur != nil && c.now().Sub(cur.fetchedAt) < c.ttl {
			return cur, nil
		}
		next, fetchErr := c.fetch(ctx)
		if fetchErr != nil {
			return nil, fetchErr
		}
		c.mu.Lock()
		c.doc = next
		c.mu.Unlock()
		return next, nil
	})
	if err == nil {
		return fetched.(*document), false, nil
	}

	// Refetch failed: fall back to the stale generation when young enough.
	if doc != nil {
		age := now.Sub(doc.fetchedAt)
		if age <= c.staleMaxAge {
			slog.Warn("pricing catalog refetch failed, serving stale", "age", age, "err", err)
			return doc, true, nil
		}
		return nil, false, core.WrapError(core.CodePricingCacheTooOld, err, "pricing catalog stale beyond serve window")
	}
	return nil, false, core.WrapError(core.CodePricingFetchFailed, err, "pricing catalog fetch failed")
}

func (c *Catalog) fetch(ctx context.Context) (*document, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, core.Errorf(core.CodePricingFetchFailed, "pricing catalog: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	rows := map[string]row{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, core.WrapError(core.CodeUnsupportedResponse, err, "pricing catalog: malformed JSON")
	}
	return &document{rows: rows, fetchedAt: c.now()}, nil
}
