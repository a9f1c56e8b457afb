// Package cost joins token usage with the pricing catalog into per-
// provider cost results, labelling each result with how trustworthy the
// figure is (actual, estimated, unavailable) and a confidence tier.
package cost

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	core "github.com/eugener/palantir/internal"
)

// UsageSource supplies aggregated token usage for one provider.
type UsageSource interface {
	Usage(ctx context.Context) (core.TokenUsageResult, error)
}

// PriceLookup resolves one model against the pricing catalog.
type PriceLookup interface {
	Lookup(ctx context.Context, providerID, modelID string) (core.ModelPriceQuote, error)
}

// Engine computes cost results.
type Engine struct {
	catalog PriceLookup
	enabled bool
}

// NewEngine creates a cost engine. When enabled is false every result is
// unavailable with PRICING_NOT_CONFIGURED.
func NewEngine(catalog PriceLookup, enabled bool) *Engine {
	return &Engine{catalog: catalog, enabled: enabled}
}

// Compute joins the provider's token usage with the catalog. Errors never
// escape: every failure mode is folded into the result's source, reason
// code, and confidence.
func (e *Engine) Compute(ctx context.Context, providerID string, source UsageSource) core.ProviderCostResult {
	if !e.enabled || e.catalog == nil {
		return unavailable(core.CodePricingNotConfigured, "pricing is not configured")
	}

	usage, err := source.Usage(ctx)
	if err != nil {
		return unavailable(core.CodeOf(err), err.Error())
	}
	if len(usage.Models) == 0 {
		return unavailable(core.CodeCostSourceUnavailable, "no token usage recorded")
	}

	return e.join(ctx, providerID, usage)
}

// pricedModel pairs a model's usage with its resolved quote.
type pricedModel struct {
	usage core.ModelUsage
	quote core.ModelPriceQuote
}

func (e *Engine) join(ctx context.Context, providerID string, usage core.TokenUsageResult) core.ProviderCostResult {
	var (
		priced       []pricedModel
		failed       bool
		lastReason   core.ErrorCode
		lastMessage  string
		sawNonExact  bool
		labels       []string
		latestUpdate time.Time
	)

	for _, m := range usage.Models {
		quote, err := e.catalog.Lookup(ctx, providerID, m.ModelID)
		if err != nil {
			code := core.CodeOf(err)
			// Catalog-level failures apply to every model; bail out.
			if code == core.CodePricingFetchFailed || code == core.CodePricingCacheTooOld {
				return unavailable(code, err.Error())
			}
			failed = true
			lastReason, lastMessage = code, err.Error()
			continue
		}
		if !quote.HasPrice {
			failed = true
			lastReason = core.CodeModelPriceMissing
			lastMessage = "no price for model " + m.ModelID
			continue
		}
		if quote.Strategy != core.ResolveExact {
			sawNonExact = true
		}
		labels = appendLabel(labels, quote.SourceLabel)
		if quote.UpdatedAt.After(latestUpdate) {
			latestUpdate = quote.UpdatedAt
		}
		priced = append(priced, pricedModel{usage: m, quote: quote})
	}

	if len(priced) == 0 {
		if lastReason == "" {
			lastReason, lastMessage = core.CodeModelPriceMissing, "no priced models"
		}
		return unavailable(lastReason, lastMessage)
	}

	result := core.ProviderCostResult{
		Source:         core.CostEstimated,
		Confidence:     core.ConfidenceMedium,
		SourceLabel:    strings.Join(labels, ", "),
		ModelBreakdown: make([]core.ModelCostBreakdown, 0, len(priced)),
	}
	switch {
	case !sawNonExact && !failed:
		result.Source = core.CostActual
		result.Confidence = core.ConfidenceHigh
	case failed:
		result.Confidence = core.ConfidenceLow
		result.ReasonCode = lastReason
		result.ReasonMessage = lastMessage
	}

	updatedAt := latestUpdate
	if updatedAt.IsZero() {
		updatedAt = usage.FetchedAt
	}
	result.UpdatedAt = &updatedAt

	var todayUSD, monthUSD float64
	var todayTokens, monthTokens int64
	dailyByDate := map[string]*core.DailyCostBreakdown{}

	for _, pm := range priced {
		unit := unitsOf(pm.quote)
		monthCost := unit.cost(pm.usage.Last30Days)
		todayCost := unit.cost(pm.usage.Today)

		todayUSD += todayCost
		monthUSD += monthCost
		todayTokens += pm.usage.Today.TotalTokens
		monthTokens += pm.usage.Last30Days.TotalTokens

		result.ModelBreakdown = append(result.ModelBreakdown, core.ModelCostBreakdown{
			ModelID:         pm.usage.ModelID,
			ResolvedModelID: pm.quote.ResolvedModelID,
			Strategy:        pm.quote.Strategy,
			USD:             round6(monthCost),
			Tokens:          pm.usage.Last30Days.TotalTokens,
		})

		for _, day := range pm.usage.Daily {
			row := dailyByDate[day.Date]
			if row == nil {
				row = &core.DailyCostBreakdown{Date: day.Date}
				dailyByDate[day.Date] = row
			}
			row.ModelIDs = append(row.ModelIDs, pm.usage.ModelID)
			row.USD += unit.cost(day.Counters)
			row.TotalTokens += day.Counters.TotalTokens
		}
	}

	sort.Slice(result.ModelBreakdown, func(i, j int) bool {
		return result.ModelBreakdown[i].ModelID < result.ModelBreakdown[j].ModelID
	})

	dates := make([]string, 0, len(dailyByDate))
	for date := range dailyByDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	result.DailyBreakdown = make([]core.DailyCostBreakdown, 0, len(dates))
	for _, date := range dates {
		row := dailyByDate[date]
		sort.Strings(row.ModelIDs)
		row.USD = round6(row.USD)
		result.DailyBreakdown = append(result.DailyBreakdown, *row)
	}

	todayUSD, monthUSD = round6(todayUSD), round6(monthUSD)
	result.Today = core.CostWindow{USD: &todayUSD, Tokens: &todayTokens}
	result.Last30Days = core.CostWindow{USD: &monthUSD, Tokens: &monthTokens}
	return result
}

// units resolves the four unit costs with the cache fallbacks applied:
// absent cache-read or cache-creation units substitute the input unit.
type units struct {
	input, output, cacheRead, cacheCreation float64
}

func unitsOf(q core.ModelPriceQuote) units {
	u := units{}
	if q.InputCostPerToken != nil {
		u.input = *q.InputCostPerToken
	}
	if q.OutputCostPerToken != nil {
		u.output = *q.OutputCostPerToken
	}
	u.cacheRead = u.input
	if q.CacheReadInputCostPerToken != nil {
		u.cacheRead = *q.CacheReadInputCostPerToken
	}
	u.cacheCreation = u.input
	if q.CacheCreationInputCostPerToken != nil {
		u.cacheCreation = *q.CacheCreationInputCostPerToken
	}
	return u
}

func (u units) cost(c core.TokenCounters) float64 {
	return float64(c.InputTokens)*u.input +
		float64(c.OutputTokens)*u.output +
		float64(c.CacheReadInputTokens)*u.cacheRead +
		float64(c.CacheCreationInputTokens)*u.cacheCreation
}

func appendLabel(labels []string, label string) []string {
	if label == "" {
		return labels
	}
	for _, existing := range labels {
		if existing == label {
			return labels
		}
	}
	return append(labels, label)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func unavailable(code core.ErrorCode, msg string) core.ProviderCostResult {
	return core.ProviderCostResult{
		Source:         core.CostUnavailable,
		ReasonCode:     core.NormalizeCode(code),
		ReasonMessage:  msg,
		ModelBreakdown: []core.ModelCostBreakdown{},
		DailyBreakdown: []core.DailyCostBreakdown{},
	}
}
