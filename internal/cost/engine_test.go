package cost

import (
	"context"
	"testing"
	"time"

	core "github.com/eugener/palantir/internal"
)

func fl(v float64) *float64 { return &v }

type fakeUsage struct {
	result core.TokenUsageResult
	err    error
}

func (f fakeUsage) Usage(context.Context) (core.TokenUsageResult, error) {
	return f.result, f.err
}

type fakeCatalog struct {
	quotes map[string]core.ModelPriceQuote
	errs   map[string]error
}

func (f fakeCatalog) Lookup(_ context.Context, _, modelID string) (core.ModelPriceQuote, error) {
	if err, ok := f.errs[modelID]; ok {
		return core.ModelPriceQuote{}, err
	}
	q, ok := f.quotes[modelID]
	if !ok {
		return core.ModelPriceQuote{}, core.NewWarning(core.CodeModelMappingMissing, "no entry")
	}
	return q, nil
}

func counters(total int64) core.TokenCounters {
	return core.TokenCounters{InputTokens: total / 2, OutputTokens: total / 2, TotalTokens: total}
}

func codexUsage() core.TokenUsageResult {
	return core.TokenUsageResult{
		Models: []core.ModelUsage{{
			ModelID:    "gpt-5.3-codex",
			Today:      counters(1500),
			Last30Days: counters(6000),
			Daily: []core.DailyTokens{
				{Date: "2026-02-22", Counters: counters(1800)},
			},
		}},
		FetchedAt: time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC),
	}
}

func exactQuote() core.ModelPriceQuote {
	return core.ModelPriceQuote{
		ModelID:                    "gpt-5.3-codex",
		ResolvedModelID:            "gpt-5.3-codex",
		Strategy:                   core.ResolveExact,
		InputCostPerToken:          fl(1e-6),
		OutputCostPerToken:         fl(1e-5),
		CacheReadInputCostPerToken: fl(5e-7),
		HasPrice:                   true,
		SourceLabel:                "LiteLLM",
		UpdatedAt:                  time.Date(2026, 2, 22, 11, 0, 0, 0, time.UTC),
	}
}

func TestCompute_AllExact(t *testing.T) {
	t.Parallel()
	e := NewEngine(fakeCatalog{quotes: map[string]core.ModelPriceQuote{"gpt-5.3-codex": exactQuote()}}, true)
	result := e.Compute(context.Background(), "codex", fakeUsage{result: codexUsage()})

	if result.Source != core.CostActual || result.Confidence != core.ConfidenceHigh {
		t.Errorf("source/confidence = %s/%s, want actual/high", result.Source, result.Confidence)
	}
	if result.Today.Tokens == nil || *result.Today.Tokens != 1500 {
		t.Errorf("today tokens = %v, want 1500", result.Today.Tokens)
	}
	if len(result.ModelBreakdown) != 1 {
		t.Fatalf("modelBreakdown = %+v", result.ModelBreakdown)
	}
	daily := result.DailyBreakdown
	if len(daily) != 1 || daily[0].Date != "2026-02-22" || daily[0].TotalTokens != 1800 {
		t.Fatalf("dailyBreakdown = %+v", daily)
	}
	if len(daily[0].ModelIDs) != 1 || daily[0].ModelIDs[0] != "gpt-5.3-codex" {
		t.Errorf("daily modelIds = %v", daily[0].ModelIDs)
	}
	if result.SourceLabel != "LiteLLM" {
		t.Errorf("sourceLabel = %q", result.SourceLabel)
	}
	if result.UpdatedAt == nil || !result.UpdatedAt.Equal(exactQuote().UpdatedAt) {
		t.Errorf("updatedAt = %v", result.UpdatedAt)
	}
}

func TestCompute_CostFormula(t *testing.T) {
	t.Parallel()
	usage := core.TokenUsageResult{Models: []core.ModelUsage{{
		ModelID: "m",
		Today: core.TokenCounters{
			InputTokens: 1000, OutputTokens: 100,
			CacheReadInputTokens: 500, CacheCreationInputTokens: 200,
			TotalTokens: 1100,
		},
		Last30Days: core.TokenCounters{
			InputTokens: 1000, OutputTokens: 100,
			CacheReadInputTokens: 500, CacheCreationInputTokens: 200,
			TotalTokens: 1100,
		},
	}}}
	// No cache-creation unit: it substitutes the input unit.
	quote := core.ModelPriceQuote{
		ModelID: "m", ResolvedModelID: "m", Strategy: core.ResolveExact,
		InputCostPerToken:          fl(2e-6),
		OutputCostPerToken:         fl(1e-5),
		CacheReadInputCostPerToken: fl(1e-6),
		HasPrice:                   true,
	}
	e := NewEngine(fakeCatalog{quotes: map[string]core.ModelPriceQuote{"m": quote}}, true)
	result := e.Compute(context.Background(), "codex", fakeUsage{result: usage})

	// 1000*2e-6 + 100*1e-5 + 500*1e-6 + 200*2e-6 = 0.0039
	want := 0.0039
	if result.Today.USD == nil || *result.Today.USD != want {
		t.Errorf("today usd = %v, want %v", result.Today.USD, want)
	}
}

func TestCompute_NonExactStrategyIsEstimated(t *testing.T) {
	t.Parallel()
	q := exactQuote()
	q.Strategy = core.ResolveFallback
	q.ResolvedModelID = "gpt-5.2-codex"
	e := NewEngine(fakeCatalog{quotes: map[string]core.ModelPriceQuote{"gpt-5.3-codex": q}}, true)
	result := e.Compute(context.Background(), "codex", fakeUsage{result: codexUsage()})

	if result.Source != core.CostEstimated || result.Confidence != core.ConfidenceMedium {
		t.Errorf("source/confidence = %s/%s, want estimated/medium", result.Source, result.Confidence)
	}
}

func TestCompute_FailedModelLowersConfidence(t *testing.T) {
	t.Parallel()
	usage := codexUsage()
	usage.Models = append(usage.Models, core.ModelUsage{
		ModelID:    "mystery-model",
		Today:      counters(100),
		Last30Days: counters(100),
	})
	e := NewEngine(fakeCatalog{quotes: map[string]core.ModelPriceQuote{"gpt-5.3-codex": exactQuote()}}, true)
	result := e.Compute(context.Background(), "codex", fakeUsage{result: usage})

	if result.Source != core.CostEstimated || result.Confidence != core.ConfidenceLow {
		t.Errorf("source/confidence = %s/%s, want estimated/low", result.Source, result.Confidence)
	}
	if result.ReasonCode != core.CodeModelMappingMissing {
		t.Errorf("reason = %s", result.ReasonCode)
	}
	// The failed model contributes no tokens.
	if *result.Today.Tokens != 1500 {
		t.Errorf("today tokens = %d, want priced models only", *result.Today.Tokens)
	}
}

func TestCompute_Unavailable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		engine *Engine
		source UsageSource
		want   core.ErrorCode
	}{
		{
			"pricing disabled",
			NewEngine(fakeCatalog{}, false),
			fakeUsage{result: codexUsage()},
			core.CodePricingNotConfigured,
		},
		{
			"usage failure propagates",
			NewEngine(fakeCatalog{quotes: map[string]core.ModelPriceQuote{"gpt-5.3-codex": exactQuote()}}, true),
			fakeUsage{err: core.NewError(core.CodeCostSourceUnavailable, "root missing")},
			core.CodeCostSourceUnavailable,
		},
		{
			"catalog fetch failure",
			NewEngine(fakeCatalog{errs: map[string]error{
				"gpt-5.3-codex": core.NewError(core.CodePricingCacheTooOld, "too old"),
			}}, true),
			fakeUsage{result: codexUsage()},
			core.CodePricingCacheTooOld,
		},
		{
			"no priced model",
			NewEngine(fakeCatalog{quotes: map[string]core.ModelPriceQuote{
				"gpt-5.3-codex": {ModelID: "gpt-5.3-codex", Strategy: core.ResolveExact},
			}}, true),
			fakeUsage{result: codexUsage()},
			core.CodeModelPriceMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := tt.engine.Compute(context.Background(), "codex", tt.source)
			if result.Source != core.CostUnavailable {
				t.Fatalf("source = %s, want unavailable", result.Source)
			}
			if result.ReasonCode != tt.want {
				t.Errorf("reason = %s, want %s", result.ReasonCode, tt.want)
			}
			if result.Today.USD != nil || result.Today.Tokens != nil {
				t.Error("unavailable result must carry null usd/tokens")
			}
			if result.Confidence != "" {
				t.Errorf("confidence = %q, want empty", result.Confidence)
			}
		})
	}
}

// Adding a priced model can only grow the 30-day aggregate.
func TestCompute_Monotonicity(t *testing.T) {
	t.Parallel()
	catalog := fakeCatalog{quotes: map[string]core.ModelPriceQuote{
		"gpt-5.3-codex": exactQuote(),
		"extra-model": {
			ModelID: "extra-model", ResolvedModelID: "extra-model",
			Strategy: core.ResolveExact, InputCostPerToken: fl(1e-6), HasPrice: true,
		},
	}}
	e := NewEngine(catalog, true)

	base := e.Compute(context.Background(), "codex", fakeUsage{result: codexUsage()})

	grown := codexUsage()
	grown.Models = append(grown.Models, core.ModelUsage{
		ModelID:    "extra-model",
		Today:      counters(10),
		Last30Days: counters(10),
	})
	more := e.Compute(context.Background(), "codex", fakeUsage{result: grown})

	if *more.Last30Days.USD < *base.Last30Days.USD {
		t.Error("usd must not shrink when a priced model is added")
	}
	if *more.Last30Days.Tokens <= *base.Last30Days.Tokens {
		t.Error("tokens must grow when a priced model is added")
	}
}
