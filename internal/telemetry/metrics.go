// Package telemetry provides observability primitives for the Palantir core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the core.
type Metrics struct {
	ProviderFetches    *prometheus.CounterVec   // labels: provider, outcome
	ProviderFetchSecs  *prometheus.HistogramVec // labels: provider
	DegradedServes     *prometheus.CounterVec   // labels: provider
	SnapshotCacheHits  prometheus.Counter
	SnapshotCacheMisses prometheus.Counter
	GitPollSecs        *prometheus.HistogramVec // labels: kind (diff, log)
	GitCacheReplaced   *prometheus.CounterVec   // labels: kind
	ScreenDeltaBytes   prometheus.Counter
	ScreenFullCaptures prometheus.Counter
	GuardRejects       *prometheus.CounterVec // labels: reason
	StaleDropped       *prometheus.CounterVec // labels: scope_kind
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProviderFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "provider_fetches_total",
			Help:      "Usage provider fetches by outcome (ok, degraded, error).",
		}, []string{"provider", "outcome"}),

		ProviderFetchSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "provider_fetch_duration_seconds",
			Help:                            "Usage provider fetch duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		DegradedServes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "degraded_serves_total",
			Help:      "Snapshots served from cache during a failure backoff window.",
		}, []string{"provider"}),

		SnapshotCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "snapshot_cache_hits_total",
			Help:      "Dashboard snapshot cache hits.",
		}),

		SnapshotCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "snapshot_cache_misses_total",
			Help:      "Dashboard snapshot cache misses.",
		}),

		GitPollSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "git_poll_duration_seconds",
			Help:                            "Git poll duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"kind"}),

		GitCacheReplaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "git_cache_replacements_total",
			Help:      "Git cache replacements that survived signature gating.",
		}, []string{"kind"}),

		ScreenDeltaBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "screen_delta_bytes_total",
			Help:      "Bytes sent as screen delta payloads.",
		}),

		ScreenFullCaptures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "screen_full_captures_total",
			Help:      "Screen responses sent as full snapshots.",
		}),

		GuardRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "guard_rejects_total",
			Help:      "Keystroke sends rejected by the dangerous-command guard.",
		}, []string{"reason"}),

		StaleDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "stale_outcomes_dropped_total",
			Help:      "Request outcomes dropped because a newer request superseded them.",
		}, []string{"scope_kind"}),
	}

	reg.MustRegister(
		m.ProviderFetches,
		m.ProviderFetchSecs,
		m.DegradedServes,
		m.SnapshotCacheHits,
		m.SnapshotCacheMisses,
		m.GitPollSecs,
		m.GitCacheReplaced,
		m.ScreenDeltaBytes,
		m.ScreenFullCaptures,
		m.GuardRejects,
		m.StaleDropped,
	)

	return m
}
