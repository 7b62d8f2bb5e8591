// Package metrics provides Prometheus metrics for the gateway: request
// outcomes with normalised status labels, cache and idempotency activity,
// key-pool health, scheduler lifecycle, and spend accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reliapi"

// LatencyBuckets defines histogram buckets for latency metrics in seconds.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// RequestsTotal counts proxied requests. The status label is the
	// bounded normalised form, never the raw upstream status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total proxied requests by target, tenant, and normalised status",
		},
		[]string{"target", "tenant", "status"},
	)

	// RequestFailures counts requests that surfaced an error to the caller.
	RequestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Requests that returned an error, by target and error code",
		},
		[]string{"target", "code"},
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"target", "path"},
	)

	// UpstreamDuration tracks the upstream call alone.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"target"},
	)

	// RetriesTotal counts retry attempts by error class.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts by target and error class",
		},
		[]string{"target", "class"},
	)

	// CircuitBreakerState exposes the current breaker state per upstream.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 when the breaker for an upstream is open",
		},
		[]string{"target"},
	)
)

var (
	// CacheHits and CacheMisses count cache outcomes.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by target",
		},
		[]string{"target"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by target",
		},
		[]string{"target"},
	)

	// IdempotentHits counts requests served from a coalesced result.
	IdempotentHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_hits_total",
			Help:      "Requests coalesced onto an existing result",
		},
		[]string{"target"},
	)

	// IdempotencyConflicts counts key reuse with a differing request hash.
	IdempotencyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_conflicts_total",
			Help:      "Idempotency key reuse with a mismatched request hash",
		},
	)
)

var (
	// KeySwitches counts provider-key switches by reason (429, 5xx, net).
	KeySwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_switches_total",
			Help:      "Provider key switches by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	// KeySwitchBudgetExhausted counts requests that hit the switch cap.
	KeySwitchBudgetExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_switch_budget_exhausted_total",
			Help:      "Requests that exhausted the per-request key switch budget",
		},
		[]string{"provider"},
	)

	// PoolExhausted counts selections that found no usable key.
	PoolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_pool_exhausted_total",
			Help:      "Key selections that found no active or degraded key",
		},
		[]string{"provider"},
	)

	// RateLimitRefusals counts scheduler refusals by bucket kind.
	RateLimitRefusals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_refusals_total",
			Help:      "Admission refusals by the bucket kind that refused",
		},
		[]string{"bucket"},
	)

	// BucketEvictions counts token-bucket removals by reason (lru, ttl).
	BucketEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bucket_evictions_total",
			Help:      "Token bucket removals by reason",
		},
		[]string{"reason"},
	)
)

var (
	// BudgetEvents counts budget gate outcomes (soft_cap, hard_cap).
	BudgetEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_events_total",
			Help:      "Budget gate events by target and kind",
		},
		[]string{"target", "kind"},
	)

	// SpendUSD accumulates realised spend.
	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Realised spend in USD by target, tenant, and model",
		},
		[]string{"target", "tenant", "model"},
	)

	// TokensTotal accumulates token usage by direction (prompt, completion).
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Token usage by target, model, and direction",
		},
		[]string{"target", "model", "direction"},
	)

	// StreamsActive gauges currently open SSE streams.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Currently open streaming responses",
		},
	)

	// KVDegraded is 1 while the key-value store is unreachable.
	KVDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kv_degraded",
			Help:      "1 while key-value store operations are degrading to no-ops",
		},
	)
)
