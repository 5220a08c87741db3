// Package telemetry provides observability primitives for the proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec // labels: scope ("ip", "key")

	UpstreamDispatchTotal    *prometheus.CounterVec // labels: upstream, outcome
	UpstreamDispatchDuration *prometheus.HistogramVec
	UpstreamHeadLag          *prometheus.GaugeVec // labels: upstream; blocks behind consensus
	CircuitBreakerState      *prometheus.GaugeVec // labels: upstream (0=closed, 1=open, 2=half_open)
	CircuitBreakerRejects    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "rpcgate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"scope"}),

		UpstreamDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "upstream_dispatch_total",
			Help:      "Total dispatches per upstream by outcome.",
		}, []string{"upstream", "outcome"}),

		UpstreamDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "rpcgate",
			Name:                            "upstream_dispatch_duration_seconds",
			Help:                            "Upstream dispatch duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"upstream"}),

		UpstreamHeadLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcgate",
			Name:      "upstream_head_lag_blocks",
			Help:      "Blocks the upstream's reported head trails the pool consensus head.",
		}, []string{"upstream"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcgate",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per upstream (0=closed, 1=open, 2=half_open).",
		}, []string{"upstream"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcgate",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected by circuit breaker.",
		}, []string{"upstream"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.UpstreamDispatchTotal,
		m.UpstreamDispatchDuration,
		m.UpstreamHeadLag,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
