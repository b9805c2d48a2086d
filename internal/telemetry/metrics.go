// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	TokensProcessed     *prometheus.CounterVec // labels: model, type (input|output|cached)
	CircuitBreakerState *prometheus.GaugeVec   // labels: provider; 0=closed,1=open,2=half_open

	TTFTSeconds *prometheus.HistogramVec // labels: endpoint
	TPOTSeconds *prometheus.HistogramVec // labels: endpoint
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgw",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ccgw",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccgw",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgw",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccgw",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half_open).",
		}, []string{"provider"}),

		TTFTSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ccgw",
			Name:      "ttft_seconds",
			Help:      "Time to first streamed token, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		TPOTSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ccgw",
			Name:      "tpot_seconds",
			Help:      "Average time per output token after the first, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.TokensProcessed,
		m.CircuitBreakerState,
		m.TTFTSeconds,
		m.TPOTSeconds,
	)

	return m
}
