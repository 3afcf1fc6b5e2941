// Package metrics exposes the gateway's Prometheus instrumentation:
// request counters/histograms for the HTTP surface, plus rate-limit gauges
// mirroring the store's snapshot. Adapted from pkg/metrics/middleware.go's
// counter/histogram/gauge trio and responseWriter wrapper, renamed for this
// domain and extended with the bucket-level rpm_used/rpd_used gauges named
// in SPEC_FULL.md §5.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this service exports, under its own
// prometheus.Registry so tests can construct independent instances without
// colliding on the global default registry.
type Registry struct {
	reg *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeRequests      *prometheus.GaugeVec

	generationsTotal *prometheus.CounterVec
	rpmUsed          *prometheus.GaugeVec
	rpdUsed          *prometheus.GaugeVec
	bucketExhausted  *prometheus.GaugeVec
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests handled by the gateway.",
		}, []string{"handler", "method", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"handler", "method"}),
		activeRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_http_active_requests",
			Help: "Number of in-flight HTTP requests.",
		}, []string{"handler"}),
		generationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_generations_total",
			Help: "Total number of generate-grid outcomes by result.",
		}, []string{"result", "model"}),
		rpmUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_rate_limit_rpm_used",
			Help: "Requests-per-minute used, summed across the key pool, per bucket.",
		}, []string{"bucket"}),
		rpdUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_rate_limit_rpd_used",
			Help: "Requests-per-day used, summed across the key pool, per bucket.",
		}, []string{"bucket"}),
		bucketExhausted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_rate_limit_exhausted",
			Help: "1 when every key in the pool is currently exhausted for this bucket, else 0.",
		}, []string{"bucket"}),
	}
	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.activeRequests,
		m.generationsTotal,
		m.rpmUsed,
		m.rpdUsed,
		m.bucketExhausted,
	)
	return m
}

// Gatherer exposes the underlying registry for the /metrics handler.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

// Middleware is a gin middleware that records request counts, durations,
// and an in-flight gauge per route template.
func (m *Registry) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		m.activeRequests.WithLabelValues(handler).Inc()
		start := time.Now()

		c.Next()

		m.activeRequests.WithLabelValues(handler).Dec()
		m.httpRequestDuration.WithLabelValues(handler, c.Request.Method).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(handler, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ObserveGeneration records one generate-grid outcome.
func (m *Registry) ObserveGeneration(result, model string) {
	m.generationsTotal.WithLabelValues(result, model).Inc()
}

// ObserveBucketUsage records one bucket's snapshot usage, called after
// every /v1/rate-limit-status computation so the gauges track the ledger's
// own view rather than drifting independently.
func (m *Registry) ObserveBucketUsage(bucket string, rpmUsed, rpdUsed int, exhausted bool) {
	m.rpmUsed.WithLabelValues(bucket).Set(float64(rpmUsed))
	m.rpdUsed.WithLabelValues(bucket).Set(float64(rpdUsed))
	exhaustedValue := 0.0
	if exhausted {
		exhaustedValue = 1.0
	}
	m.bucketExhausted.WithLabelValues(bucket).Set(exhaustedValue)
}
