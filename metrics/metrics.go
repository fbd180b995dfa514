// Package metrics exposes token broker metrics in the Prometheus text format.
//
// A Collector owns its registry so several managers can run in one process.
// Every method is safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/resilience"
)

const namespace = "tokenbroker"

// Outcome labels for acquisitions.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Token sources for GetToken latency.
const (
	SourceCache  = "cache"
	SourceIssuer = "issuer"
	SourceStale  = "stale"
)

// Collector records token lifecycle metrics.
type Collector struct {
	registry *prometheus.Registry

	acquisitions        *prometheus.CounterVec
	acquisitionDuration *prometheus.HistogramVec
	getTokenDuration    *prometheus.HistogramVec
	cacheHits           *prometheus.CounterVec
	cacheMisses         *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	breakerRejections   *prometheus.CounterVec
	retries             *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	errors              *prometheus.CounterVec
	tokenExpiry         *prometheus.GaugeVec
	outboundRequests    *prometheus.HistogramVec
}

// New creates a Collector with its own registry, including Go runtime and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		acquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "acquisitions_total",
				Help:      "Token acquisitions from issuers by outcome",
			},
			[]string{"server", "outcome"},
		),
		acquisitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "acquisition_duration_seconds",
				Help:      "Duration of token acquisitions including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"server"},
		),
		getTokenDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "get_duration_seconds",
				Help:      "Latency of GetToken calls by token source",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server", "source"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Token cache hits",
			},
			[]string{"server"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Token cache misses, including stale entries",
			},
			[]string{"server"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"server"},
		),
		breakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "rejections_total",
				Help:      "Calls rejected by an open circuit breaker",
			},
			[]string{"server"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "attempts_total",
				Help:      "Retried issuer calls",
			},
			[]string{"server"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rate_limit",
				Name:      "rejections_total",
				Help:      "Acquisitions rejected by the rate limiter",
			},
			[]string{"server"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors returned to callers by kind and code",
			},
			[]string{"server", "kind", "code"},
		),
		tokenExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "expiry_timestamp_seconds",
				Help:      "Unix time at which the cached token expires",
			},
			[]string{"server"},
		),
		outboundRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Outbound authenticated HTTP requests by status code",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server", "code"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.acquisitions,
		c.acquisitionDuration,
		c.getTokenDuration,
		c.cacheHits,
		c.cacheMisses,
		c.breakerState,
		c.breakerRejections,
		c.retries,
		c.rateLimited,
		c.errors,
		c.tokenExpiry,
		c.outboundRequests,
	)

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Acquisition records a finished acquisition.
func (c *Collector) Acquisition(server, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.acquisitions.WithLabelValues(server, outcome).Inc()
	c.acquisitionDuration.WithLabelValues(server).Observe(d.Seconds())
}

// GetToken records the latency of a GetToken call.
func (c *Collector) GetToken(server, source string, d time.Duration) {
	if c == nil {
		return
	}
	c.getTokenDuration.WithLabelValues(server, source).Observe(d.Seconds())
}

// CacheHit records a fresh token served from the cache.
func (c *Collector) CacheHit(server string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(server).Inc()
}

// CacheMiss records a missing or stale cache entry.
func (c *Collector) CacheMiss(server string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(server).Inc()
}

// BreakerState records a circuit breaker transition.
func (c *Collector) BreakerState(server string, state resilience.State) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(server).Set(float64(state))
}

// BreakerRejection records a call rejected by an open breaker.
func (c *Collector) BreakerRejection(server string) {
	if c == nil {
		return
	}
	c.breakerRejections.WithLabelValues(server).Inc()
}

// Retry records a retried issuer call.
func (c *Collector) Retry(server string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(server).Inc()
}

// RateLimited records an acquisition rejected by the rate limiter.
func (c *Collector) RateLimited(server string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(server).Inc()
}

// Error records an error returned to a caller.
func (c *Collector) Error(server, kind, code string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(server, kind, code).Inc()
}

// TokenExpiry records when the current token of a server expires.
func (c *Collector) TokenExpiry(server string, expiresAt time.Time) {
	if c == nil {
		return
	}
	c.tokenExpiry.WithLabelValues(server).Set(float64(expiresAt.Unix()))
}

// OutboundRequest records an authenticated outbound HTTP request.
func (c *Collector) OutboundRequest(server, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.outboundRequests.WithLabelValues(server, code).Observe(d.Seconds())
}
