package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the auth subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tokenVerifications  *prometheus.CounterVec
	keyCacheLookups     *prometheus.CounterVec
	jwksRefreshTotal    *prometheus.CounterVec
	jwksRefreshDuration prometheus.Histogram
	providerCalls       *prometheus.CounterVec
	providerDuration    *prometheus.HistogramVec
	httpRequests        *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sensor_gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.tokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_verifications_total",
			Help:      "Bearer token verifications by result",
		},
		[]string{"result"},
	)

	m.keyCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "cache_lookups_total",
			Help:      "Signing key lookups by outcome",
		},
		[]string{"outcome"},
	)

	m.jwksRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "refresh_total",
			Help:      "JWKS refresh attempts by status",
		},
		[]string{"status"},
	)

	m.jwksRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of JWKS fetches",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity_provider",
			Name:      "calls_total",
			Help:      "Identity provider calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity_provider",
			Name:      "call_duration_seconds",
			Help:      "Duration of identity provider calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	m.registry.MustRegister(
		m.tokenVerifications,
		m.keyCacheLookups,
		m.jwksRefreshTotal,
		m.jwksRefreshDuration,
		m.providerCalls,
		m.providerDuration,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTokenVerification counts a verification attempt.
func (m *Metrics) RecordTokenVerification(result string) {
	if m == nil {
		return
	}
	m.tokenVerifications.WithLabelValues(result).Inc()
}

// RecordKeyLookup counts a signing key lookup ("hit", "miss", "stale").
func (m *Metrics) RecordKeyLookup(outcome string) {
	if m == nil {
		return
	}
	m.keyCacheLookups.WithLabelValues(outcome).Inc()
}

// RecordJWKSRefresh counts a JWKS fetch and observes its duration.
func (m *Metrics) RecordJWKSRefresh(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jwksRefreshTotal.WithLabelValues(status).Inc()
	m.jwksRefreshDuration.Observe(d.Seconds())
}

// RecordProviderCall counts an identity provider call.
func (m *Metrics) RecordProviderCall(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation, outcome).Inc()
	m.providerDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordHTTPRequest counts a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
