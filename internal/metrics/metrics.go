// Package metrics holds the Prometheus instruments exported at /metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pilotgate/internal/events"
)

var httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

type Metrics struct {
	EventsTotal            *prometheus.CounterVec
	HandlerFailuresTotal   prometheus.Counter
	DecisionsTotal         *prometheus.CounterVec
	EscalationsOpen        *prometheus.GaugeVec
	WebhookDeliveriesTotal *prometheus.CounterVec
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the instruments and registers them on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilotgate_events_total",
			Help: "Domain events emitted, by type.",
		}, []string{"type"}),
		HandlerFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilotgate_handler_failures_total",
			Help: "Event handlers that returned an error or panicked.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilotgate_decisions_total",
			Help: "Engine decisions, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		EscalationsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pilotgate_escalations_open",
			Help: "Open escalation records after the last tick, by status.",
		}, []string{"status"}),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilotgate_webhook_deliveries_total",
			Help: "Outbound webhook deliveries, by outcome.",
		}, []string{"outcome"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pilotgate_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pilotgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		registry: reg,
	}
	reg.MustRegister(
		m.EventsTotal,
		m.HandlerFailuresTotal,
		m.DecisionsTotal,
		m.EscalationsOpen,
		m.WebhookDeliveriesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordEvent(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordHandlerFailure() {
	m.HandlerFailuresTotal.Inc()
}

// RecordDecision counts one decision; outcome is "allowed" or "denied".
func (m *Metrics) RecordDecision(kind string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.DecisionsTotal.WithLabelValues(kind, outcome).Inc()
}

// SetEscalationsOpen replaces the gauge values with counts per status.
func (m *Metrics) SetEscalationsOpen(counts map[string]int) {
	m.EscalationsOpen.Reset()
	for status, n := range counts {
		m.EscalationsOpen.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) RecordWebhookDelivery(outcome string) {
	m.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// Subscribe counts every event on bus and the decision outcomes they carry.
// The returned func removes the subscription.
func (m *Metrics) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(events.All, func(_ context.Context, e events.Event) error {
		m.RecordEvent(string(e.Type))
		switch p := e.Payload.(type) {
		case events.TransitionCheckedPayload:
			m.RecordDecision("transition", p.Allowed)
		case events.PolicyEvaluatedPayload:
			m.RecordDecision("compliance", p.Failed == 0)
		case events.PermissionDeniedPayload:
			m.RecordDecision("permission", false)
		}
		return nil
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request metrics keyed by chi's route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		pattern := routePattern(r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
