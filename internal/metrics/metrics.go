// Package metrics exposes Prometheus instrumentation for the scheduling
// engine: wake counts, delivery outcomes, and delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so instrumentation stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	wakes      *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
}

// New creates and registers the engine collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		wakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "andee_scheduler_wakes_total",
			Help: "Durable alarm wakes processed, by engine.",
		}, []string{"engine"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "andee_deliveries_total",
			Help: "Delivery gateway invocations, by engine and outcome.",
		}, []string{"engine", "outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "andee_delivery_duration_seconds",
			Help:    "Delivery gateway call duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.wakes, m.deliveries, m.latency)
	return m
}

// ObserveWake records one alarm wake for the given engine ("reminder" or
// "schedule").
func (m *Metrics) ObserveWake(engine string) {
	if m == nil {
		return
	}
	m.wakes.WithLabelValues(engine).Inc()
}

// ObserveDelivery records one delivery attempt and its duration in seconds.
func (m *Metrics) ObserveDelivery(engine, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(engine, outcome).Inc()
	m.latency.Observe(seconds)
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
