// Package metrics exposes obraline's Prometheus counters. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "obraline"

type Metrics struct {
	Registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	gated           prometheus.Counter
	reviews         *prometheus.CounterVec
	evidence        *prometheus.CounterVec
	summaryFailures prometheus.Counter
	webhookFailures prometheus.Counter
}

// New registers the counters on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Stage transitions by kind (advance or override).",
		}, []string{"kind"}),
		gated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_advance_gated_total",
			Help:      "Advance attempts refused for missing approved evidence.",
		}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_reviews_total",
			Help:      "Evidence review decisions.",
		}, []string{"decision"}),
		evidence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_files_total",
			Help:      "Evidence files attached or removed.",
		}, []string{"action"}),
		summaryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_entity_failures_total",
			Help:      "Entities left out of a summary because their score could not be computed.",
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_failures_total",
			Help:      "Failed webhook deliveries.",
		}),
	}
	reg.MustRegister(
		m.transitions, m.gated, m.reviews, m.evidence, m.summaryFailures, m.webhookFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Transition(kind string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) AdvanceGated() {
	if m == nil {
		return
	}
	m.gated.Inc()
}

func (m *Metrics) Review(decision string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(decision).Inc()
}

func (m *Metrics) Evidence(action string) {
	if m == nil {
		return
	}
	m.evidence.WithLabelValues(action).Inc()
}

func (m *Metrics) SummaryFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.summaryFailures.Add(float64(n))
}

func (m *Metrics) WebhookFailure() {
	if m == nil {
		return
	}
	m.webhookFailures.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
