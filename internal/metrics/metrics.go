// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics methods are safe on a nil receiver so callers without metrics can
// pass nil.
type Metrics struct {
	registry     *prometheus.Registry
	transitions  *prometheus.CounterVec
	reviewEvents *prometheus.CounterVec
	uploads      *prometheus.CounterVec
	scoring      *prometheus.CounterVec
	quotaDenials prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manuscript_transitions_total",
			Help: "Workflow operations applied to manuscripts.",
		}, []string{"operation"}),
		reviewEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manuscript_review_events_total",
			Help: "Review thread entries appended, by action tag.",
		}, []string{"thread", "action"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manuscript_uploads_total",
			Help: "Uploaded files, split by whether stored bytes were reused.",
		}, []string{"result"}),
		scoring: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manuscript_scoring_requests_total",
			Help: "Score recomputation requests by outcome.",
		}, []string{"result"}),
		quotaDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manuscript_quota_denials_total",
			Help: "Submissions refused by the daily quota.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.reviewEvents,
		m.uploads,
		m.scoring,
		m.quotaDenials,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(operation string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation).Inc()
}

func (m *Metrics) ReviewEvent(thread, action string) {
	if m == nil {
		return
	}
	m.reviewEvents.WithLabelValues(thread, action).Inc()
}

func (m *Metrics) Upload(reused bool) {
	if m == nil {
		return
	}
	result := "stored"
	if reused {
		result = "reused"
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) Scoring(result string) {
	if m == nil {
		return
	}
	m.scoring.WithLabelValues(result).Inc()
}

func (m *Metrics) QuotaDenied() {
	if m == nil {
		return
	}
	m.quotaDenials.Inc()
}
