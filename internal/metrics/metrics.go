// Package metrics holds the Prometheus collectors of the digest pipeline.
//
// Every recording method is safe to call on a nil *Metrics so services can be
// constructed without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "workdigest"

// Metrics holds the pipeline collectors.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	RunDurationSeconds  prometheus.Histogram
	DeliveryAttempts    *prometheus.CounterVec
	ConnectorErrors     *prometheus.CounterVec
	ConnectorUpdates    *prometheus.CounterVec
	SummarizerFallbacks prometheus.Counter
	MissedCycles        prometheus.Counter
	SourcesDisabled     *prometheus.CounterVec
}

// New creates and registers the collectors on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Digest runs by final status.",
		}, []string{"status"}),
		RunDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of digest runs from start to terminal status.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Digest delivery attempts by status.",
		}, []string{"status"}),
		ConnectorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_errors_total",
			Help:      "Connector fetch errors by source type and kind.",
		}, []string{"source_type", "kind"}),
		ConnectorUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_updates_total",
			Help:      "Updates fetched by source type.",
		}, []string{"source_type"}),
		SummarizerFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarizer_fallbacks_total",
			Help:      "Digests produced by the templated fallback.",
		}),
		MissedCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missed_cycles_total",
			Help:      "Scheduled cycles skipped because a run was still active.",
		}),
		SourcesDisabled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_disabled_total",
			Help:      "Sources auto-disabled after repeated credential failures.",
		}, []string{"source_type"}),
	}
}

func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDurationSeconds.Observe(d.Seconds())
}

func (m *Metrics) DeliveryAttempt(status string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) ConnectorError(sourceType, kind string) {
	if m == nil {
		return
	}
	m.ConnectorErrors.WithLabelValues(sourceType, kind).Inc()
}

func (m *Metrics) UpdatesFetched(sourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ConnectorUpdates.WithLabelValues(sourceType).Add(float64(n))
}

func (m *Metrics) SummarizerFallback() {
	if m == nil {
		return
	}
	m.SummarizerFallbacks.Inc()
}

func (m *Metrics) MissedCycle() {
	if m == nil {
		return
	}
	m.MissedCycles.Inc()
}

func (m *Metrics) SourceDisabled(sourceType string) {
	if m == nil {
		return
	}
	m.SourcesDisabled.WithLabelValues(sourceType).Inc()
}
