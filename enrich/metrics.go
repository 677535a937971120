package enrich

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus mirrors of the engine's counters, exported on /metrics.
type metrics struct {
	decoded       prometheus.Counter
	cancellations prometheus.Counter
	enriched      prometheus.Counter
	failures      *prometheus.CounterVec
}

// Builds and registers the metric set. A nil registerer yields
// unregistered metrics, which tests use to avoid global state.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		decoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darwin_decoded_total",
			Help: "Push port elements decoded, cancellations or not.",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darwin_cancellations_total",
			Help: "Cancellation events observed on the push port feed.",
		}),
		enriched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darwin_enriched_total",
			Help: "Cancellations enriched with schedule data.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darwin_enrichment_failures_total",
			Help: "Enrichment failures by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(m.decoded, m.cancellations, m.enriched, m.failures)
	}
	return m
}
