package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PurgeMetrics holds metrics related to retention purges.
type PurgeMetrics struct {
	// PageLatency tracks the bulk delete latency of each scroll page.
	PageLatency *prometheus.HistogramVec

	// DeletedTotal tracks acknowledged deletes by index.
	DeletedTotal *prometheus.CounterVec

	// FailedTotal tracks deletes the backend rejected or never received.
	FailedTotal *prometheus.CounterVec

	// ErrorsTotal tracks page-level failures (scan, scroll or bulk request).
	ErrorsTotal *prometheus.CounterVec
}

// NewPurgeMetrics creates purge metrics registered with the default registry.
func NewPurgeMetrics() *PurgeMetrics {
	return NewPurgeMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewPurgeMetricsWithRegistry creates purge metrics registered with reg.
func NewPurgeMetricsWithRegistry(reg prometheus.Registerer) *PurgeMetrics {
	f := promauto.With(reg)
	return &PurgeMetrics{
		PageLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "page_latency_seconds",
				Help:      "Bulk delete latency per scroll page in seconds, broken down by index.",
				Buckets:   DefaultRequestLatencyBuckets,
			},
			[]string{"index"},
		),
		DeletedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "deleted_total",
				Help:      "Total number of documents deleted by purges, broken down by index.",
			},
			[]string{"index"},
		),
		FailedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "failed_deletes_total",
				Help:      "Total number of deletes that did not succeed, broken down by index.",
			},
			[]string{"index"},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "page_errors_total",
				Help:      "Total number of purge page failures, broken down by index.",
			},
			[]string{"index"},
		),
	}
}

// RecordPurgePage records the bulk delete of one scroll page.
func (m *PurgeMetrics) RecordPurgePage(index string, durationSeconds float64, deleted, failed int) {
	m.PageLatency.WithLabelValues(index).Observe(durationSeconds)
	m.DeletedTotal.WithLabelValues(index).Add(float64(deleted))
	if failed > 0 {
		m.FailedTotal.WithLabelValues(index).Add(float64(failed))
	}
}

// RecordPurgeError records a page-level purge failure.
func (m *PurgeMetrics) RecordPurgeError(index string) {
	m.ErrorsTotal.WithLabelValues(index).Inc()
}
