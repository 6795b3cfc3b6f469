package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SourceMetrics holds metrics related to record source page fetches.
type SourceMetrics struct {
	// LatencyHistogram tracks page fetch latencies.
	// Labels: record_type, status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// PagesTotal tracks page fetches by record type and status.
	PagesTotal *prometheus.CounterVec

	// RecordsTotal tracks records fetched by record type.
	RecordsTotal *prometheus.CounterVec
}

// NewSourceMetrics creates source metrics registered with the default registry.
func NewSourceMetrics() *SourceMetrics {
	return NewSourceMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewSourceMetricsWithRegistry creates source metrics registered with reg.
// Useful for testing to avoid conflicts with the default registry.
func NewSourceMetricsWithRegistry(reg prometheus.Registerer) *SourceMetrics {
	f := promauto.With(reg)
	return &SourceMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "page_latency_seconds",
				Help:      "Record source page fetch latency in seconds, broken down by record type and status.",
				Buckets:   DefaultRequestLatencyBuckets,
			},
			[]string{"record_type", "status"},
		),
		PagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "pages_total",
				Help:      "Total number of record source page fetches, broken down by record type and status.",
			},
			[]string{"record_type", "status"},
		),
		RecordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "records_total",
				Help:      "Total number of records fetched, broken down by record type.",
			},
			[]string{"record_type"},
		),
	}
}

// RecordSourcePage records one page fetch.
func (m *SourceMetrics) RecordSourcePage(recordType string, durationSeconds float64, success bool, count int) {
	s := status(success)
	m.LatencyHistogram.WithLabelValues(recordType, s).Observe(durationSeconds)
	m.PagesTotal.WithLabelValues(recordType, s).Inc()
	if success && count > 0 {
		m.RecordsTotal.WithLabelValues(recordType).Add(float64(count))
	}
}
