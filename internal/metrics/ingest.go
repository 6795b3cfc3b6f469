package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IngestMetrics holds metrics related to bulk writes into the search backend.
type IngestMetrics struct {
	// BulkLatency tracks bulk request latency per destination index,
	// retries included.
	BulkLatency *prometheus.HistogramVec

	// DocumentsTotal tracks documents by index and outcome.
	// Labels: index, outcome (accepted, rejected)
	DocumentsTotal *prometheus.CounterVec

	// SchemasCreated tracks indexes created at bootstrap.
	SchemasCreated *prometheus.CounterVec
}

// Document outcome label values.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// NewIngestMetrics creates ingest metrics registered with the default registry.
func NewIngestMetrics() *IngestMetrics {
	return NewIngestMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewIngestMetricsWithRegistry creates ingest metrics registered with reg.
func NewIngestMetricsWithRegistry(reg prometheus.Registerer) *IngestMetrics {
	f := promauto.With(reg)
	return &IngestMetrics{
		BulkLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "bulk_latency_seconds",
				Help:      "Bulk write latency in seconds, broken down by index.",
				Buckets:   DefaultRequestLatencyBuckets,
			},
			[]string{"index"},
		),
		DocumentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "documents_total",
				Help:      "Total number of documents sent in bulk writes, broken down by index and outcome.",
			},
			[]string{"index", "outcome"},
		),
		SchemasCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "schemas_created_total",
				Help:      "Total number of indexes created by this process.",
			},
			[]string{"index"},
		),
	}
}

// RecordBulk records one bulk write.
func (m *IngestMetrics) RecordBulk(index string, durationSeconds float64, accepted, rejected int) {
	m.BulkLatency.WithLabelValues(index).Observe(durationSeconds)
	if accepted > 0 {
		m.DocumentsTotal.WithLabelValues(index, OutcomeAccepted).Add(float64(accepted))
	}
	if rejected > 0 {
		m.DocumentsTotal.WithLabelValues(index, OutcomeRejected).Add(float64(rejected))
	}
}

// RecordSchemaCreated records an index created at bootstrap.
func (m *IngestMetrics) RecordSchemaCreated(index string) {
	m.SchemasCreated.WithLabelValues(index).Inc()
}
