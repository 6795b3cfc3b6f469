package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CollectMetrics holds metrics related to collection units.
type CollectMetrics struct {
	// UnitDuration tracks how long units take from first fetch to last write.
	// Labels: record_type, status (success, failure)
	UnitDuration *prometheus.HistogramVec

	// UnitsTotal tracks finished units by record type and status.
	UnitsTotal *prometheus.CounterVec

	// RecordsTotal tracks records written by record type. Only pages that
	// were written successfully are counted.
	RecordsTotal *prometheus.CounterVec
}

// NewCollectMetrics creates collection metrics registered with the default registry.
func NewCollectMetrics() *CollectMetrics {
	return NewCollectMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectMetricsWithRegistry creates collection metrics registered with reg.
func NewCollectMetricsWithRegistry(reg prometheus.Registerer) *CollectMetrics {
	f := promauto.With(reg)
	return &CollectMetrics{
		UnitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "collect",
				Name:      "unit_duration_seconds",
				Help:      "Collection unit duration in seconds, broken down by record type and status.",
				Buckets:   DefaultUnitDurationBuckets,
			},
			[]string{"record_type", "status"},
		),
		UnitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collect",
				Name:      "units_total",
				Help:      "Total number of collection units, broken down by record type and status.",
			},
			[]string{"record_type", "status"},
		),
		RecordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collect",
				Name:      "records_total",
				Help:      "Total number of records collected and written, broken down by record type.",
			},
			[]string{"record_type"},
		),
	}
}

// RecordUnit records a finished collection unit.
func (m *CollectMetrics) RecordUnit(recordType string, durationSeconds float64, success bool) {
	s := status(success)
	m.UnitDuration.WithLabelValues(recordType, s).Observe(durationSeconds)
	m.UnitsTotal.WithLabelValues(recordType, s).Inc()
}

// RecordRecords adds count written records of recordType.
func (m *CollectMetrics) RecordRecords(recordType string, count int) {
	if count <= 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(recordType).Add(float64(count))
}
