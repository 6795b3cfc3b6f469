// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the collector's pipeline:
//   - Source page fetches by record type and status, with latency
//   - Collection units by record type and status, with duration
//   - Records collected by record type
//   - Bulk writes by index: latency, documents accepted and rejected
//   - Indexes created at bootstrap
//   - Purge deletes, rejected deletes and page errors by index
//
// Each metric set satisfies the small recorder interface of the package it
// observes, so those packages never import this one.
//
// Usage:
//
//	sourceMetrics := metrics.NewSourceMetrics()
//	src := source.NewInstrumentedSource(mux, sourceMetrics)
//
//	writer := ingest.NewWriter(ingest.WriterConfig{Metrics: metrics.NewIngestMetrics(), ...})
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ecsmeta"

// StatusSuccess is the status label value for successful operations.
const StatusSuccess = "success"

// StatusFailure is the status label value for failed operations.
const StatusFailure = "failure"

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// DefaultRequestLatencyBuckets are latency buckets for remote calls: page
// fetches from the cluster and bulk requests to the search backend.
var DefaultRequestLatencyBuckets = []float64{
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
	30.0,  // 30s
	60.0,  // 60s
}

// DefaultUnitDurationBuckets are duration buckets for whole collection
// units, which page a bucket to exhaustion.
var DefaultUnitDurationBuckets = prometheus.ExponentialBuckets(0.1, 4, 10)
