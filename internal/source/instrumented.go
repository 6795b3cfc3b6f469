package source

import (
	"context"
	"time"

	"github.com/ecsmeta/ecsmeta/internal/records"
)

// MetricsRecorder is the interface for recording source page fetch metrics.
// This allows the source package to be decoupled from the metrics package.
type MetricsRecorder interface {
	RecordSourcePage(recordType string, durationSeconds float64, success bool, count int)
}

// InstrumentedSource wraps a Source and records metrics for each page fetch.
type InstrumentedSource struct {
	source  Source
	metrics MetricsRecorder
}

// NewInstrumentedSource creates an instrumented wrapper around a Source.
// If metrics is nil, no metrics are recorded and calls pass through directly.
func NewInstrumentedSource(src Source, metrics MetricsRecorder) *InstrumentedSource {
	return &InstrumentedSource{
		source:  src,
		metrics: metrics,
	}
}

// ListPage fetches a page and records its latency and size.
func (s *InstrumentedSource) ListPage(ctx context.Context, key records.BucketKey, rt records.RecordType, token string) (records.Page, error) {
	start := time.Now()
	page, err := s.source.ListPage(ctx, key, rt, token)
	if s.metrics != nil {
		s.metrics.RecordSourcePage(string(rt), time.Since(start).Seconds(), err == nil, len(page.Records))
	}
	return page, err
}

// Ensure InstrumentedSource implements Source.
var _ Source = (*InstrumentedSource)(nil)
