// Package ingest turns domain records into search documents and writes them
// in bulk, bootstrapping destination indexes on first use.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/retry"
	"github.com/ecsmeta/ecsmeta/internal/search"
)

// MetricsRecorder is the interface for recording ingest metrics.
// This allows the ingest package to be decoupled from the metrics package.
type MetricsRecorder interface {
	RecordBulk(index string, durationSeconds float64, accepted, rejected int)
	RecordSchemaCreated(index string)
}

// BulkResult is the outcome of a WriteBatch call.
type BulkResult struct {
	Written   int
	FailedIDs map[string]string // id -> rejection reason
}

// Failed returns how many documents were rejected.
func (r BulkResult) Failed() int {
	return len(r.FailedIDs)
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Backend search.Backend
	Retry   retry.Policy
	Logger  *logging.Logger
	Metrics MetricsRecorder
}

// Writer writes document batches and bootstraps their indexes.
// A Writer is safe for concurrent use.
type Writer struct {
	backend search.Backend
	retry   retry.Policy
	logger  *logging.Logger
	metrics MetricsRecorder

	mu      sync.Mutex
	schemas map[string]*schemaState
}

// schemaState tracks one index bootstrap. done is closed once err is set.
type schemaState struct {
	done chan struct{}
	err  error
}

// NewWriter creates a new Writer.
func NewWriter(cfg WriterConfig) *Writer {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.Once
	}
	return &Writer{
		backend: cfg.Backend,
		retry:   policy,
		logger:  logger.With(map[string]any{"component": "ingest"}),
		metrics: cfg.Metrics,
		schemas: make(map[string]*schemaState),
	}
}

// EnsureSchema creates the schema's index if it does not exist yet. Within a
// process the bootstrap runs at most once per index; concurrent callers wait
// for the first one and share its outcome. A failed bootstrap is forgotten so
// a later call can try again, and a waiter whose leader was cancelled takes
// over instead of inheriting the cancellation. Losing a creation race against
// another process is not an error.
func (w *Writer) EnsureSchema(ctx context.Context, schema Schema) error {
	for {
		w.mu.Lock()
		st, ok := w.schemas[schema.Index]
		if !ok {
			st = &schemaState{done: make(chan struct{})}
			w.schemas[schema.Index] = st
			w.mu.Unlock()
			return w.lead(ctx, schema, st)
		}
		w.mu.Unlock()

		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if isContextError(st.err) && ctx.Err() == nil {
			continue
		}
		return st.err
	}
}

func (w *Writer) lead(ctx context.Context, schema Schema, st *schemaState) error {
	st.err = w.bootstrap(ctx, schema)
	if st.err != nil {
		w.mu.Lock()
		delete(w.schemas, schema.Index)
		w.mu.Unlock()
	}
	close(st.done)
	return st.err
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (w *Writer) bootstrap(ctx context.Context, schema Schema) error {
	var created bool
	err := retry.Do(ctx, w.retry, func() error {
		exists, err := w.backend.IndexExists(ctx, schema.Index)
		if err != nil {
			return classify(err)
		}
		if exists {
			return nil
		}
		err = w.backend.CreateIndex(ctx, schema.Index, schema.Mapping)
		if errors.Is(err, search.ErrIndexExists) {
			return nil
		}
		if err != nil {
			return classify(err)
		}
		created = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingest: bootstrap index %s: %w", schema.Index, err)
	}

	if created {
		w.logger.Infof("created index", map[string]any{"index": schema.Index, "category": schema.Mapping.Category})
		if w.metrics != nil {
			w.metrics.RecordSchemaCreated(schema.Index)
		}
	}
	return nil
}

// WriteBatch indexes every document of the batch in one bulk request.
// Documents the backend rejects are reported in the result and logged; they
// do not fail the call. An error means the request as a whole failed and
// nothing is known to be written.
func (w *Writer) WriteBatch(ctx context.Context, batch Batch) (BulkResult, error) {
	if len(batch.Docs) == 0 {
		return BulkResult{}, nil
	}

	ops := make([]search.BulkOp, len(batch.Docs))
	for i, doc := range batch.Docs {
		ops[i] = search.BulkOp{
			Action: search.ActionIndex,
			Index:  batch.Schema.Index,
			ID:     doc.ID,
			Doc:    doc.Body,
		}
	}

	start := time.Now()
	var resp search.BulkResponse
	err := retry.DoNotify(ctx, w.retry, func() error {
		var err error
		resp, err = w.backend.Bulk(ctx, ops)
		return classify(err)
	}, func(err error, attempt int, wait time.Duration) {
		w.logger.Warnf("bulk write failed, retrying", map[string]any{
			"index":   batch.Schema.Index,
			"attempt": attempt,
			"wait":    wait.String(),
			"error":   err.Error(),
		})
	})
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordBulk(batch.Schema.Index, time.Since(start).Seconds(), 0, 0)
		}
		return BulkResult{}, fmt.Errorf("ingest: bulk write to %s: %w", batch.Schema.Index, err)
	}

	result := BulkResult{}
	for _, item := range resp.Items {
		if item.OK() {
			result.Written++
			continue
		}
		if result.FailedIDs == nil {
			result.FailedIDs = make(map[string]string)
		}
		result.FailedIDs[item.ID] = item.Error
	}

	if w.metrics != nil {
		w.metrics.RecordBulk(batch.Schema.Index, time.Since(start).Seconds(), result.Written, result.Failed())
	}

	fields := map[string]any{
		"index":   batch.Schema.Index,
		"written": result.Written,
		"took":    resp.Took.String(),
	}
	if result.Failed() > 0 {
		fields["rejected"] = result.Failed()
		for id, reason := range result.FailedIDs {
			fields["firstRejectedId"] = id
			fields["firstRejectReason"] = reason
			break
		}
		w.logger.Warnf("bulk write partially rejected", fields)
	} else {
		w.logger.Debugf("bulk write complete", fields)
	}
	return result, nil
}

// classify marks backend errors that retrying cannot fix as permanent.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Permanent(err)
	case errors.Is(err, search.ErrIndexNotFound), errors.Is(err, search.ErrScrollExpired):
		return retry.Permanent(err)
	}
	return err
}
