package ingest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/records"
	"github.com/ecsmeta/ecsmeta/internal/retry"
	"github.com/ecsmeta/ecsmeta/internal/search"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type bulkCall struct {
	index              string
	accepted, rejected int
}

type mockMetrics struct {
	mu      sync.Mutex
	bulks   []bulkCall
	created []string
}

func (m *mockMetrics) RecordBulk(index string, _ float64, accepted, rejected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulks = append(m.bulks, bulkCall{index, accepted, rejected})
}

func (m *mockMetrics) RecordSchemaCreated(index string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, index)
}

func newTestWriter(backend search.Backend, m MetricsRecorder) *Writer {
	return NewWriter(WriterConfig{
		Backend: backend,
		Retry:   fastRetry,
		Logger:  logging.Discard(),
		Metrics: m,
	})
}

func TestEnsureSchemaConcurrent(t *testing.T) {
	backend := search.NewMemoryBackend()
	m := &mockMetrics{}
	w := newTestWriter(backend, m)

	const n = 32
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = w.EnsureSchema(context.Background(), ObjectSchema)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, backend.Creates(ObjectIndex))
	assert.Equal(t, []string{ObjectIndex}, m.created)

	mapping, ok := backend.MappingOf(ObjectIndex)
	require.True(t, ok)
	assert.Equal(t, "object-info", mapping.Category)
}

func TestEnsureSchemaAcrossWriters(t *testing.T) {
	// separate writers stand in for separate collector processes
	backend := search.NewMemoryBackend()

	const n = 8
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := newTestWriter(backend, nil).EnsureSchema(context.Background(), ObjectVersionSchema); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, backend.Creates(ObjectVersionIndex))
}

// racyBackend reports every index as missing so that CreateIndex always runs,
// as when another process creates the index between the two calls.
type racyBackend struct {
	*search.MemoryBackend
}

func (racyBackend) IndexExists(context.Context, string) (bool, error) { return false, nil }

func TestEnsureSchemaLosesCreateRace(t *testing.T) {
	backend := racyBackend{search.NewMemoryBackend()}
	require.NoError(t, backend.CreateIndex(context.Background(), ObjectIndex, ObjectSchema.Mapping))

	err := newTestWriter(backend, nil).EnsureSchema(context.Background(), ObjectSchema)
	assert.NoError(t, err)
	assert.Equal(t, 1, backend.Creates(ObjectIndex))
}

// flakyBackend fails IndexExists a configured number of times.
type flakyBackend struct {
	*search.MemoryBackend
	failures atomic.Int32
	err      error
}

func (b *flakyBackend) IndexExists(ctx context.Context, index string) (bool, error) {
	if b.failures.Add(-1) >= 0 {
		return false, b.err
	}
	return b.MemoryBackend.IndexExists(ctx, index)
}

func TestEnsureSchemaRetriesTransientErrors(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: search.NewMemoryBackend(), err: search.ErrUnavailable}
	backend.failures.Store(2)

	err := newTestWriter(backend, nil).EnsureSchema(context.Background(), BucketSchema)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Creates(BucketIndex))
}

func TestEnsureSchemaFailureIsNotCached(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: search.NewMemoryBackend(), err: search.ErrUnavailable}
	backend.failures.Store(3) // exhausts all three attempts
	w := newTestWriter(backend, nil)

	err := w.EnsureSchema(context.Background(), BucketSchema)
	require.Error(t, err)
	assert.ErrorIs(t, err, search.ErrUnavailable)
	assert.Zero(t, backend.Creates(BucketIndex))

	require.NoError(t, w.EnsureSchema(context.Background(), BucketSchema))
	assert.Equal(t, 1, backend.Creates(BucketIndex))
}

// stallingBackend blocks the first IndexExists call until its context ends.
type stallingBackend struct {
	*search.MemoryBackend
	calls   atomic.Int32
	entered chan struct{}
}

func (b *stallingBackend) IndexExists(ctx context.Context, index string) (bool, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-ctx.Done()
		return false, ctx.Err()
	}
	return b.MemoryBackend.IndexExists(ctx, index)
}

func TestEnsureSchemaWaiterSurvivesCancelledLeader(t *testing.T) {
	backend := &stallingBackend{MemoryBackend: search.NewMemoryBackend(), entered: make(chan struct{})}
	w := newTestWriter(backend, nil)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() { leaderErr <- w.EnsureSchema(leaderCtx, ObjectSchema) }()
	<-backend.entered

	waiterErr := make(chan error, 1)
	go func() { waiterErr <- w.EnsureSchema(context.Background(), ObjectSchema) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	select {
	case err := <-waiterErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not finish")
	}
	assert.Equal(t, 1, backend.Creates(ObjectIndex))
}

func objectBatch(t *testing.T, keys ...string) Batch {
	t.Helper()
	recs := make([]records.Record, len(keys))
	for i, k := range keys {
		recs[i] = records.ObjectRecord{Bucket: b1, Key: k}
	}
	batches, err := BuildBatches(recs, runTime)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	return batches[0]
}

func TestWriteBatch(t *testing.T) {
	backend := search.NewMemoryBackend()
	m := &mockMetrics{}
	w := newTestWriter(backend, m)

	res, err := w.WriteBatch(context.Background(), objectBatch(t, "a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.Zero(t, res.Failed())
	assert.Equal(t, 3, backend.Count(ObjectIndex))
	assert.Equal(t, []bulkCall{{ObjectIndex, 3, 0}}, m.bulks)
}

func TestWriteBatchIsIdempotent(t *testing.T) {
	backend := search.NewMemoryBackend()
	w := newTestWriter(backend, nil)
	batch := objectBatch(t, "a", "b")

	_, err := w.WriteBatch(context.Background(), batch)
	require.NoError(t, err)
	_, err = w.WriteBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Count(ObjectIndex))
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	backend := search.NewMemoryBackend()
	w := newTestWriter(backend, nil)

	res, err := w.WriteBatch(context.Background(), Batch{Schema: ObjectSchema})
	require.NoError(t, err)
	assert.Zero(t, res.Written)
	assert.Zero(t, backend.BulkCalls())
}

func TestWriteBatchPartialRejection(t *testing.T) {
	backend := search.NewMemoryBackend()
	batch := objectBatch(t, "a", "b", "c")
	rejectID := batch.Docs[1].ID
	backend.Reject = func(op search.BulkOp) (int, string) {
		if op.ID == rejectID {
			return http.StatusBadRequest, "mapper_parsing_exception"
		}
		return 0, ""
	}
	m := &mockMetrics{}

	res, err := newTestWriter(backend, m).WriteBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, map[string]string{rejectID: "mapper_parsing_exception"}, res.FailedIDs)
	assert.Equal(t, 2, backend.Count(ObjectIndex))
	assert.Equal(t, []bulkCall{{ObjectIndex, 2, 1}}, m.bulks)
}

func TestWriteBatchRetriesWholeRequestFailures(t *testing.T) {
	backend := search.NewMemoryBackend()
	var calls atomic.Int32
	backend.FailBulk = func([]search.BulkOp) error {
		if calls.Add(1) == 1 {
			return search.ErrUnavailable
		}
		return nil
	}

	res, err := newTestWriter(backend, nil).WriteBatch(context.Background(), objectBatch(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 2, backend.BulkCalls())
}

func TestWriteBatchFails(t *testing.T) {
	backend := search.NewMemoryBackend()
	backend.FailBulk = func([]search.BulkOp) error { return search.ErrUnavailable }

	_, err := newTestWriter(backend, nil).WriteBatch(context.Background(), objectBatch(t, "a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, search.ErrUnavailable))
	assert.Equal(t, 3, backend.BulkCalls())
}
