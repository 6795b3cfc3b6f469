package purge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecsmeta/ecsmeta/internal/ingest"
	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/search"
)

var day = time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC)

// countingBackend counts every call made through it.
type countingBackend struct {
	search.Backend
	calls atomic.Int64
}

func (c *countingBackend) IndexExists(ctx context.Context, index string) (bool, error) {
	c.calls.Add(1)
	return c.Backend.IndexExists(ctx, index)
}

func (c *countingBackend) Bulk(ctx context.Context, ops []search.BulkOp) (search.BulkResponse, error) {
	c.calls.Add(1)
	return c.Backend.Bulk(ctx, ops)
}

func (c *countingBackend) OpenScroll(ctx context.Context, q search.RangeQuery) (search.ScrollPage, error) {
	c.calls.Add(1)
	return c.Backend.OpenScroll(ctx, q)
}

func (c *countingBackend) NextScroll(ctx context.Context, id string, keepAlive time.Duration) (search.ScrollPage, error) {
	c.calls.Add(1)
	return c.Backend.NextScroll(ctx, id, keepAlive)
}

func (c *countingBackend) ClearScroll(ctx context.Context, id string) error {
	c.calls.Add(1)
	return c.Backend.ClearScroll(ctx, id)
}

type mockMetrics struct {
	mu      sync.Mutex
	deleted int
	failed  int
	pages   int
	errors  int
}

func (m *mockMetrics) RecordPurgePage(_ string, _ float64, deleted, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages++
	m.deleted += deleted
	m.failed += failed
}

func (m *mockMetrics) RecordPurgeError(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func newTestEngine(backend search.Backend, m MetricsRecorder) *Engine {
	return NewEngine(EngineConfig{
		Backend: backend,
		Logger:  logging.Discard(),
		Metrics: m,
	})
}

func seed(b *search.MemoryBackend, index string, n int, collected time.Time) {
	for i := 0; i < n; i++ {
		b.Put(index, fmt.Sprintf("%s-%s-%06d", index, collected.Format("20060102"), i), map[string]any{
			ingest.FieldCollectionTime: collected,
		})
	}
}

func TestPurgeDeletesInPages(t *testing.T) {
	backend := search.NewMemoryBackend()
	seed(backend, ingest.ObjectIndex, 30000, day.AddDate(0, 0, -40))
	seed(backend, ingest.ObjectIndex, 10, day)
	m := &mockMetrics{}
	e := newTestEngine(backend, m)

	n, err := e.Purge(context.Background(), DataObject, day.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(30000), n)
	assert.Equal(t, 2, backend.BulkCalls())
	assert.Equal(t, 10, backend.Count(ingest.ObjectIndex))
	assert.Equal(t, 0, backend.OpenScrolls())
	assert.Equal(t, 2, m.pages)
	assert.Equal(t, 30000, m.deleted)

	// a rerun finds nothing left
	n, err = e.Purge(context.Background(), DataObject, day.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, 2, backend.BulkCalls())
}

// rotatingBackend hands out a fresh scroll id on every page, as
// Elasticsearch may, and remembers which ids were cleared.
type rotatingBackend struct {
	*search.MemoryBackend
	mu      sync.Mutex
	next    int
	aliases map[string]string
	cleared []string
}

func (r *rotatingBackend) rotate(page search.ScrollPage) search.ScrollPage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("gen-%d", r.next)
	r.aliases[id] = page.ScrollID
	page.ScrollID = id
	return page
}

func (r *rotatingBackend) resolve(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aliases[id]
}

func (r *rotatingBackend) OpenScroll(ctx context.Context, q search.RangeQuery) (search.ScrollPage, error) {
	page, err := r.MemoryBackend.OpenScroll(ctx, q)
	if err != nil {
		return page, err
	}
	return r.rotate(page), nil
}

func (r *rotatingBackend) NextScroll(ctx context.Context, id string, keepAlive time.Duration) (search.ScrollPage, error) {
	page, err := r.MemoryBackend.NextScroll(ctx, r.resolve(id), keepAlive)
	if err != nil {
		return page, err
	}
	return r.rotate(page), nil
}

func (r *rotatingBackend) ClearScroll(ctx context.Context, id string) error {
	r.mu.Lock()
	r.cleared = append(r.cleared, id)
	r.mu.Unlock()
	return r.MemoryBackend.ClearScroll(ctx, r.resolve(id))
}

func TestPurgeClearsLatestScrollID(t *testing.T) {
	backend := &rotatingBackend{MemoryBackend: search.NewMemoryBackend(), aliases: make(map[string]string)}
	seed(backend.MemoryBackend, ingest.ObjectIndex, 25, day.AddDate(0, 0, -40))
	e := NewEngine(EngineConfig{Backend: backend, PageSize: 10, Logger: logging.Discard()})

	n, err := e.Purge(context.Background(), DataObject, day)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
	// pages of 10, 10, 5 and the final empty page
	assert.Equal(t, []string{"gen-4"}, backend.cleared)
	assert.Equal(t, 0, backend.OpenScrolls())
}

func TestEnginePageSizeCappedAtScrollWindow(t *testing.T) {
	e := NewEngine(EngineConfig{Backend: search.NewMemoryBackend(), PageSize: 100000, Logger: logging.Discard()})
	assert.Equal(t, ingest.ScrollWindow, e.pageSize)

	e = NewEngine(EngineConfig{Backend: search.NewMemoryBackend(), PageSize: 500, Logger: logging.Discard()})
	assert.Equal(t, 500, e.pageSize)
}

func TestPurgeKeepsThresholdDay(t *testing.T) {
	backend := search.NewMemoryBackend()
	backend.Put(ingest.ObjectVersionIndex, "old", map[string]any{
		ingest.FieldCollectionTime: time.Date(2026, 10, 18, 23, 59, 59, 999e6, time.UTC),
	})
	backend.Put(ingest.ObjectVersionIndex, "boundary", map[string]any{
		ingest.FieldCollectionTime: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
	})
	backend.Put(ingest.ObjectVersionIndex, "later", map[string]any{
		ingest.FieldCollectionTime: "2026-10-19T22:00:00.000Z",
	})
	e := newTestEngine(backend, nil)

	n, err := e.Purge(context.Background(), DataObjectVersions, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := backend.Get(ingest.ObjectVersionIndex, "old")
	assert.False(t, ok)
	_, ok = backend.Get(ingest.ObjectVersionIndex, "boundary")
	assert.True(t, ok)
	_, ok = backend.Get(ingest.ObjectVersionIndex, "later")
	assert.True(t, ok)
}

func TestPurgeOnlyTouchesItsIndex(t *testing.T) {
	backend := search.NewMemoryBackend()
	old := day.AddDate(0, 0, -60)
	seed(backend, ingest.ObjectIndex, 5, old)
	seed(backend, ingest.ObjectVersionIndex, 7, old)
	e := newTestEngine(backend, nil)

	n, err := e.Purge(context.Background(), DataObjectVersions, day)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, 5, backend.Count(ingest.ObjectIndex))
	assert.Equal(t, 0, backend.Count(ingest.ObjectVersionIndex))
}

func TestPurgeUnknownDataType(t *testing.T) {
	backend := &countingBackend{Backend: search.NewMemoryBackend()}
	e := newTestEngine(backend, nil)

	n, err := e.Purge(context.Background(), DataType("billing"), day)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, int64(0), backend.calls.Load())
}

func TestPurgeMissingIndex(t *testing.T) {
	e := newTestEngine(search.NewMemoryBackend(), nil)

	n, err := e.Purge(context.Background(), DataObject, day)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPurgeScrollFailureEndsEarly(t *testing.T) {
	backend := search.NewMemoryBackend()
	seed(backend, ingest.ObjectIndex, 30, day.AddDate(0, 0, -2))
	backend.FailScroll = func(string) error {
		return &search.IndexError{Op: "Scroll", Err: search.ErrScrollExpired}
	}
	m := &mockMetrics{}
	e := NewEngine(EngineConfig{Backend: backend, PageSize: 10, Logger: logging.Discard(), Metrics: m})

	n, err := e.Purge(context.Background(), DataObject, day)
	require.Error(t, err)
	assert.ErrorIs(t, err, search.ErrScrollExpired)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, 20, backend.Count(ingest.ObjectIndex))
	assert.Equal(t, 1, m.errors)
	assert.Equal(t, 0, backend.OpenScrolls())
}

func TestPurgeCountsOnlyAcknowledgedDeletes(t *testing.T) {
	backend := search.NewMemoryBackend()
	seed(backend, ingest.ObjectIndex, 20, day.AddDate(0, 0, -2))
	var rejected atomic.Int64
	backend.Reject = func(op search.BulkOp) (int, string) {
		if rejected.Load() < 3 {
			rejected.Add(1)
			return http.StatusTooManyRequests, "es_rejected_execution_exception"
		}
		return 0, ""
	}
	m := &mockMetrics{}
	e := NewEngine(EngineConfig{Backend: backend, PageSize: 10, Logger: logging.Discard(), Metrics: m})

	n, err := e.Purge(context.Background(), DataObject, day)
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
	assert.Equal(t, 3, backend.Count(ingest.ObjectIndex))
	assert.Equal(t, 3, m.failed)
}

func TestPurgeContinuesAfterBulkFailure(t *testing.T) {
	backend := search.NewMemoryBackend()
	seed(backend, ingest.ObjectIndex, 20, day.AddDate(0, 0, -2))
	var calls atomic.Int64
	backend.FailBulk = func([]search.BulkOp) error {
		if calls.Add(1) == 1 {
			return search.ErrUnavailable
		}
		return nil
	}
	m := &mockMetrics{}
	e := NewEngine(EngineConfig{Backend: backend, PageSize: 10, Logger: logging.Discard(), Metrics: m})

	n, err := e.Purge(context.Background(), DataObject, day)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, 10, backend.Count(ingest.ObjectIndex))
	assert.Equal(t, 2, backend.BulkCalls())
	assert.Equal(t, 1, m.errors)
}

func TestThresholdDay(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	// 22:00 at UTC-5 is already the next day in UTC
	ts := time.Date(2026, 10, 18, 22, 0, 0, 0, loc)
	assert.Equal(t, "2026-10-19", ThresholdDay(ts).Format(ThresholdLayout))
}

func TestParseDataTypes(t *testing.T) {
	types, err := ParseDataTypes([]string{"object_versions", " OBJECT "})
	require.NoError(t, err)
	assert.Equal(t, []DataType{DataObjectVersions, DataObject}, types)

	types, err = ParseDataTypes([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, AllDataTypes(), types)

	_, err = ParseDataTypes([]string{"billing"})
	assert.True(t, errors.Is(err, ErrUnknownDataType))
}

func TestSweepOnce(t *testing.T) {
	backend := search.NewMemoryBackend()
	seed(backend, ingest.ObjectIndex, 4, day.AddDate(0, 0, -31))
	seed(backend, ingest.ObjectIndex, 3, day.AddDate(0, 0, -29))
	seed(backend, ingest.ObjectVersionIndex, 6, day.AddDate(0, 0, -45))
	s := NewSweeper(newTestEngine(backend, nil), SweeperConfig{
		RetentionDays: 30,
		Now:           func() time.Time { return day },
	})

	assert.Equal(t, "2026-09-19", ThresholdDay(s.Threshold()).Format(ThresholdLayout))

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, 3, backend.Count(ingest.ObjectIndex))
	assert.Equal(t, 0, backend.Count(ingest.ObjectVersionIndex))
}

func TestSweepOnceCombinesErrors(t *testing.T) {
	backend := search.NewMemoryBackend()
	seed(backend, ingest.ObjectIndex, 4, day.AddDate(0, 0, -40))
	seed(backend, ingest.ObjectVersionIndex, 4, day.AddDate(0, 0, -40))
	backend.FailScroll = func(string) error { return search.ErrUnavailable }
	s := NewSweeper(NewEngine(EngineConfig{Backend: backend, PageSize: 2, Logger: logging.Discard()}), SweeperConfig{
		RetentionDays: 30,
		Now:           func() time.Time { return day },
	})

	n, err := s.SweepOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, search.ErrUnavailable)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	// each type deletes its first page before the scroll fails
	assert.Equal(t, int64(4), n)
}

func TestSweeperStartStop(t *testing.T) {
	backend := search.NewMemoryBackend()
	seed(backend, ingest.ObjectIndex, 5, day.AddDate(0, 0, -40))
	s := NewSweeper(newTestEngine(backend, nil), SweeperConfig{
		IntervalMs:    10,
		RetentionDays: 30,
		Now:           func() time.Time { return day },
	})

	s.Start()
	s.Start()
	require.Eventually(t, func() bool {
		return backend.Count(ingest.ObjectIndex) == 0
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	seed(backend, ingest.ObjectIndex, 2, day.AddDate(0, 0, -40))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, backend.Count(ingest.ObjectIndex))
}
