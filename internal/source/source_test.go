package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecsmeta/ecsmeta/internal/records"
)

var b1 = records.BucketKey{Namespace: "ns1", Bucket: "b1"}

func obj(key string) records.Record {
	return records.ObjectRecord{Bucket: b1, Key: key, Size: 1}
}

func TestMockSourcePaging(t *testing.T) {
	src := NewMockSource().
		AddPage(b1, records.TypeObject, obj("a"), obj("b")).
		AddPage(b1, records.TypeObject, obj("c"))
	ctx := context.Background()

	first, err := src.ListPage(ctx, b1, records.TypeObject, "")
	require.NoError(t, err)
	assert.Len(t, first.Records, 2)
	assert.False(t, first.Exhausted())

	second, err := src.ListPage(ctx, b1, records.TypeObject, first.NextToken)
	require.NoError(t, err)
	assert.Len(t, second.Records, 1)
	assert.True(t, second.Exhausted())
	assert.Equal(t, 2, src.Calls(b1, records.TypeObject))
}

func TestMockSourceEmptyAndMissing(t *testing.T) {
	src := NewMockSource().AddEmpty(b1, records.TypeObject)
	ctx := context.Background()

	page, err := src.ListPage(ctx, b1, records.TypeObject, "")
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.True(t, page.Exhausted())

	_, err = src.ListPage(ctx, b1, records.TypeObjectVersions, "")
	assert.ErrorIs(t, err, ErrBucketNotFound)

	var le *ListError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, b1, le.Bucket)
	assert.Contains(t, le.Error(), "ns1/b1")
}

func TestMockSourceFailTimes(t *testing.T) {
	reset := errors.New("connection reset")
	src := NewMockSource().
		AddPage(b1, records.TypeObject, obj("a")).
		FailTimes(b1, records.TypeObject, 0, 1, reset)
	ctx := context.Background()

	_, err := src.ListPage(ctx, b1, records.TypeObject, "")
	assert.ErrorIs(t, err, reset)

	page, err := src.ListPage(ctx, b1, records.TypeObject, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
}

func TestMockSourceInvalidToken(t *testing.T) {
	src := NewMockSource().AddPage(b1, records.TypeObject, obj("a"))
	_, err := src.ListPage(context.Background(), b1, records.TypeObject, "nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(&ListError{Op: "List", Bucket: b1, Err: ErrAccessDenied}))
	assert.False(t, IsTransient(fmt.Errorf("wrapped: %w", ErrBucketNotFound)))
	assert.True(t, IsTransient(ErrThrottled))
	assert.True(t, IsTransient(errors.New("503 slow down")))
}

func TestMuxRoutesByRecordType(t *testing.T) {
	objects := NewMockSource().AddPage(b1, records.TypeObject, obj("a"))
	billing := NewMockSource().AddPage(records.NamespaceKey("ns1"), records.TypeBilling,
		records.NamespaceBillingRecord{Namespace: "ns1"})

	mux := NewMux().
		Handle(objects, records.TypeObject, records.TypeObjectVersions).
		Handle(billing, records.TypeBilling)
	ctx := context.Background()

	page, err := mux.ListPage(ctx, b1, records.TypeObject, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)

	page, err = mux.ListPage(ctx, records.NamespaceKey("ns1"), records.TypeBilling, "")
	require.NoError(t, err)
	assert.IsType(t, records.NamespaceBillingRecord{}, page.Records[0])

	_, err = mux.ListPage(ctx, b1, records.TypeBucket, "")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

type pageCall struct {
	recordType string
	success    bool
	records    int
}

type mockMetrics struct {
	pages []pageCall
}

func (m *mockMetrics) RecordSourcePage(recordType string, _ float64, success bool, count int) {
	m.pages = append(m.pages, pageCall{recordType, success, count})
}

func TestInstrumentedSource(t *testing.T) {
	inner := NewMockSource().AddPage(b1, records.TypeObject, obj("a"), obj("b"))
	m := &mockMetrics{}
	src := NewInstrumentedSource(inner, m)
	ctx := context.Background()

	_, err := src.ListPage(ctx, b1, records.TypeObject, "")
	require.NoError(t, err)
	_, err = src.ListPage(ctx, b1, records.TypeObjectVersions, "")
	require.Error(t, err)

	require.Len(t, m.pages, 2)
	assert.Equal(t, pageCall{"object", true, 2}, m.pages[0])
	assert.Equal(t, pageCall{"object_versions", false, 0}, m.pages[1])
}

func TestInstrumentedSourceNilMetrics(t *testing.T) {
	inner := NewMockSource().AddPage(b1, records.TypeObject, obj("a"))
	_, err := NewInstrumentedSource(inner, nil).ListPage(context.Background(), b1, records.TypeObject, "")
	assert.NoError(t, err)
}
