package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordType(t *testing.T) {
	for _, rt := range AllRecordTypes() {
		got, err := ParseRecordType(string(rt))
		require.NoError(t, err)
		assert.Equal(t, rt, got)
	}

	got, err := ParseRecordType(" Object_Versions ")
	require.NoError(t, err)
	assert.Equal(t, TypeObjectVersions, got)

	_, err = ParseRecordType("query_object")
	assert.ErrorIs(t, err, ErrUnknownRecordType)

	_, err = ParseRecordType("all")
	assert.ErrorIs(t, err, ErrUnknownRecordType)
}

func TestPerBucket(t *testing.T) {
	assert.True(t, TypeObject.PerBucket())
	assert.True(t, TypeObjectVersions.PerBucket())
	assert.True(t, TypeQueryObject.PerBucket())
	assert.False(t, TypeBilling.PerBucket())
	assert.False(t, TypeBucket.PerBucket())
}

func TestBucketKey(t *testing.T) {
	k := BucketKey{Namespace: "ns1", Bucket: "b1"}
	assert.Equal(t, "ns1/b1", k.String())
	assert.False(t, k.IsNamespace())
	assert.True(t, NamespaceKey("ns1").IsNamespace())
}

func TestPageExhausted(t *testing.T) {
	assert.True(t, Page{}.Exhausted())
	assert.False(t, Page{NextToken: "m"}.Exhausted())
}
