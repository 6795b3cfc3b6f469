// Package collect fans collection work out across a worker pool and gathers
// the outcome of every unit at a final barrier.
package collect

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/ecsmeta/ecsmeta/internal/records"
	"github.com/ecsmeta/ecsmeta/internal/workerpool"
)

// Context describes one collection run over a namespace. Its fields are
// fixed at construction; only the record counter and the pending handle
// queue change during the run.
type Context struct {
	namespace      string
	collectionTime time.Time
	runID          string
	buckets        map[records.BucketKey]records.Bucket

	count atomic.Int64

	// pending is appended by the submitter and drained by the awaiter.
	pending []*workerpool.Handle
}

// NewContext creates the descriptor of a run. collectionTime is stamped on
// every document the run writes.
func NewContext(namespace string, collectionTime time.Time, runID string, buckets []records.Bucket) *Context {
	catalog := make(map[records.BucketKey]records.Bucket, len(buckets))
	for _, b := range buckets {
		catalog[b.Key] = b
	}
	return &Context{
		namespace:      namespace,
		collectionTime: collectionTime.UTC(),
		runID:          runID,
		buckets:        catalog,
	}
}

func (c *Context) Namespace() string         { return c.namespace }
func (c *Context) CollectionTime() time.Time { return c.collectionTime }
func (c *Context) RunID() string             { return c.runID }

// Bucket looks up a bucket in the run's catalog.
func (c *Context) Bucket(key records.BucketKey) (records.Bucket, bool) {
	b, ok := c.buckets[key]
	return b, ok
}

// Buckets returns the catalog sorted by bucket name.
func (c *Context) Buckets() []records.Bucket {
	out := make([]records.Bucket, 0, len(c.buckets))
	for _, b := range c.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// RecordCount returns the number of records written so far.
func (c *Context) RecordCount() int64 {
	return c.count.Load()
}

func (c *Context) addRecords(n int) {
	c.count.Add(int64(n))
}

func (c *Context) enqueue(h *workerpool.Handle) {
	c.pending = append(c.pending, h)
}

// drain hands the pending handles to the caller and empties the queue.
func (c *Context) drain() []*workerpool.Handle {
	handles := c.pending
	c.pending = nil
	return handles
}
