// Package search defines the Backend interface used to write documents into,
// and purge documents from, a search index.
//
// The interface mirrors the handful of Elasticsearch operations the collector
// needs: index bootstrap, bulk writes and deletes with per-item outcomes, and
// a time-bounded scroll over a date range query.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by Backend implementations.
var (
	// ErrIndexExists is returned by CreateIndex when the index already exists.
	ErrIndexExists = errors.New("index already exists")

	// ErrIndexNotFound is returned when the target index does not exist.
	ErrIndexNotFound = errors.New("index not found")

	// ErrScrollExpired is returned when a scroll cursor outlived its keep-alive.
	ErrScrollExpired = errors.New("scroll expired")

	// ErrUnavailable is returned when the cluster cannot serve the request.
	ErrUnavailable = errors.New("search backend unavailable")
)

// IndexError wraps an error with the index and operation for context.
type IndexError struct {
	Op    string // Operation that failed (e.g., "Bulk", "CreateIndex")
	Index string // Index name
	Err   error  // Underlying error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("search: %s %q: %v", e.Op, e.Index, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Action is a bulk operation kind.
type Action string

const (
	ActionIndex  Action = "index"
	ActionDelete Action = "delete"
)

// BulkOp is one operation of a bulk request. Doc is ignored for deletes.
type BulkOp struct {
	Action Action
	Index  string
	ID     string
	Doc    map[string]any
}

// BulkItem is the outcome of one bulk operation.
type BulkItem struct {
	Index  string
	ID     string
	Status int
	Error  string
}

// OK reports whether the item was applied.
func (i BulkItem) OK() bool {
	return i.Status >= 200 && i.Status < 300
}

// BulkResponse is the outcome of a bulk request. Items are in request order.
type BulkResponse struct {
	Took  time.Duration
	Items []BulkItem
}

// Succeeded counts applied items.
func (r BulkResponse) Succeeded() int {
	n := 0
	for _, item := range r.Items {
		if item.OK() {
			n++
		}
	}
	return n
}

// Failed returns the items that were rejected.
func (r BulkResponse) Failed() []BulkItem {
	var out []BulkItem
	for _, item := range r.Items {
		if !item.OK() {
			out = append(out, item)
		}
	}
	return out
}

// RangeQuery selects documents whose Field is strictly before Before.
// Before is a date string in the index's date format (e.g. "2024-01-01").
type RangeQuery struct {
	Index     string
	Field     string
	Before    string
	Size      int
	KeepAlive time.Duration
}

// ScrollPage is one page of matching document ids.
type ScrollPage struct {
	ScrollID string
	IDs      []string
	Total    int64
}

// Backend is the interface for search index operations.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Backend interface {
	// IndexExists reports whether the index exists.
	IndexExists(ctx context.Context, index string) (bool, error)

	// CreateIndex creates the index with the given mapping.
	// Returns ErrIndexExists if the index already exists.
	CreateIndex(ctx context.Context, index string, mapping Mapping) error

	// Bulk applies ops in one request and reports per-item outcomes.
	// A non-nil error means the request as a whole failed.
	Bulk(ctx context.Context, ops []BulkOp) (BulkResponse, error)

	// OpenScroll runs q and returns the first page of matching ids.
	OpenScroll(ctx context.Context, q RangeQuery) (ScrollPage, error)

	// NextScroll returns the page after the one identified by scrollID.
	NextScroll(ctx context.Context, scrollID string, keepAlive time.Duration) (ScrollPage, error)

	// ClearScroll releases a scroll cursor. Clearing an unknown cursor succeeds.
	ClearScroll(ctx context.Context, scrollID string) error

	// Close releases resources associated with the backend.
	Close() error
}
