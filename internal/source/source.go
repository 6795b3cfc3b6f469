// Package source defines the Source interface that yields pages of domain
// records for a bucket or namespace.
//
// # Usage
//
// A work unit pages through a source until the returned page is exhausted:
//
//	token := ""
//	for {
//	    page, err := src.ListPage(ctx, key, records.TypeObject, token)
//	    if err != nil {
//	        if errors.Is(err, source.ErrAccessDenied) {
//	            // Not worth retrying
//	        }
//	        return err
//	    }
//	    // write page.Records
//	    if page.Exhausted() {
//	        return nil
//	    }
//	    token = page.NextToken
//	}
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/ecsmeta/ecsmeta/internal/records"
)

// Common errors returned by Source implementations.
var (
	// ErrBucketNotFound is returned when the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrNamespaceNotFound is returned when the namespace does not exist.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnsupportedType is returned when a source cannot produce the requested record type.
	ErrUnsupportedType = errors.New("unsupported record type")

	// ErrInvalidToken is returned when a continuation token cannot be decoded.
	ErrInvalidToken = errors.New("invalid continuation token")

	// ErrThrottled is returned when the remote side asks the caller to slow down.
	ErrThrottled = errors.New("throttled")
)

// ListError wraps an error with the bucket and operation for context.
type ListError struct {
	Op     string            // Operation that failed (e.g., "ListObjects", "Query")
	Bucket records.BucketKey // Bucket or namespace being listed
	Err    error             // Underlying error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("source: %s %q: %v", e.Op, e.Bucket.String(), e.Err)
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// Source yields pages of records.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Source interface {
	// ListPage returns the page of records of type rt that follows token.
	// An empty token requests the first page. A page with an empty
	// NextToken is the last one.
	//
	// Common errors:
	//   - ErrBucketNotFound: bucket doesn't exist
	//   - ErrAccessDenied: insufficient permissions
	//   - ErrUnsupportedType: this source does not produce rt
	ListPage(ctx context.Context, key records.BucketKey, rt records.RecordType, token string) (records.Page, error)
}

// IsTransient reports whether err is worth retrying. Missing buckets,
// permission errors, bad tokens and unsupported types are not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrBucketNotFound),
		errors.Is(err, ErrNamespaceNotFound),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrUnsupportedType),
		errors.Is(err, ErrInvalidToken):
		return false
	}
	// Unclassified remote failures (5xx, resets, timeouts) are retried.
	return true
}

// Mux routes each record type to the source that produces it.
type Mux struct {
	routes map[records.RecordType]Source
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{routes: make(map[records.RecordType]Source)}
}

// Handle registers src for the given record types.
func (m *Mux) Handle(src Source, types ...records.RecordType) *Mux {
	for _, rt := range types {
		m.routes[rt] = src
	}
	return m
}

// ListPage dispatches to the source registered for rt.
func (m *Mux) ListPage(ctx context.Context, key records.BucketKey, rt records.RecordType, token string) (records.Page, error) {
	src, ok := m.routes[rt]
	if !ok {
		return records.Page{}, &ListError{Op: "ListPage", Bucket: key, Err: fmt.Errorf("%w: %s", ErrUnsupportedType, rt)}
	}
	return src.ListPage(ctx, key, rt, token)
}

var _ Source = (*Mux)(nil)
