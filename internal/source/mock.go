package source

import (
	"context"
	"strconv"
	"sync"

	"github.com/ecsmeta/ecsmeta/internal/records"
)

// MockSource is an in-memory implementation of the Source interface for testing.
// Pages are served in the order they were added; the continuation token is
// the index of the next page.
type MockSource struct {
	mu    sync.Mutex
	pages map[mockKey][][]records.Record
	fails map[mockKey]mockFailure
	calls map[mockKey]int
}

type mockKey struct {
	bucket records.BucketKey
	rt     records.RecordType
}

type mockFailure struct {
	err       error
	afterPage int
	remaining int // <0 means forever
}

// NewMockSource creates a new MockSource.
func NewMockSource() *MockSource {
	return &MockSource{
		pages: make(map[mockKey][][]records.Record),
		fails: make(map[mockKey]mockFailure),
		calls: make(map[mockKey]int),
	}
}

// AddPage appends a page of records for key and rt.
func (s *MockSource) AddPage(key records.BucketKey, rt records.RecordType, recs ...records.Record) *MockSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := mockKey{key, rt}
	s.pages[k] = append(s.pages[k], recs)
	return s
}

// AddEmpty registers key and rt with no pages so that listing succeeds with
// a single empty page.
func (s *MockSource) AddEmpty(key records.BucketKey, rt records.RecordType) *MockSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := mockKey{key, rt}
	if _, ok := s.pages[k]; !ok {
		s.pages[k] = nil
	}
	return s
}

// FailAt makes every request for the page at index page fail with err.
func (s *MockSource) FailAt(key records.BucketKey, rt records.RecordType, page int, err error) *MockSource {
	return s.failAt(key, rt, page, -1, err)
}

// FailTimes makes the next n requests for the page at index page fail with err.
func (s *MockSource) FailTimes(key records.BucketKey, rt records.RecordType, page, n int, err error) *MockSource {
	return s.failAt(key, rt, page, n, err)
}

func (s *MockSource) failAt(key records.BucketKey, rt records.RecordType, page, n int, err error) *MockSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fails[mockKey{key, rt}] = mockFailure{err: err, afterPage: page, remaining: n}
	return s
}

// Calls returns how many ListPage calls were made for key and rt.
func (s *MockSource) Calls(key records.BucketKey, rt records.RecordType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[mockKey{key, rt}]
}

func (s *MockSource) ListPage(ctx context.Context, key records.BucketKey, rt records.RecordType, token string) (records.Page, error) {
	if err := ctx.Err(); err != nil {
		return records.Page{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := mockKey{key, rt}
	s.calls[k]++

	pages, ok := s.pages[k]
	if !ok {
		return records.Page{}, &ListError{Op: "ListPage", Bucket: key, Err: ErrBucketNotFound}
	}

	idx := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > len(pages) {
			return records.Page{}, &ListError{Op: "ListPage", Bucket: key, Err: ErrInvalidToken}
		}
		idx = n
	}

	if f, ok := s.fails[k]; ok && f.afterPage == idx && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
			s.fails[k] = f
		}
		return records.Page{}, &ListError{Op: "ListPage", Bucket: key, Err: f.err}
	}

	if idx >= len(pages) {
		return records.Page{}, nil
	}

	page := records.Page{Records: append([]records.Record(nil), pages[idx]...)}
	if idx+1 < len(pages) {
		page.NextToken = strconv.Itoa(idx + 1)
	}
	return page, nil
}

var _ Source = (*MockSource)(nil)
