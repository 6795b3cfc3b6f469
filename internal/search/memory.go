package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend is an in-memory implementation of the Backend interface for
// testing. Scrolls are snapshots taken when opened, like Elasticsearch scroll
// contexts, so deletes issued while paging do not shift later pages.
type MemoryBackend struct {
	mu         sync.Mutex
	indexes    map[string]*memIndex
	creates    map[string]int
	scrolls    map[string]*memScroll
	nextScroll int
	bulkCalls  int

	// Reject, when set, is consulted for every bulk op. A non-zero status
	// rejects the op with the given reason.
	Reject func(op BulkOp) (status int, reason string)

	// FailBulk, when set, fails whole bulk requests.
	FailBulk func(ops []BulkOp) error

	// FailScroll, when set, fails NextScroll calls.
	FailScroll func(scrollID string) error
}

type memIndex struct {
	mapping Mapping
	docs    map[string]map[string]any
}

type memScroll struct {
	ids  []string
	pos  int
	size int
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		indexes: make(map[string]*memIndex),
		creates: make(map[string]int),
		scrolls: make(map[string]*memScroll),
	}
}

func (b *MemoryBackend) IndexExists(ctx context.Context, index string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.indexes[index]
	return ok, nil
}

func (b *MemoryBackend) CreateIndex(ctx context.Context, index string, mapping Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indexes[index]; ok {
		return &IndexError{Op: "CreateIndex", Index: index, Err: ErrIndexExists}
	}
	b.indexes[index] = &memIndex{mapping: mapping, docs: make(map[string]map[string]any)}
	b.creates[index]++
	return nil
}

// Creates returns how many times index was created.
func (b *MemoryBackend) Creates(index string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates[index]
}

// MappingOf returns the mapping index was created with.
func (b *MemoryBackend) MappingOf(index string) (Mapping, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.indexes[index]
	if !ok {
		return Mapping{}, false
	}
	return idx.mapping, true
}

// Put stores a document directly, creating the index if needed.
func (b *MemoryBackend) Put(index, id string, doc map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index(index).docs[id] = doc
}

// Get returns a stored document.
func (b *MemoryBackend) Get(index, id string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.indexes[index]
	if !ok {
		return nil, false
	}
	doc, ok := idx.docs[id]
	return doc, ok
}

// Count returns the number of documents in index.
func (b *MemoryBackend) Count(index string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.indexes[index]; ok {
		return len(idx.docs)
	}
	return 0
}

// Docs returns all documents in index.
func (b *MemoryBackend) Docs(index string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.indexes[index]
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(idx.docs))
	for _, doc := range idx.docs {
		out = append(out, doc)
	}
	return out
}

// BulkCalls returns how many bulk requests were received.
func (b *MemoryBackend) BulkCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bulkCalls
}

// OpenScrolls returns how many scroll cursors are still open.
func (b *MemoryBackend) OpenScrolls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scrolls)
}

// ExpireScrolls drops every open scroll cursor.
func (b *MemoryBackend) ExpireScrolls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scrolls = make(map[string]*memScroll)
}

// index returns the named index, creating it without a mapping if needed.
// Callers hold b.mu.
func (b *MemoryBackend) index(name string) *memIndex {
	idx, ok := b.indexes[name]
	if !ok {
		idx = &memIndex{docs: make(map[string]map[string]any)}
		b.indexes[name] = idx
	}
	return idx
}

func (b *MemoryBackend) Bulk(ctx context.Context, ops []BulkOp) (BulkResponse, error) {
	if err := ctx.Err(); err != nil {
		return BulkResponse{}, err
	}
	start := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.bulkCalls++

	if b.FailBulk != nil {
		if err := b.FailBulk(ops); err != nil {
			return BulkResponse{}, err
		}
	}

	resp := BulkResponse{Items: make([]BulkItem, 0, len(ops))}
	for _, op := range ops {
		item := BulkItem{Index: op.Index, ID: op.ID}
		if b.Reject != nil {
			if status, reason := b.Reject(op); status != 0 {
				item.Status, item.Error = status, reason
				resp.Items = append(resp.Items, item)
				continue
			}
		}

		switch op.Action {
		case ActionIndex:
			idx := b.index(op.Index)
			if _, exists := idx.docs[op.ID]; exists {
				item.Status = http.StatusOK
			} else {
				item.Status = http.StatusCreated
			}
			idx.docs[op.ID] = op.Doc
		case ActionDelete:
			idx, ok := b.indexes[op.Index]
			if !ok {
				item.Status, item.Error = http.StatusNotFound, "index_not_found_exception"
				break
			}
			if _, exists := idx.docs[op.ID]; !exists {
				item.Status, item.Error = http.StatusNotFound, "not_found"
				break
			}
			delete(idx.docs, op.ID)
			item.Status = http.StatusOK
		default:
			item.Status, item.Error = http.StatusBadRequest, fmt.Sprintf("unknown action %q", op.Action)
		}
		resp.Items = append(resp.Items, item)
	}
	resp.Took = time.Since(start)
	return resp, nil
}

func (b *MemoryBackend) OpenScroll(ctx context.Context, q RangeQuery) (ScrollPage, error) {
	if err := ctx.Err(); err != nil {
		return ScrollPage{}, err
	}
	before, err := ParseDate(q.Before)
	if err != nil {
		return ScrollPage{}, &IndexError{Op: "Search", Index: q.Index, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.indexes[q.Index]
	if !ok {
		return ScrollPage{}, &IndexError{Op: "Search", Index: q.Index, Err: ErrIndexNotFound}
	}

	var ids []string
	for id, doc := range idx.docs {
		ts, err := ParseDate(doc[q.Field])
		if err != nil {
			continue
		}
		if ts.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	size := q.Size
	if size <= 0 {
		size = 10
	}
	b.nextScroll++
	scrollID := "scroll-" + strconv.Itoa(b.nextScroll)
	b.scrolls[scrollID] = &memScroll{ids: ids, size: size}
	return b.advance(scrollID), nil
}

func (b *MemoryBackend) NextScroll(ctx context.Context, scrollID string, _ time.Duration) (ScrollPage, error) {
	if err := ctx.Err(); err != nil {
		return ScrollPage{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailScroll != nil {
		if err := b.FailScroll(scrollID); err != nil {
			return ScrollPage{}, err
		}
	}
	if _, ok := b.scrolls[scrollID]; !ok {
		return ScrollPage{}, &IndexError{Op: "Scroll", Err: ErrScrollExpired}
	}
	return b.advance(scrollID), nil
}

// advance returns the next page of an open scroll. Callers hold b.mu.
func (b *MemoryBackend) advance(scrollID string) ScrollPage {
	s := b.scrolls[scrollID]
	end := s.pos + s.size
	if end > len(s.ids) {
		end = len(s.ids)
	}
	page := ScrollPage{
		ScrollID: scrollID,
		IDs:      append([]string(nil), s.ids[s.pos:end]...),
		Total:    int64(len(s.ids)),
	}
	s.pos = end
	return page
}

func (b *MemoryBackend) ClearScroll(ctx context.Context, scrollID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scrolls, scrollID)
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// ParseDate reads a date field value written as a time.Time, an ISO-8601
// string (date only or full timestamp), or epoch milliseconds.
func ParseDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case int:
		return time.UnixMilli(int64(t)).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(n).UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized date %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported date value %T", v)
	}
}

var _ Backend = (*MemoryBackend)(nil)
