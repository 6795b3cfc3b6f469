package elastic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecsmeta/ecsmeta/internal/search"
)

// fakeCluster is a minimal Elasticsearch HTTP API serving the endpoints the
// backend uses.
type fakeCluster struct {
	mu       sync.Mutex
	indexes  map[string]json.RawMessage
	bulks    [][]map[string]any
	searches []map[string]any
	scrolls  map[string][][]string
	cleared  []string
	status   int // forced status for every request when non-zero
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		indexes: make(map[string]json.RawMessage),
		scrolls: make(map[string][][]string),
	}
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		fmt.Fprintf(w, `{"error":{"type":"es_rejected_execution_exception","reason":"busy"},"status":%d}`, f.status)
		return
	}

	body, _ := io.ReadAll(r.Body)
	path := strings.Trim(r.URL.Path, "/")

	switch {
	case path == "_bulk":
		f.handleBulk(w, body)
	case strings.HasPrefix(path, "_search/scroll"):
		id := strings.TrimPrefix(strings.TrimPrefix(path, "_search/scroll"), "/")
		if id == "" {
			var req struct {
				ScrollID any `json:"scroll_id"`
			}
			_ = json.Unmarshal(body, &req)
			switch v := req.ScrollID.(type) {
			case string:
				id = v
			case []any:
				if len(v) > 0 {
					id, _ = v[0].(string)
				}
			}
		}
		if id == "" {
			id = r.URL.Query().Get("scroll_id")
		}
		if r.Method == http.MethodDelete {
			f.cleared = append(f.cleared, id)
			fmt.Fprint(w, `{"succeeded":true,"num_freed":1}`)
			return
		}
		f.writeScrollPage(w, id)
	case strings.HasSuffix(path, "/_search"):
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		f.searches = append(f.searches, req)
		if r.URL.Query().Get("scroll") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		index := strings.TrimSuffix(path, "/_search")
		if size, ok := req["size"].(float64); ok && int(size) > f.resultWindow(index) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"type":"illegal_argument_exception","reason":"Batch size is too large, size must be less than or equal to: [10000] but was [25000]. Scroll batch sizes cost as much memory as result windows so they are controlled by the [index.max_result_window] index setting."},"status":400}`)
			return
		}
		f.writeScrollPage(w, "s1")
	case r.Method == http.MethodHead:
		if _, ok := f.indexes[path]; ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut:
		if _, ok := f.indexes[path]; ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":{"type":"resource_already_exists_exception","reason":"index [%s] already exists"},"status":400}`, path)
			return
		}
		f.indexes[path] = body
		fmt.Fprintf(w, `{"acknowledged":true,"index":%q}`, path)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// resultWindow returns index.max_result_window of an index created through
// the fake. Callers hold f.mu.
func (f *fakeCluster) resultWindow(index string) int {
	var created struct {
		Settings struct {
			Index struct {
				MaxResultWindow int `json:"max_result_window"`
			} `json:"index"`
		} `json:"settings"`
	}
	if raw, ok := f.indexes[index]; ok {
		_ = json.Unmarshal(raw, &created)
	}
	if created.Settings.Index.MaxResultWindow > 0 {
		return created.Settings.Index.MaxResultWindow
	}
	return search.DefaultMaxResultWindow
}

func (f *fakeCluster) handleBulk(w http.ResponseWriter, body []byte) {
	var lines []map[string]any
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err == nil {
			lines = append(lines, m)
		}
	}
	f.bulks = append(f.bulks, lines)

	var items []map[string]any
	for i := 0; i < len(lines); i++ {
		for action, raw := range lines[i] {
			if action != "index" && action != "delete" {
				continue
			}
			meta := raw.(map[string]any)
			item := map[string]any{"_index": meta["_index"], "_id": meta["_id"], "status": 201}
			if action == "delete" {
				item["status"] = 200
			}
			if meta["_id"] == "bad" {
				item["status"] = 400
				item["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"}
			}
			items = append(items, map[string]any{action: item})
			if action == "index" {
				i++ // skip source line
			}
		}
	}
	json.NewEncoder(w).Encode(map[string]any{"took": 7, "errors": false, "items": items})
}

func (f *fakeCluster) writeScrollPage(w http.ResponseWriter, id string) {
	pages, ok := f.scrolls[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"search_phase_execution_exception","reason":"all shards failed","root_cause":[{"type":"search_context_missing_exception"}]},"status":404}`)
		return
	}
	var ids []string
	if len(pages) > 0 {
		ids, f.scrolls[id] = pages[0], pages[1:]
	}
	hits := make([]map[string]any, 0, len(ids))
	for _, hitID := range ids {
		hits = append(hits, map[string]any{"_id": hitID})
	}
	json.NewEncoder(w).Encode(map[string]any{
		"_scroll_id": id,
		"hits":       map[string]any{"total": map[string]any{"value": 3}, "hits": hits},
	})
}

func newTestBackend(t *testing.T) (*Backend, *fakeCluster) {
	t.Helper()
	fake := newFakeCluster()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	b, err := New(Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, fake
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCreateIndexAndExists(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()

	ok, err := b.IndexExists(ctx, "ecs-s3-object")
	require.NoError(t, err)
	assert.False(t, ok)

	mapping := search.Mapping{
		Category:                "object-info",
		Properties:              map[string]search.Field{"key": search.Keyword()},
		DynamicStringsAsKeyword: true,
	}
	require.NoError(t, b.CreateIndex(ctx, "ecs-s3-object", mapping))

	ok, err = b.IndexExists(ctx, "ecs-s3-object")
	require.NoError(t, err)
	assert.True(t, ok)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(fake.indexes["ecs-s3-object"], &sent))
	assert.Contains(t, sent["mappings"], "dynamic_templates")

	err = b.CreateIndex(ctx, "ecs-s3-object", mapping)
	assert.ErrorIs(t, err, search.ErrIndexExists)
}

func TestBulk(t *testing.T) {
	b, fake := newTestBackend(t)

	resp, err := b.Bulk(context.Background(), []search.BulkOp{
		{Action: search.ActionIndex, Index: "idx", ID: "a", Doc: map[string]any{"key": "a"}},
		{Action: search.ActionIndex, Index: "idx", ID: "bad", Doc: map[string]any{"key": "b"}},
		{Action: search.ActionDelete, Index: "idx", ID: "c"},
	})
	require.NoError(t, err)

	assert.Equal(t, 7*time.Millisecond, resp.Took)
	require.Len(t, resp.Items, 3)
	assert.Equal(t, 201, resp.Items[0].Status)
	assert.Equal(t, "bad", resp.Items[1].ID)
	assert.Contains(t, resp.Items[1].Error, "mapper_parsing_exception")
	assert.Equal(t, 200, resp.Items[2].Status)
	assert.Equal(t, 2, resp.Succeeded())

	require.Len(t, fake.bulks, 1)
	assert.Len(t, fake.bulks[0], 5) // two index pairs plus one delete
}

func TestBulkEmpty(t *testing.T) {
	b, fake := newTestBackend(t)
	resp, err := b.Bulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
	assert.Empty(t, fake.bulks)
}

func TestBulkUnavailable(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.status = http.StatusTooManyRequests

	_, err := b.Bulk(context.Background(), []search.BulkOp{{Action: search.ActionDelete, Index: "idx", ID: "a"}})
	assert.ErrorIs(t, err, search.ErrUnavailable)
}

func TestScroll(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.scrolls["s1"] = [][]string{{"a", "b"}, {"c"}, {}}
	ctx := context.Background()

	page, err := b.OpenScroll(ctx, search.RangeQuery{
		Index:     "ecs-s3-object",
		Field:     "collection_time",
		Before:    "2024-01-01",
		Size:      2,
		KeepAlive: 15 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page.IDs)
	assert.Equal(t, int64(3), page.Total)

	require.Len(t, fake.searches, 1)
	req := fake.searches[0]
	assert.EqualValues(t, 2, req["size"])
	assert.Equal(t, false, req["_source"])
	rng := req["query"].(map[string]any)["bool"].(map[string]any)["filter"].(map[string]any)["range"].(map[string]any)
	assert.Equal(t, map[string]any{"lt": "2024-01-01"}, rng["collection_time"])

	page, err = b.NextScroll(ctx, page.ScrollID, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, page.IDs)

	page, err = b.NextScroll(ctx, page.ScrollID, 15*time.Second)
	require.NoError(t, err)
	assert.Empty(t, page.IDs)

	require.NoError(t, b.ClearScroll(ctx, page.ScrollID))
	assert.Equal(t, []string{"s1"}, fake.cleared)
}

func TestScrollPageLimitedByResultWindow(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.scrolls["s1"] = [][]string{{"a"}, {}}
	ctx := context.Background()
	query := search.RangeQuery{
		Field:     "collection_time",
		Before:    "2024-01-01",
		Size:      25000,
		KeepAlive: 15 * time.Second,
	}

	require.NoError(t, b.CreateIndex(ctx, "narrow", search.Mapping{Properties: map[string]search.Field{"key": search.Keyword()}}))
	query.Index = "narrow"
	_, err := b.OpenScroll(ctx, query)
	require.Error(t, err)

	wide := search.Mapping{
		Properties:      map[string]search.Field{"key": search.Keyword()},
		MaxResultWindow: 25000,
	}
	require.NoError(t, b.CreateIndex(ctx, "wide", wide))
	var sent struct {
		Settings struct {
			Index struct {
				MaxResultWindow int `json:"max_result_window"`
			} `json:"index"`
		} `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(fake.indexes["wide"], &sent))
	assert.Equal(t, 25000, sent.Settings.Index.MaxResultWindow)

	query.Index = "wide"
	page, err := b.OpenScroll(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, page.IDs)
}

func TestScrollExpired(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.NextScroll(context.Background(), "gone", time.Second)
	assert.ErrorIs(t, err, search.ErrScrollExpired)
}

func TestClosedBackend(t *testing.T) {
	b, _ := newTestBackend(t)
	require.NoError(t, b.Close())
	_, err := b.IndexExists(context.Background(), "idx")
	assert.Error(t, err)
}
