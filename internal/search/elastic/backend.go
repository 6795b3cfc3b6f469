// Package elastic implements search.Backend on Elasticsearch 8 using the
// official go-elasticsearch client.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/ecsmeta/ecsmeta/internal/search"
)

// Config configures the Elasticsearch backend.
type Config struct {
	// Addresses lists cluster node URLs (e.g., "http://localhost:9200").
	Addresses []string

	// Username and Password enable basic authentication when set.
	Username string
	Password string

	// CompressRequestBody gzips request bodies. Useful for large bulk requests.
	CompressRequestBody bool

	// DiscoverNodes sniffs the cluster for additional nodes on start.
	DiscoverNodes bool

	// Transport overrides the HTTP transport. Used by tests.
	Transport http.RoundTripper
}

// Backend implements search.Backend.
type Backend struct {
	client *elasticsearch.Client

	closed bool
	mu     sync.RWMutex
}

// New creates a new Elasticsearch backend.
func New(cfg Config) (*Backend, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("elastic: at least one address is required")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:            cfg.Addresses,
		Username:             cfg.Username,
		Password:             cfg.Password,
		CompressRequestBody:  cfg.CompressRequestBody,
		DiscoverNodesOnStart: cfg.DiscoverNodes,
		Transport:            cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: create client: %w", err)
	}
	return &Backend{client: client}, nil
}

func (b *Backend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("elastic: backend is closed")
	}
	return nil
}

// IndexExists reports whether the index exists.
func (b *Backend) IndexExists(ctx context.Context, index string) (bool, error) {
	if err := b.checkClosed(); err != nil {
		return false, err
	}

	res, err := b.client.Indices.Exists([]string{index}, b.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, &search.IndexError{Op: "IndexExists", Index: index, Err: err}
	}
	defer drain(res)

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &search.IndexError{Op: "IndexExists", Index: index, Err: responseError(res)}
	}
}

// CreateIndex creates the index with the given mapping.
func (b *Backend) CreateIndex(ctx context.Context, index string, mapping search.Mapping) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	body, err := json.Marshal(mapping.Body())
	if err != nil {
		return &search.IndexError{Op: "CreateIndex", Index: index, Err: err}
	}

	res, err := b.client.Indices.Create(index,
		b.client.Indices.Create.WithContext(ctx),
		b.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return &search.IndexError{Op: "CreateIndex", Index: index, Err: err}
	}
	defer drain(res)

	if res.IsError() {
		return &search.IndexError{Op: "CreateIndex", Index: index, Err: responseError(res)}
	}
	return nil
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

type bulkResult struct {
	Took   int64                       `json:"took"`
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkResultItem `json:"items"`
}

type bulkResultItem struct {
	Index  string     `json:"_index"`
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Bulk applies ops in one request.
func (b *Backend) Bulk(ctx context.Context, ops []search.BulkOp) (search.BulkResponse, error) {
	if err := b.checkClosed(); err != nil {
		return search.BulkResponse{}, err
	}
	if len(ops) == 0 {
		return search.BulkResponse{}, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]bulkMeta{string(op.Action): {Index: op.Index, ID: op.ID}}
		if err := enc.Encode(meta); err != nil {
			return search.BulkResponse{}, &search.IndexError{Op: "Bulk", Index: op.Index, Err: err}
		}
		if op.Action == search.ActionIndex {
			if err := enc.Encode(op.Doc); err != nil {
				return search.BulkResponse{}, &search.IndexError{Op: "Bulk", Index: op.Index, Err: fmt.Errorf("encode %s: %w", op.ID, err)}
			}
		}
	}

	res, err := b.client.Bulk(bytes.NewReader(buf.Bytes()), b.client.Bulk.WithContext(ctx))
	if err != nil {
		return search.BulkResponse{}, &search.IndexError{Op: "Bulk", Index: ops[0].Index, Err: err}
	}
	defer drain(res)

	if res.IsError() {
		return search.BulkResponse{}, &search.IndexError{Op: "Bulk", Index: ops[0].Index, Err: responseError(res)}
	}

	var result bulkResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return search.BulkResponse{}, &search.IndexError{Op: "Bulk", Index: ops[0].Index, Err: fmt.Errorf("decode response: %w", err)}
	}

	resp := search.BulkResponse{
		Took:  time.Duration(result.Took) * time.Millisecond,
		Items: make([]search.BulkItem, 0, len(result.Items)),
	}
	for _, entry := range result.Items {
		// each entry holds exactly one action key
		for _, item := range entry {
			out := search.BulkItem{Index: item.Index, ID: item.ID, Status: item.Status}
			if item.Error != nil {
				out.Error = item.Error.Type + ": " + item.Error.Reason
			}
			resp.Items = append(resp.Items, out)
		}
	}
	return resp, nil
}

type searchResult struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// OpenScroll runs a range query and returns the first page of ids.
func (b *Backend) OpenScroll(ctx context.Context, q search.RangeQuery) (search.ScrollPage, error) {
	if err := b.checkClosed(); err != nil {
		return search.ScrollPage{}, err
	}

	body, err := json.Marshal(map[string]any{
		"size":    q.Size,
		"_source": false,
		"sort":    []string{"_doc"},
		"query": map[string]any{
			"bool": map[string]any{
				"filter": map[string]any{
					"range": map[string]any{
						q.Field: map[string]any{"lt": q.Before},
					},
				},
			},
		},
	})
	if err != nil {
		return search.ScrollPage{}, &search.IndexError{Op: "Search", Index: q.Index, Err: err}
	}

	res, err := b.client.Search(
		b.client.Search.WithContext(ctx),
		b.client.Search.WithIndex(q.Index),
		b.client.Search.WithBody(bytes.NewReader(body)),
		b.client.Search.WithScroll(q.KeepAlive),
	)
	if err != nil {
		return search.ScrollPage{}, &search.IndexError{Op: "Search", Index: q.Index, Err: err}
	}
	defer drain(res)

	if res.IsError() {
		return search.ScrollPage{}, &search.IndexError{Op: "Search", Index: q.Index, Err: responseError(res)}
	}
	return decodeScrollPage(res.Body, q.Index)
}

// NextScroll returns the next page of an open scroll.
func (b *Backend) NextScroll(ctx context.Context, scrollID string, keepAlive time.Duration) (search.ScrollPage, error) {
	if err := b.checkClosed(); err != nil {
		return search.ScrollPage{}, err
	}

	res, err := b.client.Scroll(
		b.client.Scroll.WithContext(ctx),
		b.client.Scroll.WithScrollID(scrollID),
		b.client.Scroll.WithScroll(keepAlive),
	)
	if err != nil {
		return search.ScrollPage{}, &search.IndexError{Op: "Scroll", Err: err}
	}
	defer drain(res)

	if res.IsError() {
		return search.ScrollPage{}, &search.IndexError{Op: "Scroll", Err: responseError(res)}
	}
	return decodeScrollPage(res.Body, "")
}

func decodeScrollPage(r io.Reader, index string) (search.ScrollPage, error) {
	var result searchResult
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return search.ScrollPage{}, &search.IndexError{Op: "Search", Index: index, Err: fmt.Errorf("decode response: %w", err)}
	}
	page := search.ScrollPage{
		ScrollID: result.ScrollID,
		Total:    result.Hits.Total.Value,
		IDs:      make([]string, 0, len(result.Hits.Hits)),
	}
	for _, hit := range result.Hits.Hits {
		page.IDs = append(page.IDs, hit.ID)
	}
	return page, nil
}

// ClearScroll releases a scroll cursor.
func (b *Backend) ClearScroll(ctx context.Context, scrollID string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if scrollID == "" {
		return nil
	}

	res, err := b.client.ClearScroll(
		b.client.ClearScroll.WithContext(ctx),
		b.client.ClearScroll.WithScrollID(scrollID),
	)
	if err != nil {
		return &search.IndexError{Op: "ClearScroll", Err: err}
	}
	defer drain(res)

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return &search.IndexError{Op: "ClearScroll", Err: responseError(res)}
	}
	return nil
}

// Close releases resources associated with the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func drain(res *esapi.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

type errorResponse struct {
	Error  errorBody `json:"error"`
	Status int       `json:"status"`
}

// responseError maps an error response onto the search package's sentinel
// errors, keeping the server's reason in the message.
func responseError(res *esapi.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	var parsed errorResponse
	_ = json.Unmarshal(raw, &parsed)
	reason := parsed.Error.Type
	if parsed.Error.Reason != "" {
		reason += ": " + parsed.Error.Reason
	}
	if reason == "" {
		reason = strings.TrimSpace(string(raw))
	}

	switch {
	case parsed.Error.Type == "resource_already_exists_exception":
		return fmt.Errorf("%w: %s", search.ErrIndexExists, reason)
	case parsed.Error.Type == "index_not_found_exception":
		return fmt.Errorf("%w: %s", search.ErrIndexNotFound, reason)
	case parsed.Error.Type == "search_context_missing_exception",
		res.StatusCode == http.StatusNotFound && strings.Contains(string(raw), "search_context_missing_exception"):
		return fmt.Errorf("%w: %s", search.ErrScrollExpired, reason)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", search.ErrUnavailable, res.StatusCode, reason)
	}
	return fmt.Errorf("status %d: %s", res.StatusCode, reason)
}

var _ search.Backend = (*Backend)(nil)
