// Package purge removes documents older than a retention threshold from the
// object and object version indexes.
//
// A purge sweeps one index with a scroll over documents whose collection
// time is before the threshold day and deletes each scroll page with one
// bulk request, until a page comes back empty. Sweeps are best effort:
// rejected deletes and failed pages are logged and a later sweep picks up
// whatever is left.
package purge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ecsmeta/ecsmeta/internal/ingest"
	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/search"
)

// DataType selects the index a purge sweeps.
type DataType string

const (
	DataObject         DataType = "object"
	DataObjectVersions DataType = "object_versions"
)

// ThresholdLayout is the day-granular format of purge thresholds.
const ThresholdLayout = "2006-01-02"

// Default page size and scroll keep-alive.
const (
	DefaultPageSize  = ingest.ScrollWindow
	DefaultKeepAlive = 15 * time.Second
)

// ErrUnknownDataType is returned when parsing an unsupported data type.
var ErrUnknownDataType = errors.New("unknown purge data type")

// AllDataTypes lists every purgeable data type.
func AllDataTypes() []DataType {
	return []DataType{DataObject, DataObjectVersions}
}

// ParseDataTypes parses data type names. "all" expands to AllDataTypes.
func ParseDataTypes(names []string) ([]DataType, error) {
	var out []DataType
	for _, name := range names {
		switch n := strings.ToLower(strings.TrimSpace(name)); n {
		case "all":
			return AllDataTypes(), nil
		case string(DataObject), string(DataObjectVersions):
			out = append(out, DataType(n))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownDataType, name)
		}
	}
	return out, nil
}

// index returns the index swept for the data type.
func (d DataType) index() (string, bool) {
	switch d {
	case DataObject:
		return ingest.ObjectIndex, true
	case DataObjectVersions:
		return ingest.ObjectVersionIndex, true
	default:
		return "", false
	}
}

// ThresholdDay truncates t to the start of its UTC day.
func ThresholdDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MetricsRecorder is the interface for recording purge metrics.
// This allows the purge package to be decoupled from the metrics package.
type MetricsRecorder interface {
	RecordPurgePage(index string, durationSeconds float64, deleted, failed int)
	RecordPurgeError(index string)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Backend   search.Backend
	PageSize  int
	KeepAlive time.Duration
	Logger    *logging.Logger
	Metrics   MetricsRecorder
}

// Engine purges stale documents. It holds no state between sweeps and is
// safe for concurrent use.
type Engine struct {
	backend   search.Backend
	pageSize  int
	keepAlive time.Duration
	logger    *logging.Logger
	metrics   MetricsRecorder
}

// NewEngine creates a new purge Engine. PageSize is capped at
// ingest.ScrollWindow, the largest scroll page the purged indexes accept.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.PageSize <= 0 || cfg.PageSize > ingest.ScrollWindow {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Engine{
		backend:   cfg.Backend,
		pageSize:  cfg.PageSize,
		keepAlive: cfg.KeepAlive,
		logger:    logger.With(map[string]any{"component": "purge"}),
		metrics:   cfg.Metrics,
	}
}

// Purge deletes every document of the data type whose collection time is
// before the UTC day of threshold. Documents stamped on the threshold day
// itself are kept.
//
// The returned count is the number of deletes the backend acknowledged. A
// non-nil error reports the page failure that ended the sweep early; the
// count is still valid. An unknown data type deletes nothing and touches no
// index.
func (e *Engine) Purge(ctx context.Context, dataType DataType, threshold time.Time) (int64, error) {
	index, ok := dataType.index()
	if !ok {
		e.logger.Warnf("ignoring purge of unknown data type", map[string]any{"dataType": string(dataType)})
		return 0, nil
	}

	before := ThresholdDay(threshold).Format(ThresholdLayout)
	log := e.logger.With(map[string]any{"index": index, "before": before})

	page, err := e.backend.OpenScroll(ctx, search.RangeQuery{
		Index:     index,
		Field:     ingest.FieldCollectionTime,
		Before:    before,
		Size:      e.pageSize,
		KeepAlive: e.keepAlive,
	})
	if errors.Is(err, search.ErrIndexNotFound) {
		log.Debug("index does not exist, nothing to purge")
		return 0, nil
	}
	if err != nil {
		e.recordError(index)
		log.Errorf("purge scan failed", map[string]any{logging.KeyError: err.Error()})
		return 0, fmt.Errorf("purge: scan %s: %w", index, err)
	}
	// Later pages may carry a new scroll id; clear the latest one.
	scrollID := page.ScrollID
	defer func() { e.clearScroll(log, scrollID) }()

	var deleted int64
	for len(page.IDs) > 0 {
		deleted += int64(e.deletePage(ctx, log, index, page.IDs))

		page, err = e.backend.NextScroll(ctx, scrollID, e.keepAlive)
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
		if err != nil {
			e.recordError(index)
			log.Errorf("purge scroll failed, ending sweep early", map[string]any{
				"deleted":        deleted,
				logging.KeyError: err.Error(),
			})
			return deleted, fmt.Errorf("purge: scroll %s: %w", index, err)
		}
	}

	log.Infof("purge complete", map[string]any{"deleted": deleted})
	return deleted, nil
}

// deletePage issues one bulk delete for ids and returns how many deletes
// were acknowledged.
func (e *Engine) deletePage(ctx context.Context, log *logging.Logger, index string, ids []string) int {
	log.Infof("deleting documents", map[string]any{"count": len(ids)})

	ops := make([]search.BulkOp, len(ids))
	for i, id := range ids {
		ops[i] = search.BulkOp{Action: search.ActionDelete, Index: index, ID: id}
	}

	start := time.Now()
	resp, err := e.backend.Bulk(ctx, ops)
	if err != nil {
		e.recordError(index)
		if e.metrics != nil {
			e.metrics.RecordPurgePage(index, time.Since(start).Seconds(), 0, len(ids))
		}
		log.Errorf("bulk delete failed", map[string]any{"count": len(ids), logging.KeyError: err.Error()})
		return 0
	}

	ok := resp.Succeeded()
	failed := len(ids) - ok
	if e.metrics != nil {
		e.metrics.RecordPurgePage(index, time.Since(start).Seconds(), ok, failed)
	}
	if failed > 0 {
		log.Warnf("bulk delete partially failed", map[string]any{"deleted": ok, "failed": failed})
	} else {
		log.Debugf("bulk delete complete", map[string]any{"deleted": ok, "took": resp.Took.String()})
	}
	return ok
}

func (e *Engine) clearScroll(log *logging.Logger, scrollID string) {
	if scrollID == "" {
		return
	}
	// The sweep's context may already be done; release the cursor anyway.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.backend.ClearScroll(ctx, scrollID); err != nil {
		log.Warnf("failed to clear scroll", map[string]any{logging.KeyError: err.Error()})
	}
}

func (e *Engine) recordError(index string) {
	if e.metrics != nil {
		e.metrics.RecordPurgeError(index)
	}
}
