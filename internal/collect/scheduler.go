package collect

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ecsmeta/ecsmeta/internal/ingest"
	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/records"
	"github.com/ecsmeta/ecsmeta/internal/retry"
	"github.com/ecsmeta/ecsmeta/internal/source"
	"github.com/ecsmeta/ecsmeta/internal/workerpool"
)

// MetricsRecorder is the interface for recording collection metrics.
// This allows the collect package to be decoupled from the metrics package.
type MetricsRecorder interface {
	RecordUnit(recordType string, durationSeconds float64, success bool)
	RecordRecords(recordType string, count int)
}

// BatchWriter writes document batches. *ingest.Writer implements it.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch ingest.Batch) (ingest.BulkResult, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Pool may be nil when every run binds its own pool with WithPool.
	Pool    *workerpool.Pool
	Source  source.Source
	Writer  BatchWriter
	Retry   retry.Policy
	Logger  *logging.Logger
	Metrics MetricsRecorder
}

// Scheduler turns work units into pool tasks.
type Scheduler struct {
	pool    *workerpool.Pool
	source  source.Source
	writer  BatchWriter
	retry   retry.Policy
	logger  *logging.Logger
	metrics MetricsRecorder
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Once
	}
	return &Scheduler{
		pool:    cfg.Pool,
		source:  cfg.Source,
		writer:  cfg.Writer,
		retry:   cfg.Retry,
		logger:  logger.With(map[string]any{"component": "collect"}),
		metrics: cfg.Metrics,
	}
}

// WithPool returns a copy of the scheduler that submits to pool.
func (s *Scheduler) WithPool(pool *workerpool.Pool) *Scheduler {
	c := *s
	c.pool = pool
	return &c
}

// Unit is one bucket (or namespace) and record type of a run.
type Unit struct {
	Key  records.BucketKey
	Type records.RecordType
}

func (u Unit) String() string {
	return fmt.Sprintf("%s/%s", u.Key, u.Type)
}

// Submit schedules the unit on the pool and records its handle in cc. It
// never blocks; a unit refused by a saturated pool completes failed.
func (s *Scheduler) Submit(ctx context.Context, key records.BucketKey, rt records.RecordType, cc *Context) *workerpool.Handle {
	u := Unit{Key: key, Type: rt}
	h := s.pool.Submit(func() error {
		return s.runUnit(ctx, u, cc)
	})
	cc.enqueue(h)
	return h
}

// Barrier is the outcome of every unit of a run.
type Barrier struct {
	Units    int
	Failed   int
	FirstErr error
	Errors   *multierror.Error
}

// Err returns every unit failure combined, or nil.
func (b Barrier) Err() error {
	return b.Errors.ErrorOrNil()
}

// AwaitAll waits for every handle and reports the first failure in
// submission order together with the number of failed units.
func AwaitAll(handles []*workerpool.Handle) Barrier {
	var b Barrier
	for _, h := range handles {
		b.Units++
		if err := h.Wait(); err != nil {
			b.Failed++
			if b.FirstErr == nil {
				b.FirstErr = err
			}
			b.Errors = multierror.Append(b.Errors, err)
		}
	}
	return b
}

// Await drains the handles submitted for cc and waits for all of them.
func (s *Scheduler) Await(cc *Context) Barrier {
	return AwaitAll(cc.drain())
}

// runUnit pages the source to exhaustion. Each page is written before the
// next is fetched, and its records are counted once the write succeeded.
func (s *Scheduler) runUnit(ctx context.Context, u Unit, cc *Context) (err error) {
	log := s.logger.WithCorrelationID(cc.RunID()).With(map[string]any{
		"namespace":  cc.Namespace(),
		"bucket":     u.Key.Bucket,
		"recordType": string(u.Type),
	})
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordUnit(string(u.Type), time.Since(start).Seconds(), err == nil)
		}
		if err != nil {
			log.Errorf("collection unit failed", map[string]any{logging.KeyError: err.Error()})
		}
	}()

	var (
		token   string
		pages   int
		written int
	)
	for {
		page, err := s.fetch(ctx, log, u, token)
		if err != nil {
			return fmt.Errorf("collect %s: %w", u, err)
		}
		pages++

		if len(page.Records) > 0 {
			if err := s.write(ctx, page.Records, cc); err != nil {
				return fmt.Errorf("collect %s: page %d: %w", u, pages, err)
			}
			cc.addRecords(len(page.Records))
			written += len(page.Records)
			if s.metrics != nil {
				s.metrics.RecordRecords(string(u.Type), len(page.Records))
			}
		}

		if page.Exhausted() {
			break
		}
		token = page.NextToken
	}

	log.Infof("collection unit complete", map[string]any{
		"pages":    pages,
		"records":  written,
		"duration": time.Since(start).String(),
	})
	return nil
}

func (s *Scheduler) fetch(ctx context.Context, log *logging.Logger, u Unit, token string) (records.Page, error) {
	var page records.Page
	err := retry.DoNotify(ctx, s.retry, func() error {
		var err error
		page, err = s.source.ListPage(ctx, u.Key, u.Type, token)
		if err != nil && !source.IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, wait time.Duration) {
		log.Warnf("page fetch failed, retrying", map[string]any{
			"attempt":        attempt,
			"wait":           wait.String(),
			logging.KeyError: err.Error(),
		})
	})
	return page, err
}

func (s *Scheduler) write(ctx context.Context, recs []records.Record, cc *Context) error {
	batches, err := ingest.BuildBatches(recs, cc.CollectionTime())
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
