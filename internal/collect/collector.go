package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ecsmeta/ecsmeta/internal/ingest"
	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/records"
	"github.com/ecsmeta/ecsmeta/internal/workerpool"
)

// ErrNoRecordTypes is returned when a run requests nothing to collect.
var ErrNoRecordTypes = errors.New("no record types requested")

// Catalog lists the namespaces and buckets of the cluster.
type Catalog interface {
	ListNamespaces(ctx context.Context) ([]string, error)
	ListBuckets(ctx context.Context, namespace string) ([]records.Bucket, error)
}

// SchemaEnsurer bootstraps destinations. *ingest.Writer implements it.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context, schema ingest.Schema) error
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Scheduler *Scheduler
	Catalog   Catalog
	Schemas   SchemaEnsurer
	Logger    *logging.Logger

	// NewPool, when set, builds a fresh pool for every namespace run; the
	// pool is closed after the run's barrier. When nil, runs share the
	// scheduler's pool.
	NewPool func() *workerpool.Pool
}

// Collector runs collections: one Context per namespace, one unit per
// bucket and record type, and a barrier at the end of each namespace.
type Collector struct {
	scheduler *Scheduler
	catalog   Catalog
	schemas   SchemaEnsurer
	logger    *logging.Logger
	newPool   func() *workerpool.Pool
}

// NewCollector creates a new Collector.
func NewCollector(cfg CollectorConfig) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Collector{
		scheduler: cfg.Scheduler,
		catalog:   cfg.Catalog,
		schemas:   cfg.Schemas,
		logger:    logger.With(map[string]any{"component": "collect"}),
		newPool:   cfg.NewPool,
	}
}

// Request selects what a collection covers.
type Request struct {
	// Namespace to collect. Empty collects every namespace.
	Namespace string
	// Types to collect. Must not be empty.
	Types []records.RecordType
	// CollectionTime stamped on every document. Zero means now.
	CollectionTime time.Time
}

// Result is the outcome of collecting one namespace.
type Result struct {
	Namespace      string
	RunID          string
	CollectionTime time.Time
	Records        int64
	Barrier        Barrier
}

// Collect runs the request. Every namespace of a multi-namespace request is
// collected in turn with the same collection time.
//
// The returned error reports failures that stopped a namespace from running
// at all (schema bootstrap, catalog listing). Unit failures are reported in
// each Result's Barrier.
func (c *Collector) Collect(ctx context.Context, req Request) ([]Result, error) {
	if len(req.Types) == 0 {
		return nil, ErrNoRecordTypes
	}
	ct := req.CollectionTime
	if ct.IsZero() {
		ct = time.Now()
	}
	ct = ct.UTC()

	if err := c.ensureSchemas(ctx, req.Types); err != nil {
		return nil, err
	}

	namespaces := []string{req.Namespace}
	if req.Namespace == "" {
		var err error
		namespaces, err = c.catalog.ListNamespaces(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect: list namespaces: %w", err)
		}
	}

	var (
		results []Result
		errs    *multierror.Error
	)
	for _, ns := range namespaces {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		res, err := c.collectNamespace(ctx, ns, req.Types, ct)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errs.ErrorOrNil()
}

// ensureSchemas bootstraps every destination the types write to. Any
// failure aborts the run before a unit is submitted.
func (c *Collector) ensureSchemas(ctx context.Context, types []records.RecordType) error {
	for _, rt := range types {
		for _, schema := range ingest.SchemasFor(rt) {
			if err := c.schemas.EnsureSchema(ctx, schema); err != nil {
				return fmt.Errorf("collect: bootstrap %s: %w", schema.Index, err)
			}
		}
	}
	return nil
}

func (c *Collector) collectNamespace(ctx context.Context, namespace string, types []records.RecordType, ct time.Time) (Result, error) {
	buckets, err := c.catalog.ListBuckets(ctx, namespace)
	if err != nil {
		return Result{}, fmt.Errorf("collect: list buckets of %s: %w", namespace, err)
	}

	runID := uuid.NewString()
	log := c.logger.WithCorrelationID(runID).With(map[string]any{"namespace": namespace})
	ctx = logging.WithCorrelationIDCtx(logging.WithLoggerCtx(ctx, log), runID)

	cc := NewContext(namespace, ct, runID, buckets)
	log.Infof("collection started", map[string]any{
		"collectionTime": ct.Format(time.RFC3339),
		"buckets":        len(buckets),
		"recordTypes":    len(types),
	})

	sched := c.scheduler
	if c.newPool != nil {
		pool := c.newPool()
		defer pool.Close()
		sched = sched.WithPool(pool)
	}

	start := time.Now()
	for _, rt := range types {
		if !rt.PerBucket() {
			sched.Submit(ctx, records.NamespaceKey(namespace), rt, cc)
			continue
		}
		for _, b := range cc.Buckets() {
			sched.Submit(ctx, b.Key, unitType(rt, b), cc)
		}
	}

	barrier := sched.Await(cc)
	fields := map[string]any{
		"records":  cc.RecordCount(),
		"units":    barrier.Units,
		"failed":   barrier.Failed,
		"duration": time.Since(start).String(),
	}
	if barrier.FirstErr != nil {
		fields["firstError"] = barrier.FirstErr.Error()
		log.Warnf("collection finished with failures", fields)
	} else {
		log.Infof("collection finished", fields)
	}

	return Result{
		Namespace:      namespace,
		RunID:          runID,
		CollectionTime: ct,
		Records:        cc.RecordCount(),
		Barrier:        barrier,
	}, nil
}

// unitType picks how a bucket is collected: buckets with metadata search
// enabled are listed through the metadata query API.
func unitType(rt records.RecordType, b records.Bucket) records.RecordType {
	if rt == records.TypeObject && b.MetadataSearch {
		return records.TypeQueryObject
	}
	return rt
}
