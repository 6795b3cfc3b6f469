package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ecsmeta/ecsmeta/internal/collect"
	"github.com/ecsmeta/ecsmeta/internal/config"
	"github.com/ecsmeta/ecsmeta/internal/ingest"
	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/metrics"
	"github.com/ecsmeta/ecsmeta/internal/mgmt"
	"github.com/ecsmeta/ecsmeta/internal/records"
	"github.com/ecsmeta/ecsmeta/internal/retry"
	"github.com/ecsmeta/ecsmeta/internal/source"
	"github.com/ecsmeta/ecsmeta/internal/source/s3"
	"github.com/ecsmeta/ecsmeta/internal/workerpool"
)

// errUnitsFailed is returned when a run completed but some units failed.
var errUnitsFailed = errors.New("collection finished with failed units")

type collectOptions struct {
	namespace      string
	data           []string
	collectionTime string
}

func newCollectCommand(global *globalOptions) *cobra.Command {
	opts := &collectOptions{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect metadata into Elasticsearch",
		Example: `  ecsmeta collect --data billing,object
  ecsmeta collect --namespace ns1 --data all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd.Context(), global, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.namespace, "namespace", "n", "", "Namespace to collect (default: every namespace)")
	cmd.Flags().StringSliceVarP(&opts.data, "data", "d", nil, "Record types: object, object_versions, billing, bucket or all (default: collection.dataTypes)")
	cmd.Flags().StringVar(&opts.collectionTime, "collection-time", "", "Collection time stamped on documents, RFC 3339 (default: now)")
	return cmd
}

// parseRecordTypes expands "all" and drops duplicates, keeping order.
func parseRecordTypes(names []string) ([]records.RecordType, error) {
	var out []records.RecordType
	seen := make(map[records.RecordType]bool)
	add := func(rt records.RecordType) {
		if !seen[rt] {
			seen[rt] = true
			out = append(out, rt)
		}
	}
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if strings.EqualFold(part, "all") {
				for _, rt := range records.AllRecordTypes() {
					add(rt)
				}
				continue
			}
			rt, err := records.ParseRecordType(part)
			if err != nil {
				return nil, err
			}
			add(rt)
		}
	}
	if len(out) == 0 {
		return nil, collect.ErrNoRecordTypes
	}
	return out, nil
}

// parseCollectionTime accepts RFC 3339 or a bare date. Empty means now.
func parseCollectionTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid collection time %q: want RFC 3339 or YYYY-MM-DD", s)
}

func runCollect(ctx context.Context, global *globalOptions, opts *collectOptions) error {
	rt, err := global.setup("collect")
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	names := opts.data
	if len(names) == 0 {
		names = cfg.Collection.DataTypes
	}
	types, err := parseRecordTypes(names)
	if err != nil {
		return err
	}
	ct, err := parseCollectionTime(opts.collectionTime)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(ctx)
	defer cancel()

	policy := retry.FromConfig(cfg.Retry)

	mgmtClient, err := mgmt.New(mgmtConfig(cfg, policy, logger))
	if err != nil {
		return fmt.Errorf("failed to create management client: %w", err)
	}
	defer func() {
		if err := mgmtClient.Close(); err != nil {
			logger.Warnf("failed to close management session", map[string]any{logging.KeyError: err.Error()})
		}
	}()

	objects, err := s3.New(ctx, s3Config(cfg))
	if err != nil {
		return fmt.Errorf("failed to create object source: %w", err)
	}
	defer objects.Close()

	mux := source.NewMux().
		Handle(objects, records.TypeObject, records.TypeQueryObject, records.TypeObjectVersions).
		Handle(mgmtClient, records.TypeBilling, records.TypeBucket)

	writer := ingest.NewWriter(ingest.WriterConfig{
		Backend: rt.backend,
		Retry:   policy,
		Logger:  logger,
		Metrics: metrics.NewIngestMetrics(),
	})

	scheduler := collect.NewScheduler(collect.SchedulerConfig{
		Source:  source.NewInstrumentedSource(mux, metrics.NewSourceMetrics()),
		Writer:  writer,
		Retry:   policy,
		Logger:  logger,
		Metrics: metrics.NewCollectMetrics(),
	})
	collector := collect.NewCollector(collect.CollectorConfig{
		Scheduler: scheduler,
		Catalog:   mgmtClient,
		Schemas:   writer,
		Logger:    logger,
		NewPool: func() *workerpool.Pool {
			return workerpool.New(cfg.Collection.Workers, cfg.Collection.QueueSize)
		},
	})

	logger.Infof("collection starting", map[string]any{
		"namespace": opts.namespace,
		"types":     types,
		"workers":   cfg.Collection.Workers,
	})
	start := time.Now()
	results, err := collector.Collect(ctx, collect.Request{
		Namespace:      opts.namespace,
		Types:          types,
		CollectionTime: ct,
	})
	failed := reportResults(logger, results, time.Since(start))
	if err != nil {
		return fmt.Errorf("collection failed: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d", errUnitsFailed, failed)
	}
	return nil
}

// reportResults logs one line per namespace and returns the number of
// failed units.
func reportResults(logger *logging.Logger, results []collect.Result, elapsed time.Duration) int {
	failed := 0
	for _, res := range results {
		fields := map[string]any{
			"namespace":      res.Namespace,
			"runId":          res.RunID,
			"collectionTime": res.CollectionTime.Format(time.RFC3339),
			"records":        res.Records,
			"units":          res.Barrier.Units,
			"failedUnits":    res.Barrier.Failed,
		}
		if err := res.Barrier.Err(); err != nil {
			fields[logging.KeyError] = err.Error()
			logger.Warnf("namespace collected with failures", fields)
		} else {
			logger.Infof("namespace collected", fields)
		}
		failed += res.Barrier.Failed
	}
	logger.Infof("collection finished", map[string]any{
		"namespaces": len(results),
		"elapsed":    elapsed.String(),
	})
	return failed
}

func mgmtConfig(cfg *config.Config, policy retry.Policy, logger *logging.Logger) mgmt.Config {
	return mgmt.Config{
		Hosts:              cfg.ECS.Hosts,
		Port:               cfg.ECS.MgmtPort,
		Username:           cfg.ECS.Username,
		Password:           cfg.ECS.Password,
		InsecureSkipVerify: cfg.ECS.InsecureSkipVerify,
		RequestsPerSecond:  cfg.ECS.RequestsPerSecond,
		Timeout:            cfg.MgmtTimeout(),
		PageSize:           cfg.Collection.PageSize,
		Retry:              policy,
		Logger:             logger,
	}
}

func s3Config(cfg *config.Config) s3.Config {
	return s3.Config{
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKeyID:     cfg.ObjectStore.AccessKey,
		SecretAccessKey: cfg.ObjectStore.SecretKey,
		UsePathStyle:    cfg.ObjectStore.UsePathStyle,
		PageSize:        cfg.Collection.PageSize,
		Query:           cfg.Collection.QueryExpression,
	}
}
