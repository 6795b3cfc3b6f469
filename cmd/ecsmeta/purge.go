package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/metrics"
	"github.com/ecsmeta/ecsmeta/internal/purge"
)

type purgeOptions struct {
	data          []string
	threshold     string
	retentionDays int
	every         time.Duration
}

func newPurgeCommand(global *globalOptions) *cobra.Command {
	opts := &purgeOptions{}
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete documents collected before a threshold day",
		Example: `  ecsmeta purge --data object --threshold 2026-01-31
  ecsmeta purge --retention-days 30 --every 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("threshold") && (cmd.Flags().Changed("retention-days") || opts.every > 0) {
				return errors.New("--threshold cannot be combined with --retention-days or --every")
			}
			if !cmd.Flags().Changed("retention-days") {
				opts.retentionDays = -1
			}
			return runPurge(cmd.Context(), global, opts)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.data, "data", "d", nil, "Data types: object, object_versions or all (default: purge.dataTypes)")
	cmd.Flags().StringVar(&opts.threshold, "threshold", "", "Delete documents collected before this day, YYYY-MM-DD")
	cmd.Flags().IntVar(&opts.retentionDays, "retention-days", 0, "Keep this many days of documents (default: purge.retentionDays)")
	cmd.Flags().DurationVar(&opts.every, "every", 0, "Keep running and sweep on this interval")
	return cmd
}

// parseThreshold reads a YYYY-MM-DD day as UTC midnight.
func parseThreshold(s string) (time.Time, error) {
	t, err := time.Parse(purge.ThresholdLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid threshold %q: want %s", s, purge.ThresholdLayout)
	}
	return t, nil
}

func runPurge(ctx context.Context, global *globalOptions, opts *purgeOptions) error {
	rt, err := global.setup("purge")
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	names := opts.data
	if len(names) == 0 {
		names = cfg.Purge.DataTypes
	}
	types, err := purge.ParseDataTypes(names)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(ctx)
	defer cancel()

	engine := purge.NewEngine(purge.EngineConfig{
		Backend:   rt.backend,
		PageSize:  cfg.Purge.PageSize,
		KeepAlive: cfg.ScrollKeepAlive(),
		Logger:    logger,
		Metrics:   metrics.NewPurgeMetrics(),
	})

	if opts.threshold != "" {
		threshold, err := parseThreshold(opts.threshold)
		if err != nil {
			return err
		}
		return purgeBefore(ctx, logger, engine, types, threshold)
	}

	sweeperCfg := purge.DefaultSweeperConfig()
	sweeperCfg.DataTypes = types
	sweeperCfg.RetentionDays = cfg.Purge.RetentionDays
	if opts.retentionDays >= 0 {
		sweeperCfg.RetentionDays = opts.retentionDays
	}
	sweeperCfg.IntervalMs = cfg.PurgeInterval().Milliseconds()
	if opts.every > 0 {
		sweeperCfg.IntervalMs = opts.every.Milliseconds()
	}
	sweeper := purge.NewSweeper(engine, sweeperCfg)

	if opts.every <= 0 {
		deleted, err := sweeper.SweepOnce(ctx)
		logger.Infof("purge finished", map[string]any{
			"deleted":   deleted,
			"threshold": purge.ThresholdDay(sweeper.Threshold()).Format(purge.ThresholdLayout),
		})
		return err
	}

	logger.Infof("purge sweeper starting", map[string]any{
		"interval":      opts.every.String(),
		"retentionDays": sweeperCfg.RetentionDays,
	})
	sweeper.Start()
	<-ctx.Done()
	logger.Info("shutting down")
	sweeper.Stop()
	return nil
}

// purgeBefore runs one purge per data type against a fixed threshold. Every
// type is attempted.
func purgeBefore(ctx context.Context, logger *logging.Logger, engine *purge.Engine, types []purge.DataType, threshold time.Time) error {
	var (
		total int64
		errs  *multierror.Error
	)
	for _, dt := range types {
		n, err := engine.Purge(ctx, dt, threshold)
		total += n
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	logger.Infof("purge finished", map[string]any{
		"deleted":   total,
		"threshold": threshold.Format(purge.ThresholdLayout),
	})
	return errs.ErrorOrNil()
}
