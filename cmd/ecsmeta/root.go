package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ecsmeta/ecsmeta/internal/config"
	"github.com/ecsmeta/ecsmeta/internal/logging"
	"github.com/ecsmeta/ecsmeta/internal/metrics"
	"github.com/ecsmeta/ecsmeta/internal/search/elastic"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath  string
	logLevel    string
	metricsAddr string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "ecsmeta",
		Short: "Collect ECS metadata into Elasticsearch",
		Long: `ecsmeta enumerates billing, bucket and object metadata from an ECS
cluster, indexes it into Elasticsearch stamped with a collection time, and
purges documents older than a retention window.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file (default: $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9090)")

	root.AddCommand(
		newCollectCommand(opts),
		newPurgeCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ecsmeta version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		},
	}
}

// loadConfig loads the config file and applies flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromPath(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}
	if o.metricsAddr != "" {
		cfg.Observability.MetricsAddr = o.metricsAddr
	}
	return cfg, nil
}

// runtime holds what every command needs: config, logger, the search
// backend and the optional metrics server.
type runtime struct {
	cfg           *config.Config
	logger        *logging.Logger
	backend       *elastic.Backend
	metricsServer *metrics.Server
}

func (o *globalOptions) setup(command string) (*runtime, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat).
		With(map[string]any{"command": command, "version": version})
	logging.SetGlobal(logger)

	rt := &runtime{cfg: cfg, logger: logger}
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		rt.metricsServer = metrics.NewServer(addr)
		if err := rt.metricsServer.Start(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	rt.backend, err = elastic.New(elastic.Config{
		Addresses:           cfg.Elastic.Addresses,
		Username:            cfg.Elastic.Username,
		Password:            cfg.Elastic.Password,
		CompressRequestBody: cfg.Elastic.CompressRequestBody,
		DiscoverNodes:       cfg.Elastic.DiscoverNodes,
	})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create search backend: %w", err)
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.backend != nil {
		if err := rt.backend.Close(); err != nil {
			rt.logger.Warnf("failed to close search backend", map[string]any{logging.KeyError: err.Error()})
		}
	}
	if rt.metricsServer != nil {
		if err := rt.metricsServer.Close(); err != nil {
			rt.logger.Warnf("failed to close metrics server", map[string]any{logging.KeyError: err.Error()})
		}
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
