// Package config provides configuration loading and validation for ecsmeta.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// MaxPurgePageSize is the max_result_window the purged indexes are created
// with; a larger scroll page is rejected by Elasticsearch.
const MaxPurgePageSize = 25000

// EnvConfigPath names the environment variable Load reads the config file path from.
const EnvConfigPath = "ECSMETA_CONFIG"

// Config holds all configuration for a collector process.
type Config struct {
	ECS           ECSConfig           `yaml:"ecs"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Elastic       ElasticConfig       `yaml:"elastic"`
	Collection    CollectionConfig    `yaml:"collection"`
	Purge         PurgeConfig         `yaml:"purge"`
	Retry         RetryConfig         `yaml:"retry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ECSConfig points at the ECS management API.
type ECSConfig struct {
	Hosts              []string `yaml:"hosts" env:"ECSMETA_ECS_HOSTS"`
	MgmtPort           int      `yaml:"mgmtPort" env:"ECSMETA_ECS_MGMT_PORT"`
	Username           string   `yaml:"username" env:"ECSMETA_ECS_USERNAME"`
	Password           string   `yaml:"password" env:"ECSMETA_ECS_PASSWORD"`
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify" env:"ECSMETA_ECS_INSECURE"`
	RequestsPerSecond  float64  `yaml:"requestsPerSecond" env:"ECSMETA_ECS_RPS"`
	TimeoutMs          int64    `yaml:"timeoutMs" env:"ECSMETA_ECS_TIMEOUT_MS"`
}

// ObjectStoreConfig points at the ECS S3 data path.
type ObjectStoreConfig struct {
	Endpoint     string `yaml:"endpoint" env:"ECSMETA_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"ECSMETA_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"ECSMETA_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"ECSMETA_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"ECSMETA_S3_PATH_STYLE"`
}

// ElasticConfig points at the Elasticsearch cluster.
type ElasticConfig struct {
	Addresses           []string `yaml:"addresses" env:"ECSMETA_ELASTIC_ADDRESSES"`
	Username            string   `yaml:"username" env:"ECSMETA_ELASTIC_USERNAME"`
	Password            string   `yaml:"password" env:"ECSMETA_ELASTIC_PASSWORD"`
	CompressRequestBody bool     `yaml:"compressRequestBody" env:"ECSMETA_ELASTIC_COMPRESS"`
	DiscoverNodes       bool     `yaml:"discoverNodes" env:"ECSMETA_ELASTIC_DISCOVER_NODES"`
}

// CollectionConfig tunes collection runs.
type CollectionConfig struct {
	Workers         int      `yaml:"workers" env:"ECSMETA_COLLECT_WORKERS"`
	QueueSize       int      `yaml:"queueSize" env:"ECSMETA_COLLECT_QUEUE_SIZE"`
	PageSize        int      `yaml:"pageSize" env:"ECSMETA_COLLECT_PAGE_SIZE"`
	DataTypes       []string `yaml:"dataTypes" env:"ECSMETA_COLLECT_DATA_TYPES"`
	QueryExpression string   `yaml:"queryExpression" env:"ECSMETA_COLLECT_QUERY"`
}

// PurgeConfig tunes retention purges.
type PurgeConfig struct {
	PageSize          int      `yaml:"pageSize" env:"ECSMETA_PURGE_PAGE_SIZE"`
	ScrollKeepAliveMs int64    `yaml:"scrollKeepAliveMs" env:"ECSMETA_PURGE_SCROLL_KEEPALIVE_MS"`
	RetentionDays     int      `yaml:"retentionDays" env:"ECSMETA_PURGE_RETENTION_DAYS"`
	IntervalMs        int64    `yaml:"intervalMs" env:"ECSMETA_PURGE_INTERVAL_MS"`
	DataTypes         []string `yaml:"dataTypes" env:"ECSMETA_PURGE_DATA_TYPES"`
}

// RetryConfig bounds retries of transient transport errors.
type RetryConfig struct {
	MaxAttempts       int   `yaml:"maxAttempts" env:"ECSMETA_RETRY_MAX_ATTEMPTS"`
	InitialIntervalMs int64 `yaml:"initialIntervalMs" env:"ECSMETA_RETRY_INITIAL_MS"`
	MaxIntervalMs     int64 `yaml:"maxIntervalMs" env:"ECSMETA_RETRY_MAX_MS"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"ECSMETA_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"ECSMETA_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"ECSMETA_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		ECS: ECSConfig{
			MgmtPort:          4443,
			RequestsPerSecond: 10,
			TimeoutMs:         60000,
		},
		ObjectStore: ObjectStoreConfig{
			Region:       "us-east-1",
			UsePathStyle: true,
		},
		Elastic: ElasticConfig{
			Addresses: []string{"http://localhost:9200"},
		},
		Collection: CollectionConfig{
			Workers:         10,
			QueueSize:       10000,
			PageSize:        1000,
			DataTypes:       []string{"billing", "object"},
			QueryExpression: "LastModified > 1970-01-01T00:00:00Z",
		},
		Purge: PurgeConfig{
			PageSize:          25000,
			ScrollKeepAliveMs: 15000,
			RetentionDays:     30,
			IntervalMs:        86400000, // 1 day
			DataTypes:         []string{"object", "object_versions"},
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialIntervalMs: 500,
			MaxIntervalMs:     10000,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load builds a Config from defaults, the file named by ECSMETA_CONFIG (if
// set), and environment overrides.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := applyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromPath builds a Config from defaults, the YAML file at path, and
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := applyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML on top of Default(). Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for values the collector cannot run with.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Collection.Workers <= 0 {
		errs = multierror.Append(errs, errors.New("collection.workers must be positive"))
	}
	if c.Collection.QueueSize < 0 {
		errs = multierror.Append(errs, errors.New("collection.queueSize must not be negative"))
	}
	if c.Collection.PageSize <= 0 || c.Collection.PageSize > 1000 {
		errs = multierror.Append(errs, errors.New("collection.pageSize must be in 1..1000"))
	}
	if c.Purge.PageSize <= 0 || c.Purge.PageSize > MaxPurgePageSize {
		errs = multierror.Append(errs, fmt.Errorf("purge.pageSize must be in 1..%d", MaxPurgePageSize))
	}
	if c.Purge.ScrollKeepAliveMs <= 0 {
		errs = multierror.Append(errs, errors.New("purge.scrollKeepAliveMs must be positive"))
	}
	if c.Purge.RetentionDays < 0 {
		errs = multierror.Append(errs, errors.New("purge.retentionDays must not be negative"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = multierror.Append(errs, errors.New("retry.maxAttempts must be positive"))
	}
	if len(c.Elastic.Addresses) == 0 {
		errs = multierror.Append(errs, errors.New("elastic.addresses is required"))
	}
	return errs.ErrorOrNil()
}

// ScrollKeepAlive returns the purge scroll lifetime.
func (c *Config) ScrollKeepAlive() time.Duration {
	return time.Duration(c.Purge.ScrollKeepAliveMs) * time.Millisecond
}

// PurgeInterval returns the delay between scheduled purge sweeps.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.Purge.IntervalMs) * time.Millisecond
}

// MgmtTimeout returns the per-request timeout for the management API.
func (c *Config) MgmtTimeout() time.Duration {
	return time.Duration(c.ECS.TimeoutMs) * time.Millisecond
}

// applyEnv overwrites every field carrying an `env` tag whose variable is set
// in environ, or in the process environment when environ is nil. Slices are
// comma separated.
func applyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Environment: environ}
	if err := env.Parse(cfg, opts); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	return nil
}
