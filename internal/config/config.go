// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Progress      ProgressConfig      `yaml:"progress"`
	ObjectStore   ObjectStoreConfig   `yaml:"object_store"`
	Engine        EngineConfig        `yaml:"engine"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig describes execution and step-event persistence.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig is shared by the Redis claim store and progress publisher.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// ResolveAddr returns the address from AddrEnv when set, otherwise Addr.
func (c RedisConfig) ResolveAddr() string {
	if c.AddrEnv != "" {
		if v := os.Getenv(c.AddrEnv); v != "" {
			return v
		}
	}
	return c.Addr
}

// IdempotencyConfig describes the claim store.
type IdempotencyConfig struct {
	// Driver is one of memory, redis, postgres.
	Driver string `yaml:"driver"`
	// ClaimTTL bounds how long an IN_PROGRESS claim survives a crashed owner.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
	// ResultTTL is how long completed payloads are replayed.
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// ProgressConfig describes where step-progress events go.
type ProgressConfig struct {
	// Publishers lists the enabled sinks: log, redis.
	Publishers    []string `yaml:"publishers"`
	ChannelPrefix string   `yaml:"channel_prefix"`
}

// ObjectStoreConfig describes the bucket used by upload steps.
type ObjectStoreConfig struct {
	// BucketURL is a gocloud.dev blob URL, e.g. mem:// or file:///var/lib/orchestra.
	BucketURL      string               `yaml:"bucket_url"`
	KeyPrefix      string               `yaml:"key_prefix"`
	FetchTimeout   time.Duration        `yaml:"fetch_timeout"`
	MaxObjectBytes int64                `yaml:"max_object_bytes"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings for image sources.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig describes step retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// EngineConfig describes workflow engine behaviour.
type EngineConfig struct {
	DefaultMaxRetries    int           `yaml:"default_max_retries"`
	ExecutionTimeout     time.Duration `yaml:"execution_timeout"`
	TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval"`
}

// CatalogConfig describes the product-creation workflow.
type CatalogConfig struct {
	// Repository is one of memory, postgres.
	Repository string `yaml:"repository"`
	// PartialFailurePolicy is keep_partial or rollback_all.
	PartialFailurePolicy string `yaml:"partial_failure_policy"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			HandlerTimeout:  4 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "ORCHESTRA_DATABASE_URL",
			SQLitePath:      "orchestra.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			AddrEnv: "ORCHESTRA_REDIS_ADDR",
			Addr:    "localhost:6379",
		},
		Idempotency: IdempotencyConfig{
			Driver:    "memory",
			ClaimTTL:  15 * time.Minute,
			ResultTTL: 24 * time.Hour,
		},
		Progress: ProgressConfig{
			Publishers:    []string{"log"},
			ChannelPrefix: "orchestra:progress",
		},
		ObjectStore: ObjectStoreConfig{
			BucketURL:      "mem://",
			KeyPrefix:      "products/",
			FetchTimeout:   30 * time.Second,
			MaxObjectBytes: 20 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2.0,
				BackoffMax:        5 * time.Second,
			},
		},
		Engine: EngineConfig{
			DefaultMaxRetries:    3,
			ExecutionTimeout:     10 * time.Minute,
			TimeoutCheckInterval: 30 * time.Second,
		},
		Catalog: CatalogConfig{
			Repository:           "memory",
			PartialFailurePolicy: "keep_partial",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !oneOf(c.Store.Driver, "memory", "sqlite", "postgres") {
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, sqlite, postgres", c.Store.Driver))
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		errs = append(errs, "store.sqlite_path is required for the sqlite driver")
	}
	if !oneOf(c.Idempotency.Driver, "memory", "redis", "postgres") {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be one of memory, redis, postgres", c.Idempotency.Driver))
	}
	if c.Idempotency.ClaimTTL <= 0 {
		errs = append(errs, "idempotency.claim_ttl must be positive")
	}
	for _, p := range c.Progress.Publishers {
		if !oneOf(p, "log", "redis") {
			errs = append(errs, fmt.Sprintf("progress.publishers entry %q must be log or redis", p))
		}
	}
	if c.ObjectStore.BucketURL == "" {
		errs = append(errs, "object_store.bucket_url is required")
	}
	if c.Engine.DefaultMaxRetries < 0 {
		errs = append(errs, "engine.default_max_retries must not be negative")
	}
	if !oneOf(c.Catalog.Repository, "memory", "postgres") {
		errs = append(errs, fmt.Sprintf("catalog.repository %q must be memory or postgres", c.Catalog.Repository))
	}
	if !oneOf(c.Catalog.PartialFailurePolicy, "keep_partial", "rollback_all") {
		errs = append(errs, fmt.Sprintf("catalog.partial_failure_policy %q must be keep_partial or rollback_all", c.Catalog.PartialFailurePolicy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ORCHESTRA_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRA_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ORCHESTRA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ORCHESTRA_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("ORCHESTRA_OBJECT_STORE_BUCKET_URL"); v != "" {
		cfg.ObjectStore.BucketURL = v
	}
	if v := os.Getenv("ORCHESTRA_CATALOG_PARTIAL_FAILURE_POLICY"); v != "" {
		cfg.Catalog.PartialFailurePolicy = v
	}
	if v := os.Getenv("ORCHESTRA_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
