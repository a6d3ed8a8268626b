// Package config defines the engine configuration, loads it from JSON files
// and METHODCACHE_* environment variables, and assembles a running engine
// from it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// EngineConfig selects which optional tiers run. The memory layer and the
// tag index are always on.
type EngineConfig struct {
	DistributedEnabled bool `json:"distributed_enabled"`
	PersistentEnabled  bool `json:"persistent_enabled"`
	BackplaneEnabled   bool `json:"backplane_enabled"`
	// DeferWrites routes distributed and persistent writes through the
	// write queue instead of blocking the caller.
	DeferWrites bool `json:"defer_writes"`
}

// MemoryConfig tunes the in-process layer.
type MemoryConfig struct {
	MaxEntries int `json:"max_entries"`
}

// RedisConfig covers both the distributed store and the backplane bus.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	PoolSize  int    `json:"pool_size"`
}

// PostgresConfig tunes the durable store.
type PostgresConfig struct {
	DSN            string `json:"dsn"`
	Table          string `json:"table"`
	SweepIntervalS int    `json:"sweep_interval_sec"`
}

// WriteQueueConfig tunes the deferred-write queue.
type WriteQueueConfig struct {
	Workers            int    `json:"workers"`
	Capacity           int    `json:"capacity"`
	FullPolicy         string `json:"full_policy"`
	BackpressureWaitMS int    `json:"backpressure_wait_ms"`
	MaxAttempts        int    `json:"max_attempts"`
	DrainTimeoutS      int    `json:"drain_timeout_sec"`
}

// BackplaneConfig tunes the invalidation channel.
type BackplaneConfig struct {
	Topic string `json:"topic"`
}

// BreakerConfig is applied to both remote-backed layers.
type BreakerConfig struct {
	ErrorPct       float64 `json:"error_pct"`
	WindowS        int     `json:"window_sec"`
	OpenS          int     `json:"open_sec"`
	HalfOpenProbes int     `json:"half_open_probes"`
}

// ConcurrencyConfig bounds in-flight calls per backing store.
type ConcurrencyConfig struct {
	DistributedMax int64 `json:"distributed_max"`
	PersistentMax  int64 `json:"persistent_max"`
}

// LoggingConfig selects the log output format and level.
type LoggingConfig struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

// MetricsConfig controls the Prometheus surface.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// ObservabilityConfig groups logging, metrics, and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// DaemonConfig covers the HTTP surface of methodcached.
type DaemonConfig struct {
	HTTPAddr     string `json:"http_addr"`
	LogLevel     string `json:"log_level"`
	ProfilesPath string `json:"profiles_path"`
}

// Config is the complete engine and daemon configuration.
type Config struct {
	Engine        EngineConfig        `json:"engine"`
	Memory        MemoryConfig        `json:"memory"`
	Redis         RedisConfig         `json:"redis"`
	Postgres      PostgresConfig      `json:"postgres"`
	WriteQueue    WriteQueueConfig    `json:"write_queue"`
	Backplane     BackplaneConfig     `json:"backplane"`
	Breaker       BreakerConfig       `json:"breaker"`
	Concurrency   ConcurrencyConfig   `json:"concurrency"`
	Observability ObservabilityConfig `json:"observability"`
	Daemon        DaemonConfig        `json:"daemon"`
}

// DefaultConfig returns a config that runs memory-only with deferred
// writes armed, ready for the optional tiers to be switched on.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DeferWrites: true,
		},
		Memory: MemoryConfig{
			MaxEntries: 0,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "methodcache:",
		},
		Postgres: PostgresConfig{
			Table:          "cache_entries",
			SweepIntervalS: 300,
		},
		WriteQueue: WriteQueueConfig{
			Workers:            4,
			Capacity:           256,
			FullPolicy:         "wait",
			BackpressureWaitMS: 50,
			MaxAttempts:        3,
			DrainTimeoutS:      10,
		},
		Backplane: BackplaneConfig{
			Topic: "methodcache:invalidate",
		},
		Breaker: BreakerConfig{
			ErrorPct:       50,
			WindowS:        30,
			OpenS:          15,
			HalfOpenProbes: 2,
		},
		Concurrency: ConcurrencyConfig{
			DistributedMax: 64,
			PersistentMax:  16,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Format: "text", Level: "info"},
			Metrics: MetricsConfig{Enabled: true, Namespace: "methodcache"},
			Tracing: TracingConfig{Exporter: "stdout", ServiceName: "methodcache", SampleRate: 1.0},
		},
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
	}
}

// LoadFromFile reads a JSON config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overrides cfg from METHODCACHE_* environment variables.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("METHODCACHE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("METHODCACHE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("METHODCACHE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("METHODCACHE_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("METHODCACHE_DISTRIBUTED_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.DistributedEnabled = b
		}
	}
	if v := os.Getenv("METHODCACHE_PERSISTENT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.PersistentEnabled = b
		}
	}
	if v := os.Getenv("METHODCACHE_BACKPLANE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.BackplaneEnabled = b
		}
	}
	if v := os.Getenv("METHODCACHE_BACKPLANE_TOPIC"); v != "" {
		cfg.Backplane.Topic = v
	}
	if v := os.Getenv("METHODCACHE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("METHODCACHE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("METHODCACHE_PROFILES"); v != "" {
		cfg.Daemon.ProfilesPath = v
	}
}
