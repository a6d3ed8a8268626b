package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.DistributedEnabled || cfg.Engine.PersistentEnabled || cfg.Engine.BackplaneEnabled {
		t.Fatal("expected optional tiers to default off")
	}
	if !cfg.Engine.DeferWrites {
		t.Fatal("expected deferred writes by default")
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected redis addr: %s", cfg.Redis.Addr)
	}
	if cfg.Postgres.Table != "cache_entries" {
		t.Fatalf("unexpected postgres table: %s", cfg.Postgres.Table)
	}
	if cfg.WriteQueue.Workers != 4 || cfg.WriteQueue.Capacity != 256 {
		t.Fatalf("unexpected write queue defaults: %+v", cfg.WriteQueue)
	}
	if cfg.Backplane.Topic != "methodcache:invalidate" {
		t.Fatalf("unexpected backplane topic: %s", cfg.Backplane.Topic)
	}
	if cfg.Daemon.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr: %s", cfg.Daemon.HTTPAddr)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"engine": {"distributed_enabled": true},
		"redis": {"addr": "redis.internal:6380", "db": 2},
		"write_queue": {"workers": 8}
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if !cfg.Engine.DistributedEnabled {
		t.Fatal("expected distributed tier enabled from file")
	}
	if cfg.Redis.Addr != "redis.internal:6380" || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.WriteQueue.Workers != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.WriteQueue.Workers)
	}
	// Untouched sections keep their defaults
	if cfg.WriteQueue.Capacity != 256 {
		t.Fatalf("expected default capacity, got %d", cfg.WriteQueue.Capacity)
	}
	if cfg.Postgres.Table != "cache_entries" {
		t.Fatalf("expected default table, got %s", cfg.Postgres.Table)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromFileInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{invalid"), 0o644)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("METHODCACHE_REDIS_ADDR", "env-redis:6379")
	t.Setenv("METHODCACHE_REDIS_DB", "3")
	t.Setenv("METHODCACHE_PG_DSN", "postgres://env")
	t.Setenv("METHODCACHE_DISTRIBUTED_ENABLED", "true")
	t.Setenv("METHODCACHE_PERSISTENT_ENABLED", "1")
	t.Setenv("METHODCACHE_BACKPLANE_ENABLED", "true")
	t.Setenv("METHODCACHE_BACKPLANE_TOPIC", "env:topic")
	t.Setenv("METHODCACHE_HTTP_ADDR", ":9090")
	t.Setenv("METHODCACHE_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Addr != "env-redis:6379" || cfg.Redis.DB != 3 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Postgres.DSN != "postgres://env" {
		t.Fatalf("unexpected dsn: %s", cfg.Postgres.DSN)
	}
	if !cfg.Engine.DistributedEnabled || !cfg.Engine.PersistentEnabled || !cfg.Engine.BackplaneEnabled {
		t.Fatalf("expected all tiers enabled from env: %+v", cfg.Engine)
	}
	if cfg.Backplane.Topic != "env:topic" {
		t.Fatalf("unexpected topic: %s", cfg.Backplane.Topic)
	}
	if cfg.Daemon.HTTPAddr != ":9090" || cfg.Daemon.LogLevel != "debug" {
		t.Fatalf("unexpected daemon config: %+v", cfg.Daemon)
	}
}

func TestLoadFromEnvIgnoresBadValues(t *testing.T) {
	t.Setenv("METHODCACHE_REDIS_DB", "not-a-number")
	t.Setenv("METHODCACHE_DISTRIBUTED_ENABLED", "maybe")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.DB != 0 {
		t.Fatalf("expected db untouched, got %d", cfg.Redis.DB)
	}
	if cfg.Engine.DistributedEnabled {
		t.Fatal("expected unparseable bool to be ignored")
	}
}
