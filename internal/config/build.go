package config

import (
	"context"
	"fmt"
	"time"

	"github.com/eoniclabs/methodcache/internal/breaker"
	"github.com/eoniclabs/methodcache/internal/durable"
	"github.com/eoniclabs/methodcache/internal/logging"
	"github.com/eoniclabs/methodcache/internal/pubsub"
	"github.com/eoniclabs/methodcache/internal/remote"
	"github.com/eoniclabs/methodcache/internal/storage"
)

// Layer priorities; ascending priority is the read order. The tag index
// and backplane sit behind the value tiers and never answer reads.
const (
	PriorityMemory      = 10
	PriorityDistributed = 20
	PriorityPersistent  = 30
	PriorityTagIndex    = 80
	PriorityBackplane   = 90
)

// BuildCoordinator assembles adapters and layers from config. Construction
// fails on configuration errors such as a bad DSN; stores that are merely
// unreachable leave their layer degraded instead, so a cache can start
// before its backing services.
func BuildCoordinator(ctx context.Context, cfg *Config) (*storage.Coordinator, error) {
	l1 := storage.NewMemoryLayer(storage.MemoryConfig{MaxEntries: cfg.Memory.MaxEntries})
	tagIndex := storage.NewTagIndexLayer()

	queue := storage.NewWriteQueue(storage.WriteQueueConfig{
		Workers:          cfg.WriteQueue.Workers,
		Capacity:         cfg.WriteQueue.Capacity,
		FullPolicy:       storage.FullPolicy(cfg.WriteQueue.FullPolicy),
		BackpressureWait: time.Duration(cfg.WriteQueue.BackpressureWaitMS) * time.Millisecond,
		MaxAttempts:      cfg.WriteQueue.MaxAttempts,
		DrainTimeout:     time.Duration(cfg.WriteQueue.DrainTimeoutS) * time.Second,
	})

	breakers := breaker.NewRegistry()
	brkCfg := breaker.Config{
		ErrorPct:       cfg.Breaker.ErrorPct,
		WindowDuration: time.Duration(cfg.Breaker.WindowS) * time.Second,
		OpenDuration:   time.Duration(cfg.Breaker.OpenS) * time.Second,
		HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
	}

	opts := []storage.Option{
		storage.WithLayer(l1, storage.LayerDescriptor{ID: storage.LayerMemory, Priority: PriorityMemory, Enabled: true}),
		storage.WithTagIndex(tagIndex, storage.LayerDescriptor{ID: storage.LayerTagIndex, Priority: PriorityTagIndex, Enabled: true}),
		storage.WithWriteQueue(queue),
	}

	if cfg.Engine.DistributedEnabled {
		store := remote.NewRedis(remote.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			PoolSize:  cfg.Redis.PoolSize,
		})
		l2 := storage.NewDistributedLayer(store, queue, breakers.Get(storage.LayerDistributed, brkCfg), storage.DistributedConfig{
			MaxConcurrency: cfg.Concurrency.DistributedMax,
			DeferWrites:    cfg.Engine.DeferWrites,
		})
		opts = append(opts, storage.WithLayer(l2, storage.LayerDescriptor{ID: storage.LayerDistributed, Priority: PriorityDistributed, Enabled: true}))
	}

	if cfg.Engine.PersistentEnabled {
		store, err := durable.NewPostgres(ctx, durable.PostgresConfig{
			DSN:   cfg.Postgres.DSN,
			Table: cfg.Postgres.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("build persistent layer: %w", err)
		}
		l3 := storage.NewPersistentLayer(store, queue, breakers.Get(storage.LayerPersistent, brkCfg), storage.PersistentConfig{
			MaxConcurrency: cfg.Concurrency.PersistentMax,
			DeferWrites:    cfg.Engine.DeferWrites,
			SweepInterval:  time.Duration(cfg.Postgres.SweepIntervalS) * time.Second,
		})
		opts = append(opts, storage.WithLayer(l3, storage.LayerDescriptor{ID: storage.LayerPersistent, Priority: PriorityPersistent, Enabled: true}))
	}

	if cfg.Engine.BackplaneEnabled {
		bus := pubsub.NewRedis(pubsub.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bp := storage.NewBackplaneLayer(bus, storage.BackplaneConfig{Topic: cfg.Backplane.Topic}, l1.Invalidate, tagIndex.Members)
		opts = append(opts, storage.WithLayer(bp, storage.LayerDescriptor{ID: storage.LayerBackplane, Priority: PriorityBackplane, Enabled: true}))
		logging.Op().Info("backplane enabled", "topic", cfg.Backplane.Topic, "origin", bp.Origin())
	}

	return storage.New(opts...)
}
