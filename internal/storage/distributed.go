package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eoniclabs/methodcache/internal/breaker"
	"github.com/eoniclabs/methodcache/internal/logging"
	"github.com/eoniclabs/methodcache/internal/metrics"
	"github.com/eoniclabs/methodcache/internal/remote"
)

// DistributedConfig configures the shared remote tier.
type DistributedConfig struct {
	// MaxConcurrency bounds in-flight store calls regardless of caller
	// concurrency; excess callers wait on the semaphore.
	MaxConcurrency int64
	// DeferWrites hands Set and Remove to the write queue instead of
	// writing inline. Reads are always synchronous.
	DeferWrites bool
}

const defaultDistributedConcurrency = 64

// DistributedLayer is the shared remote tier. Every store call passes the
// concurrency semaphore and the circuit breaker; with the breaker open the
// layer answers NotHandled instead of piling onto a failing store, and the
// pipeline falls through to the next tier.
type DistributedLayer struct {
	layerCounters

	store remote.Store
	sem   *semaphore.Weighted
	brk   *breaker.Breaker
	queue *WriteQueue
	cfg   DistributedConfig

	closed atomic.Bool
}

// NewDistributedLayer creates the layer. queue may be nil when writes are
// synchronous; brk may be nil to disable circuit breaking.
func NewDistributedLayer(store remote.Store, queue *WriteQueue, brk *breaker.Breaker, cfg DistributedConfig) *DistributedLayer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultDistributedConcurrency
	}
	return &DistributedLayer{
		store: store,
		sem:   semaphore.NewWeighted(cfg.MaxConcurrency),
		brk:   brk,
		queue: queue,
		cfg:   cfg,
	}
}

func (d *DistributedLayer) ID() string {
	return LayerDistributed
}

// Initialize probes the store. An unreachable store is logged, not fatal:
// the layer starts unavailable and the breaker keeps traffic away until the
// store recovers.
func (d *DistributedLayer) Initialize(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.store.Ping(pingCtx); err != nil {
		d.recordFailure()
		logging.Op().Warn("remote store unreachable at startup", "error", err)
	}
	return nil
}

// acquire gates a store call on the closed flag, the breaker, and the
// semaphore. A false return means the caller must answer NotHandled or
// ErrLayerUnavailable without touching the store.
func (d *DistributedLayer) acquire(ctx context.Context) bool {
	if d.closed.Load() {
		return false
	}
	if d.brk != nil && !d.brk.Allow() {
		return false
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	return true
}

func (d *DistributedLayer) recordSuccess() {
	if d.brk != nil {
		d.brk.RecordSuccess()
	}
}

func (d *DistributedLayer) recordFailure() {
	if d.brk != nil {
		d.brk.RecordFailure()
	}
}

func (d *DistributedLayer) Get(ctx context.Context, op *Operation, key string) GetResult {
	if !d.acquire(ctx) {
		return NotHandled()
	}
	defer d.sem.Release(1)

	payload, err := d.store.Get(ctx, key)
	if errors.Is(err, remote.ErrNotFound) {
		d.recordSuccess()
		d.recordMiss()
		return Miss()
	}
	if err != nil {
		d.recordFailure()
		logging.Op().Warn("remote get failed", "key", key, "error", err)
		return NotHandled()
	}
	d.recordSuccess()

	entry, err := decodeEntry(key, payload)
	if err != nil {
		logging.Op().Warn("remote entry undecodable, treating as miss", "key", key, "error", err)
		d.recordMiss()
		return Miss()
	}
	if entry.Expired() {
		d.recordMiss()
		return Miss()
	}
	d.recordHit()
	return Hit(entry)
}

func (d *DistributedLayer) Set(ctx context.Context, op *Operation, entry *Entry) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.recordOp()
	return d.setKey(ctx, entry)
}

// setKey defers the write when configured and falls back to a synchronous
// apply on ErrQueueFull or ErrClosed, so the write is never dropped at
// admission.
func (d *DistributedLayer) setKey(ctx context.Context, entry *Entry) error {
	if d.cfg.DeferWrites && d.queue != nil {
		err := d.queue.Enqueue(ctx, d.ID(), "set", entry.Key, func(actx context.Context) error {
			return d.applySet(actx, entry)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrClosed) {
			metrics.RecordWriteQueueEvent(d.ID(), "downgraded")
			return d.applySet(ctx, entry)
		}
		return err
	}
	return d.applySet(ctx, entry)
}

func (d *DistributedLayer) applySet(ctx context.Context, entry *Entry) error {
	ttl := entry.TTL()
	if !entry.ExpiresAt.IsZero() && ttl <= 0 {
		// Expired while queued; nothing worth writing.
		return nil
	}
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if !d.acquire(ctx) {
		return fmt.Errorf("remote set %s: %w", entry.Key, ErrLayerUnavailable)
	}
	defer d.sem.Release(1)
	if err := d.store.Set(ctx, entry.Key, payload, ttl); err != nil {
		d.recordFailure()
		return fmt.Errorf("remote set %s: %w", entry.Key, err)
	}
	d.recordSuccess()
	return nil
}

func (d *DistributedLayer) Remove(ctx context.Context, op *Operation, key string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.recordOp()
	return d.removeKey(ctx, key)
}

// removeKey routes through the queue like setKey. Removes share the per-key
// shard with sets, so a deferred remove cannot overtake an earlier deferred
// set and resurrect the old value.
func (d *DistributedLayer) removeKey(ctx context.Context, key string) error {
	if d.cfg.DeferWrites && d.queue != nil {
		err := d.queue.Enqueue(ctx, d.ID(), "remove", key, func(actx context.Context) error {
			return d.applyRemove(actx, key)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrClosed) {
			metrics.RecordWriteQueueEvent(d.ID(), "downgraded")
			return d.applyRemove(ctx, key)
		}
		return err
	}
	return d.applyRemove(ctx, key)
}

func (d *DistributedLayer) applyRemove(ctx context.Context, key string) error {
	if !d.acquire(ctx) {
		return fmt.Errorf("remote remove %s: %w", key, ErrLayerUnavailable)
	}
	defer d.sem.Release(1)
	if err := d.store.Delete(ctx, key); err != nil {
		d.recordFailure()
		return fmt.Errorf("remote remove %s: %w", key, err)
	}
	d.recordSuccess()
	return nil
}

// RemoveByTag deletes each member key resolved by the coordinator, one
// remote delete per key; the store needs no tag support of its own.
func (d *DistributedLayer) RemoveByTag(ctx context.Context, op *Operation, tag string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.recordOp()

	var firstErr error
	for _, key := range op.TagMembers() {
		if err := d.removeKey(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *DistributedLayer) Exists(ctx context.Context, op *Operation, key string) (bool, error) {
	if !d.acquire(ctx) {
		return false, fmt.Errorf("remote exists %s: %w", key, ErrLayerUnavailable)
	}
	defer d.sem.Release(1)

	ok, err := d.store.Exists(ctx, key)
	if err != nil {
		d.recordFailure()
		return false, fmt.Errorf("remote exists %s: %w", key, err)
	}
	d.recordSuccess()
	return ok, nil
}

func (d *DistributedLayer) Health(ctx context.Context) HealthReport {
	if d.closed.Load() {
		return HealthReport{LayerID: d.ID(), Status: StatusUnavailable, Message: "disposed"}
	}
	if d.brk != nil {
		state := d.brk.State()
		metrics.SetBreakerState(d.ID(), int(state))
		switch state {
		case breaker.StateOpen:
			return HealthReport{LayerID: d.ID(), Status: StatusUnavailable, Message: "circuit breaker open"}
		case breaker.StateHalfOpen:
			return HealthReport{LayerID: d.ID(), Status: StatusDegraded, Message: "circuit breaker half-open"}
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.store.Ping(pingCtx); err != nil {
		return HealthReport{LayerID: d.ID(), Status: StatusDegraded, Message: err.Error()}
	}
	return HealthReport{LayerID: d.ID(), Status: StatusHealthy}
}

func (d *DistributedLayer) Stats() LayerStats {
	return d.snapshot(d.ID())
}

func (d *DistributedLayer) Dispose() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.store.Close()
}
