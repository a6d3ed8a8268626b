package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eoniclabs/methodcache/internal/breaker"
	"github.com/eoniclabs/methodcache/internal/durable"
	"github.com/eoniclabs/methodcache/internal/logging"
	"github.com/eoniclabs/methodcache/internal/metrics"
)

// PersistentConfig configures the durable tier.
type PersistentConfig struct {
	// MaxConcurrency bounds in-flight store calls.
	MaxConcurrency int64
	// DeferWrites hands Set and Remove to the write queue.
	DeferWrites bool
	// SweepInterval spaces background deletion of expired rows; 0 disables
	// the sweeper and leaves reclamation to reads and external jobs.
	SweepInterval time.Duration
}

const defaultPersistentConcurrency = 16

// PersistentLayer is the durable tier: the slowest store in the pipeline
// and the one that survives restarts. It shares the semaphore-plus-breaker
// discipline of the distributed layer, with smaller default concurrency
// since a relational store saturates earlier than a cache server.
type PersistentLayer struct {
	layerCounters

	store durable.Store
	sem   *semaphore.Weighted
	brk   *breaker.Breaker
	queue *WriteQueue
	cfg   PersistentConfig

	closed  atomic.Bool
	stopCh  chan struct{}
	sweepWG sync.WaitGroup
}

// NewPersistentLayer creates the layer. queue may be nil when writes are
// synchronous; brk may be nil to disable circuit breaking.
func NewPersistentLayer(store durable.Store, queue *WriteQueue, brk *breaker.Breaker, cfg PersistentConfig) *PersistentLayer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultPersistentConcurrency
	}
	return &PersistentLayer{
		store:  store,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
		brk:    brk,
		queue:  queue,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

func (p *PersistentLayer) ID() string {
	return LayerPersistent
}

// Initialize probes the store and starts the expiry sweeper. An unreachable
// store is logged, not fatal.
func (p *PersistentLayer) Initialize(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.store.Ping(pingCtx); err != nil {
		p.recordFailure()
		logging.Op().Warn("durable store unreachable at startup", "error", err)
	}

	if p.cfg.SweepInterval > 0 {
		p.sweepWG.Add(1)
		go p.sweepLoop()
	}
	return nil
}

// sweepLoop periodically reclaims expired rows. Reads already filter them
// out; the sweeper only keeps the table from growing.
func (p *PersistentLayer) sweepLoop() {
	defer p.sweepWG.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := p.store.DeleteExpired(ctx)
			cancel()
			if err != nil {
				logging.Op().Warn("expired row sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logging.Op().Debug("swept expired cache rows", "rows", n)
			}
		}
	}
}

func (p *PersistentLayer) acquire(ctx context.Context) bool {
	if p.closed.Load() {
		return false
	}
	if p.brk != nil && !p.brk.Allow() {
		return false
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	return true
}

func (p *PersistentLayer) recordSuccess() {
	if p.brk != nil {
		p.brk.RecordSuccess()
	}
}

func (p *PersistentLayer) recordFailure() {
	if p.brk != nil {
		p.brk.RecordFailure()
	}
}

func rowToEntry(r *durable.Row) *Entry {
	e := &Entry{
		Key:      r.Key,
		Value:    r.Value,
		TypeHint: r.TypeHint,
		Tags:     r.Tags,
	}
	if r.ExpiresAt != nil {
		e.ExpiresAt = *r.ExpiresAt
	}
	return e
}

func entryToRow(e *Entry) *durable.Row {
	r := &durable.Row{
		Key:      e.Key,
		Value:    e.Value,
		TypeHint: e.TypeHint,
		Tags:     e.Tags,
	}
	if !e.ExpiresAt.IsZero() {
		t := e.ExpiresAt
		r.ExpiresAt = &t
	}
	return r
}

func (p *PersistentLayer) Get(ctx context.Context, op *Operation, key string) GetResult {
	if !p.acquire(ctx) {
		return NotHandled()
	}
	defer p.sem.Release(1)

	row, err := p.store.Get(ctx, key)
	if errors.Is(err, durable.ErrNotFound) {
		p.recordSuccess()
		p.recordMiss()
		return Miss()
	}
	if err != nil {
		p.recordFailure()
		logging.Op().Warn("durable get failed", "key", key, "error", err)
		return NotHandled()
	}
	p.recordSuccess()

	entry := rowToEntry(row)
	if entry.Expired() {
		p.recordMiss()
		return Miss()
	}
	p.recordHit()
	return Hit(entry)
}

func (p *PersistentLayer) Set(ctx context.Context, op *Operation, entry *Entry) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.recordOp()
	return p.setKey(ctx, entry)
}

func (p *PersistentLayer) setKey(ctx context.Context, entry *Entry) error {
	if p.cfg.DeferWrites && p.queue != nil {
		err := p.queue.Enqueue(ctx, p.ID(), "set", entry.Key, func(actx context.Context) error {
			return p.applySet(actx, entry)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrClosed) {
			metrics.RecordWriteQueueEvent(p.ID(), "downgraded")
			return p.applySet(ctx, entry)
		}
		return err
	}
	return p.applySet(ctx, entry)
}

func (p *PersistentLayer) applySet(ctx context.Context, entry *Entry) error {
	if entry.Expired() {
		return nil
	}
	if !p.acquire(ctx) {
		return fmt.Errorf("durable set %s: %w", entry.Key, ErrLayerUnavailable)
	}
	defer p.sem.Release(1)
	if err := p.store.Set(ctx, entryToRow(entry)); err != nil {
		p.recordFailure()
		return fmt.Errorf("durable set %s: %w", entry.Key, err)
	}
	p.recordSuccess()
	return nil
}

func (p *PersistentLayer) Remove(ctx context.Context, op *Operation, key string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.recordOp()
	return p.removeKey(ctx, key)
}

func (p *PersistentLayer) removeKey(ctx context.Context, key string) error {
	if p.cfg.DeferWrites && p.queue != nil {
		err := p.queue.Enqueue(ctx, p.ID(), "remove", key, func(actx context.Context) error {
			return p.applyRemove(actx, key)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrClosed) {
			metrics.RecordWriteQueueEvent(p.ID(), "downgraded")
			return p.applyRemove(ctx, key)
		}
		return err
	}
	return p.applyRemove(ctx, key)
}

func (p *PersistentLayer) applyRemove(ctx context.Context, key string) error {
	if !p.acquire(ctx) {
		return fmt.Errorf("durable remove %s: %w", key, ErrLayerUnavailable)
	}
	defer p.sem.Release(1)
	if err := p.store.Delete(ctx, key); err != nil {
		p.recordFailure()
		return fmt.Errorf("durable remove %s: %w", key, err)
	}
	p.recordSuccess()
	return nil
}

// RemoveByTag removes the member keys resolved by the coordinator, then
// deletes any remaining rows carrying the tag directly in the store. The
// direct pass covers rows written by earlier process lifetimes that the
// in-memory tag index never saw.
func (p *PersistentLayer) RemoveByTag(ctx context.Context, op *Operation, tag string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.recordOp()

	var firstErr error
	for _, key := range op.TagMembers() {
		if err := p.removeKey(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.deleteTag(ctx, tag); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (p *PersistentLayer) deleteTag(ctx context.Context, tag string) error {
	if !p.acquire(ctx) {
		return fmt.Errorf("durable remove tag %s: %w", tag, ErrLayerUnavailable)
	}
	defer p.sem.Release(1)
	n, err := p.store.DeleteByTag(ctx, tag)
	if err != nil {
		p.recordFailure()
		return fmt.Errorf("durable remove tag %s: %w", tag, err)
	}
	p.recordSuccess()
	if n > 0 {
		logging.Op().Debug("removed durable rows by tag", "tag", tag, "rows", n)
	}
	return nil
}

func (p *PersistentLayer) Exists(ctx context.Context, op *Operation, key string) (bool, error) {
	if !p.acquire(ctx) {
		return false, fmt.Errorf("durable exists %s: %w", key, ErrLayerUnavailable)
	}
	defer p.sem.Release(1)

	ok, err := p.store.Exists(ctx, key)
	if err != nil {
		p.recordFailure()
		return false, fmt.Errorf("durable exists %s: %w", key, err)
	}
	p.recordSuccess()
	return ok, nil
}

func (p *PersistentLayer) Health(ctx context.Context) HealthReport {
	if p.closed.Load() {
		return HealthReport{LayerID: p.ID(), Status: StatusUnavailable, Message: "disposed"}
	}
	if p.brk != nil {
		state := p.brk.State()
		metrics.SetBreakerState(p.ID(), int(state))
		switch state {
		case breaker.StateOpen:
			return HealthReport{LayerID: p.ID(), Status: StatusUnavailable, Message: "circuit breaker open"}
		case breaker.StateHalfOpen:
			return HealthReport{LayerID: p.ID(), Status: StatusDegraded, Message: "circuit breaker half-open"}
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.store.Ping(pingCtx); err != nil {
		return HealthReport{LayerID: p.ID(), Status: StatusDegraded, Message: err.Error()}
	}
	return HealthReport{LayerID: p.ID(), Status: StatusHealthy}
}

func (p *PersistentLayer) Stats() LayerStats {
	return p.snapshot(p.ID())
}

func (p *PersistentLayer) Dispose() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.stopCh)
	p.sweepWG.Wait()
	return p.store.Close()
}
