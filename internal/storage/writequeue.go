package storage

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/eoniclabs/methodcache/internal/logging"
	"github.com/eoniclabs/methodcache/internal/metrics"
)

// FullPolicy selects what Enqueue does when the queue is at capacity.
type FullPolicy string

const (
	// FullPolicyWait blocks the producer up to BackpressureWait for a slot
	// before reporting ErrQueueFull.
	FullPolicyWait FullPolicy = "wait"
	// FullPolicySync reports ErrQueueFull immediately so the producer
	// writes synchronously.
	FullPolicySync FullPolicy = "sync"
)

// WriteQueueConfig tunes the deferred-write machinery.
type WriteQueueConfig struct {
	// Workers is the shard count; one goroutine drains each shard. Writes
	// to the same key always land on the same shard, which is what keeps
	// per-key ordering.
	Workers int
	// Capacity is the per-shard buffer.
	Capacity int
	// FullPolicy picks the at-capacity behavior; default FullPolicyWait.
	FullPolicy FullPolicy
	// BackpressureWait bounds how long FullPolicyWait blocks a producer.
	BackpressureWait time.Duration
	// MaxAttempts bounds retries of a failing apply, first try included.
	MaxAttempts int
	// BackoffBase and BackoffMax shape the retry delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ApplyTimeout bounds a single apply call.
	ApplyTimeout time.Duration
	// DrainTimeout bounds Close; writes still pending afterwards are
	// logged and discarded.
	DrainTimeout time.Duration
}

const (
	defaultQueueWorkers     = 4
	defaultQueueCapacity    = 256
	defaultBackpressureWait = 50 * time.Millisecond
	defaultMaxAttempts      = 3
	defaultBackoffBase      = 50 * time.Millisecond
	defaultBackoffMax       = 2 * time.Second
	defaultApplyTimeout     = 5 * time.Second
	defaultDrainTimeout     = 10 * time.Second
)

// deferredWrite is one queued apply.
type deferredWrite struct {
	layerID string
	kind    string
	key     string
	apply   func(ctx context.Context) error
}

// WriteQueue applies deferred layer writes in the background, preserving
// per-key order via shard routing. It is not a read tier: layers hand it
// work on their write path and the engine drains it on close.
type WriteQueue struct {
	cfg    WriteQueueConfig
	shards []chan deferredWrite
	wg     sync.WaitGroup
	stop   chan struct{}

	mu     sync.RWMutex
	closed bool

	depth     atomic.Int64
	enqueued  atomic.Uint64
	applied   atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
}

// NewWriteQueue starts the shard workers.
func NewWriteQueue(cfg WriteQueueConfig) *WriteQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultQueueWorkers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultQueueCapacity
	}
	if cfg.FullPolicy != FullPolicySync {
		cfg.FullPolicy = FullPolicyWait
	}
	if cfg.BackpressureWait <= 0 {
		cfg.BackpressureWait = defaultBackpressureWait
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	q := &WriteQueue{
		cfg:    cfg,
		shards: make([]chan deferredWrite, cfg.Workers),
		stop:   make(chan struct{}),
	}
	for i := range q.shards {
		q.shards[i] = make(chan deferredWrite, cfg.Capacity)
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Enqueue admits a deferred write. At capacity the behavior follows
// FullPolicy; ErrQueueFull and ErrClosed tell the producer to apply the
// write synchronously instead. Admission never drops a write silently.
func (q *WriteQueue) Enqueue(ctx context.Context, layerID, kind, key string, apply func(context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	w := deferredWrite{layerID: layerID, kind: kind, key: key, apply: apply}
	shard := q.shards[xxhash.Sum64String(key)%uint64(len(q.shards))]

	select {
	case shard <- w:
		q.admitted()
		return nil
	default:
	}

	if q.cfg.FullPolicy == FullPolicySync {
		return ErrQueueFull
	}

	timer := time.NewTimer(q.cfg.BackpressureWait)
	defer timer.Stop()
	select {
	case shard <- w:
		q.admitted()
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WriteQueue) admitted() {
	q.enqueued.Add(1)
	metrics.SetWriteQueueDepth(int(q.depth.Add(1)))
}

func (q *WriteQueue) worker(i int) {
	defer q.wg.Done()
	for w := range q.shards[i] {
		if q.stopped() {
			q.discarded.Add(1)
			metrics.RecordWriteQueueEvent(w.layerID, "discarded")
			metrics.SetWriteQueueDepth(int(q.depth.Add(-1)))
			continue
		}
		q.process(w)
		metrics.SetWriteQueueDepth(int(q.depth.Add(-1)))
	}
}

func (q *WriteQueue) stopped() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

// process applies one write, retrying with exponential backoff. A write
// that exhausts MaxAttempts is abandoned with an error log; at that point
// the store diverges until the entry's TTL or the next overwrite.
func (q *WriteQueue) process(w deferredWrite) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ApplyTimeout)
		err := w.apply(ctx)
		cancel()
		if err == nil {
			q.applied.Add(1)
			metrics.RecordWriteQueueEvent(w.layerID, "applied")
			return
		}
		if attempt >= q.cfg.MaxAttempts {
			q.failed.Add(1)
			metrics.RecordWriteQueueEvent(w.layerID, "failed")
			logging.Op().Error("deferred write abandoned",
				"layer", w.layerID, "kind", w.kind, "key", w.key,
				"attempts", attempt, "error", err)
			return
		}
		q.retried.Add(1)
		metrics.RecordWriteQueueEvent(w.layerID, "retried")
		logging.Op().Warn("deferred write retry",
			"layer", w.layerID, "kind", w.kind, "key", w.key,
			"attempt", attempt, "error", err)

		select {
		case <-time.After(calcBackoff(attempt, q.cfg.BackoffBase, q.cfg.BackoffMax)):
		case <-q.stop:
			q.discarded.Add(1)
			metrics.RecordWriteQueueEvent(w.layerID, "discarded")
			return
		}
	}
}

// calcBackoff doubles the delay per attempt, capped at max.
func calcBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// Depth returns the number of admitted writes not yet applied.
func (q *WriteQueue) Depth() int {
	return int(q.depth.Load())
}

// Health reports Degraded when the queue is above 80% of capacity.
func (q *WriteQueue) Health(ctx context.Context) HealthReport {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return HealthReport{LayerID: LayerWriteQueue, Status: StatusUnavailable, Message: "closed"}
	}

	capacity := int64(q.cfg.Workers) * int64(q.cfg.Capacity)
	depth := q.depth.Load()
	if capacity > 0 && depth*5 >= capacity*4 {
		return HealthReport{
			LayerID: LayerWriteQueue,
			Status:  StatusDegraded,
			Message: fmt.Sprintf("queue at %d of %d", depth, capacity),
		}
	}
	return HealthReport{LayerID: LayerWriteQueue, Status: StatusHealthy}
}

// Stats reports queue counters; OperationCount is total admissions.
func (q *WriteQueue) Stats() LayerStats {
	return LayerStats{
		LayerID:        LayerWriteQueue,
		OperationCount: q.enqueued.Load(),
		Extra: map[string]int64{
			"depth":     q.depth.Load(),
			"applied":   int64(q.applied.Load()),
			"retried":   int64(q.retried.Load()),
			"failed":    int64(q.failed.Load()),
			"discarded": int64(q.discarded.Load()),
		},
	}
}

// Close stops admission and drains pending writes. Writes still pending
// when DrainTimeout expires are logged and discarded; that loss window is
// the documented cost of deferred writes on shutdown. Safe to call twice.
func (q *WriteQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	for _, shard := range q.shards {
		close(shard)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(q.cfg.DrainTimeout):
		close(q.stop)
		pending := q.depth.Load()
		logging.Op().Warn("write queue drain timed out, discarding pending writes",
			"pending", pending, "timeout", q.cfg.DrainTimeout)
		<-done
		return fmt.Errorf("write queue drain timed out with %d pending writes", pending)
	}
}
