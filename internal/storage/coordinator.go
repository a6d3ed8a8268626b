// Package storage implements the multi-tier cache engine: an ordered
// pipeline of storage layers behind one coordinator. The memory layer
// answers most reads; a shared remote tier and a durable tier sit behind
// it; a tag index powers bulk invalidation and a backplane keeps peer
// instances coherent. Layers are independent and never call each other; the
// coordinator owns the walk order, promotion, fan-out, and the tag removal
// protocol.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/eoniclabs/methodcache/internal/logging"
	"github.com/eoniclabs/methodcache/internal/metrics"
	"github.com/eoniclabs/methodcache/internal/observability"
	"github.com/eoniclabs/methodcache/internal/policy"
)

// layerSlot pairs a layer with its immutable descriptor.
type layerSlot struct {
	desc  LayerDescriptor
	layer Layer
}

// Coordinator composes the enabled layers into one pipeline. Apart from the
// immutable, priority-sorted layer list it keeps no state between calls, so
// a single instance serves any number of concurrent callers without a
// global lock.
type Coordinator struct {
	slots    []layerSlot
	tagIndex *TagIndexLayer
	queue    *WriteQueue

	closed atomic.Bool
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithLayer registers a layer under the given descriptor. Layers flagged
// disabled are dropped here; the pipeline never consults them.
func WithLayer(layer Layer, desc LayerDescriptor) Option {
	return func(c *Coordinator) {
		if !desc.Enabled {
			return
		}
		c.slots = append(c.slots, layerSlot{desc: desc, layer: layer})
	}
}

// WithTagIndex registers the tag index layer and makes it the member-key
// resolver for RemoveByTag.
func WithTagIndex(ti *TagIndexLayer, desc LayerDescriptor) Option {
	return func(c *Coordinator) {
		c.tagIndex = ti
		if desc.Enabled {
			c.slots = append(c.slots, layerSlot{desc: desc, layer: ti})
		}
	}
}

// WithWriteQueue attaches the deferred-write queue so its health and stats
// surface through the engine and Close drains it.
func WithWriteQueue(q *WriteQueue) Option {
	return func(c *Coordinator) {
		c.queue = q
	}
}

// New builds a Coordinator over the given layers, sorted once by ascending
// priority. Layer IDs and priorities must be unique.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.slots) == 0 {
		return nil, fmt.Errorf("storage: no enabled layers")
	}

	sort.SliceStable(c.slots, func(i, j int) bool {
		return c.slots[i].desc.Priority < c.slots[j].desc.Priority
	})

	seenID := make(map[string]struct{}, len(c.slots))
	seenPrio := make(map[int]struct{}, len(c.slots))
	for _, s := range c.slots {
		if _, dup := seenID[s.desc.ID]; dup {
			return nil, fmt.Errorf("storage: duplicate layer id %q", s.desc.ID)
		}
		if _, dup := seenPrio[s.desc.Priority]; dup {
			return nil, fmt.Errorf("storage: duplicate layer priority %d", s.desc.Priority)
		}
		seenID[s.desc.ID] = struct{}{}
		seenPrio[s.desc.Priority] = struct{}{}
	}
	return c, nil
}

// Initialize prepares every layer in priority order. A layer that fails to
// initialize is logged and left in the pipeline: it answers NotHandled
// until it recovers and its health report shows the outage.
func (c *Coordinator) Initialize(ctx context.Context) error {
	for _, s := range c.slots {
		if err := s.layer.Initialize(ctx); err != nil {
			logging.Op().Warn("layer initialization failed, starting degraded",
				"layer", s.desc.ID, "error", err)
		}
	}
	return nil
}

// Layers returns the descriptors of the pipeline in walk order.
func (c *Coordinator) Layers() []LayerDescriptor {
	out := make([]LayerDescriptor, len(c.slots))
	for i, s := range c.slots {
		out[i] = s.desc
	}
	return out
}

// Get walks the layers in ascending priority order and stops at the first
// hit. See GetWithOperation for the bookkeeping variant.
func (c *Coordinator) Get(ctx context.Context, key string) (*Entry, bool, error) {
	entry, _, found, err := c.GetWithOperation(ctx, key)
	return entry, found, err
}

// GetWithOperation is Get plus the per-call operation, so callers can
// inspect which layers hit and missed. On a hit the entry is promoted into
// every faster layer that answered a genuine miss, keeping its absolute
// expiration. A cancelled context stops the walk and reports not-found
// rather than an error: the caller falls back to its source of truth.
func (c *Coordinator) GetWithOperation(ctx context.Context, key string) (*Entry, *Operation, bool, error) {
	if c.closed.Load() {
		return nil, nil, false, ErrClosed
	}
	if err := ValidateKey(key); err != nil {
		return nil, nil, false, err
	}

	op := NewOperation(OpGet)
	ctx, span := observability.StartSpan(ctx, "storage.get",
		observability.AttrKey.String(key),
		observability.AttrOperationID.String(op.ID),
	)
	defer span.End()

	var missed []layerSlot
	for _, s := range c.slots {
		if ctx.Err() != nil {
			break
		}
		res := s.layer.Get(ctx, op, key)
		if !res.Handled {
			continue
		}
		if !res.Found {
			op.MarkMiss(s.desc.ID)
			missed = append(missed, s)
			metrics.RecordLayerLookup(s.desc.ID, "miss")
			continue
		}

		op.MarkHit(s.desc.ID)
		metrics.RecordLayerLookup(s.desc.ID, "hit")
		c.promote(ctx, op, res.Entry, missed)

		span.SetAttributes(observability.AttrLayer.String(s.desc.ID), observability.AttrHit.Bool(true))
		observability.SetSpanOK(span)
		metrics.RecordOperation(string(OpGet), "hit", op.Elapsed())
		return res.Entry, op, true, nil
	}

	span.SetAttributes(observability.AttrHit.Bool(false))
	metrics.RecordOperation(string(OpGet), "miss", op.Elapsed())
	return nil, op, false, nil
}

// promote copies a hit into every faster layer that answered a genuine
// miss. The entry keeps its absolute expiration, so the TTL remainder is
// preserved rather than renewed. Promotion failures never fail the read.
func (c *Coordinator) promote(ctx context.Context, op *Operation, entry *Entry, missed []layerSlot) {
	for _, s := range missed {
		if err := s.layer.Set(ctx, op, entry.Clone()); err != nil {
			logging.Op().Warn("promotion failed", "key", entry.Key, "layer", s.desc.ID, "error", err)
			continue
		}
		metrics.RecordPromotion(s.desc.ID)
	}

	// An entry promoted from a shared tier refreshes the local tag
	// memberships, so a later tag invalidation covers the promoted copy.
	if c.tagIndex != nil {
		if err := c.tagIndex.Set(ctx, op, entry.Clone()); err != nil {
			logging.Op().Debug("tag index refresh on promotion failed", "key", entry.Key, "error", err)
		}
	}
}

// fanOut invokes fn for every slot concurrently and waits for all of them;
// one layer's failure never cancels the others. The result is nil when
// every layer succeeded, otherwise a PartialError naming both sides.
func fanOut(op OpKind, slots []layerSlot, fn func(layerSlot) error) error {
	errs := make([]error, len(slots))
	var wg sync.WaitGroup
	for i, s := range slots {
		wg.Add(1)
		go func(i int, s layerSlot) {
			defer wg.Done()
			errs[i] = fn(s)
		}(i, s)
	}
	wg.Wait()

	var ok []string
	var failed []LayerFailure
	for i, s := range slots {
		if errs[i] != nil {
			failed = append(failed, LayerFailure{LayerID: s.desc.ID, Err: errs[i]})
			continue
		}
		ok = append(ok, s.desc.ID)
	}
	if len(failed) == 0 {
		return nil
	}
	return &PartialError{Op: string(op), Succeeded: ok, Failures: failed}
}

// Set writes the entry to every enabled layer concurrently. A failing
// layer does not stop the others; the returned PartialError lists which
// layers converged and which did not. Completed layer writes are kept even
// when the context is cancelled mid-flight.
func (c *Coordinator) Set(ctx context.Context, key string, value []byte, typeHint string, ttl time.Duration, tags []string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	for _, tag := range tags {
		if err := ValidateTag(tag); err != nil {
			return err
		}
	}

	op := NewOperation(OpSet)
	op.Tags = append([]string(nil), tags...)
	entry := NewEntry(key, value, typeHint, ttl, tags)

	ctx, span := observability.StartSpan(ctx, "storage.set",
		observability.AttrKey.String(key),
		observability.AttrOperationID.String(op.ID),
	)
	defer span.End()

	err := fanOut(OpSet, c.slots, func(s layerSlot) error {
		return s.layer.Set(ctx, op, entry.Clone())
	})
	return c.finish(span, OpSet, op, err)
}

// SetWithPolicy derives the entry lifetime and tag set from a resolved
// runtime policy. The engine consumes only those two fields; the rest of
// the policy steers collaborators above it.
func (c *Coordinator) SetWithPolicy(ctx context.Context, key string, value []byte, typeHint string, p policy.RuntimePolicy) error {
	return c.Set(ctx, key, value, typeHint, p.Duration, p.Tags)
}

// Remove deletes the key from every enabled layer concurrently. Removing
// an absent key succeeds; remove is idempotent end to end.
func (c *Coordinator) Remove(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	op := NewOperation(OpRemove)
	ctx, span := observability.StartSpan(ctx, "storage.remove",
		observability.AttrKey.String(key),
		observability.AttrOperationID.String(op.ID),
	)
	defer span.End()

	err := fanOut(OpRemove, c.slots, func(s layerSlot) error {
		return s.layer.Remove(ctx, op, key)
	})
	return c.finish(span, OpRemove, op, err)
}

// RemoveByTag invalidates every key carrying the tag in three phases: the
// member keys are snapshotted from the tag index, the removal fans out to
// the other layers concurrently, and the index entries are cleared last.
// No lock is held across the cross-layer I/O, so keys tagged while the
// fan-out runs may survive it; the snapshot semantics are best-effort by
// contract.
func (c *Coordinator) RemoveByTag(ctx context.Context, tag string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ValidateTag(tag); err != nil {
		return err
	}

	op := NewOperation(OpRemoveByTag)
	ctx, span := observability.StartSpan(ctx, "storage.remove_by_tag",
		observability.AttrTag.String(tag),
		observability.AttrOperationID.String(op.ID),
	)
	defer span.End()

	if c.tagIndex != nil {
		op.SetTagMembers(c.tagIndex.Members(tag))
	}

	others := make([]layerSlot, 0, len(c.slots))
	for _, s := range c.slots {
		if c.tagIndex != nil && s.layer == Layer(c.tagIndex) {
			continue
		}
		others = append(others, s)
	}

	err := fanOut(OpRemoveByTag, others, func(s layerSlot) error {
		return s.layer.RemoveByTag(ctx, op, tag)
	})

	if c.tagIndex != nil {
		if clearErr := c.tagIndex.RemoveByTag(ctx, op, tag); clearErr != nil && err == nil {
			err = clearErr
		}
	}
	return c.finish(span, OpRemoveByTag, op, err)
}

// finish closes out a fan-out operation's span and metrics.
func (c *Coordinator) finish(span trace.Span, kind OpKind, op *Operation, err error) error {
	if err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordOperation(string(kind), "partial_failure", op.Elapsed())
		return err
	}
	observability.SetSpanOK(span)
	metrics.RecordOperation(string(kind), "ok", op.Elapsed())
	return nil
}

// Exists walks the layers in priority order and reports presence at the
// first layer that has the key; the union over tiers answers "might a Get
// succeed". Layer errors are logged and skipped, so a degraded tier hides
// keys it cannot see rather than failing the call.
func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	op := NewOperation(OpExists)
	for _, s := range c.slots {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.layer.Exists(ctx, op, key)
		if err != nil {
			logging.Op().Debug("exists probe failed", "layer", s.desc.ID, "key", key, "error", err)
			continue
		}
		if ok {
			metrics.RecordOperation(string(OpExists), "present", op.Elapsed())
			return true, nil
		}
	}
	metrics.RecordOperation(string(OpExists), "absent", op.Elapsed())
	return false, nil
}

// Health queries every layer concurrently and aggregates the worst status.
func (c *Coordinator) Health(ctx context.Context) EngineHealth {
	reports := make([]HealthReport, len(c.slots))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range c.slots {
		g.Go(func() error {
			reports[i] = s.layer.Health(gctx)
			return nil
		})
	}
	_ = g.Wait()

	if c.queue != nil {
		reports = append(reports, c.queue.Health(ctx))
	}
	return EngineHealth{Overall: worstOf(reports), Layers: reports}
}

// Stats returns per-layer snapshots plus engine totals. The hit ratio
// counts handled lookups only.
func (c *Coordinator) Stats() EngineStats {
	var out EngineStats
	for _, s := range c.slots {
		ls := s.layer.Stats()
		out.Hits += ls.Hits
		out.Misses += ls.Misses
		out.Operations += ls.OperationCount
		out.Layers = append(out.Layers, ls)
	}
	if c.queue != nil {
		out.Layers = append(out.Layers, c.queue.Stats())
	}
	out.HitRatio = hitRatio(out.Hits, out.Misses)
	return out
}

// Close stops the engine. New operations fail with ErrClosed, the write
// queue drains within its timeout, then layers are disposed in reverse
// priority order so the fast tiers go down last. Safe to call twice.
func (c *Coordinator) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	var firstErr error
	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			logging.Op().Warn("write queue close", "error", err)
			firstErr = err
		}
	}
	for i := len(c.slots) - 1; i >= 0; i-- {
		s := c.slots[i]
		if err := s.layer.Dispose(); err != nil {
			logging.Op().Warn("layer dispose failed", "layer", s.desc.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
