package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/eoniclabs/methodcache/internal/logging"
	"github.com/eoniclabs/methodcache/internal/metrics"
	"github.com/eoniclabs/methodcache/internal/pubsub"
)

// DefaultBackplaneTopic is the pub/sub channel invalidations travel on.
const DefaultBackplaneTopic = "methodcache:invalidate"

const (
	invalidateKey = "key"
	invalidateTag = "tag"
)

// invalidationMessage is the wire format peers exchange. Origin carries the
// publishing instance ID so a node can skip its own messages.
type invalidationMessage struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Origin string `json:"origin"`
}

// BackplaneConfig configures the invalidation bridge.
type BackplaneConfig struct {
	// Topic overrides DefaultBackplaneTopic.
	Topic string
	// Origin identifies this instance on the channel; generated when empty.
	Origin string
}

// InvalidateFunc drops one key from the local fast tier.
type InvalidateFunc func(key string)

// TagMembersFunc resolves the local member keys of a tag.
type TagMembersFunc func(tag string) []string

// BackplaneLayer bridges the pipeline to the cross-process invalidation
// channel. It never serves reads; writes publish so peer instances
// converge, and the receive loop applies remote invalidations to the local
// memory tier only. The shared tiers need no treatment: the originating
// instance already updated them.
//
// Delivery is at-least-once and unordered. Invalidating an absent key is a
// no-op, which makes duplicates and stale messages harmless. A failed
// publish never fails the local write; the affected peers converge when
// their entries expire.
type BackplaneLayer struct {
	layerCounters

	bus        pubsub.Bus
	topic      string
	origin     string
	invalidate InvalidateFunc
	members    TagMembersFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	subscribed atomic.Bool
	pubFailing atomic.Bool
	published  atomic.Uint64
	received   atomic.Uint64
	applied    atomic.Uint64
	skipped    atomic.Uint64
	pubErrors  atomic.Uint64
}

// NewBackplaneLayer creates the bridge. invalidate and members wire it to
// the local memory layer and tag index.
func NewBackplaneLayer(bus pubsub.Bus, cfg BackplaneConfig, invalidate InvalidateFunc, members TagMembersFunc) *BackplaneLayer {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultBackplaneTopic
	}
	origin := cfg.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	return &BackplaneLayer{
		bus:        bus,
		topic:      topic,
		origin:     origin,
		invalidate: invalidate,
		members:    members,
	}
}

func (b *BackplaneLayer) ID() string {
	return LayerBackplane
}

// Origin returns this instance's identifier on the invalidation channel.
func (b *BackplaneLayer) Origin() string {
	return b.origin
}

// Initialize subscribes to the invalidation topic and starts the receive
// loop. The subscription outlives the init context.
func (b *BackplaneLayer) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := b.bus.Subscribe(subCtx, b.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe backplane topic %s: %w", b.topic, err)
	}

	b.cancel = cancel
	b.done = make(chan struct{})
	b.subscribed.Store(true)
	go b.receive(subCtx, ch)
	return nil
}

func (b *BackplaneLayer) receive(ctx context.Context, ch <-chan []byte) {
	defer close(b.done)
	defer b.subscribed.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			b.handle(payload)
		}
	}
}

// handle applies one remote invalidation. Duplicates and messages for
// absent keys fall through as no-ops.
func (b *BackplaneLayer) handle(payload []byte) {
	b.received.Add(1)

	var msg invalidationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logging.Op().Warn("backplane message undecodable", "error", err)
		return
	}
	if msg.Origin == b.origin {
		b.skipped.Add(1)
		return
	}

	switch msg.Kind {
	case invalidateKey:
		b.invalidate(msg.Value)
		b.applied.Add(1)
		metrics.RecordBackplaneMessage("received", invalidateKey)
		logging.Op().Debug("applied remote key invalidation", "key", msg.Value, "origin", msg.Origin)
	case invalidateTag:
		keys := b.members(msg.Value)
		for _, key := range keys {
			b.invalidate(key)
		}
		b.applied.Add(1)
		metrics.RecordBackplaneMessage("received", invalidateTag)
		logging.Op().Debug("applied remote tag invalidation", "tag", msg.Value, "keys", len(keys), "origin", msg.Origin)
	default:
		logging.Op().Warn("backplane message with unknown kind", "kind", msg.Kind)
	}
}

func (b *BackplaneLayer) publish(ctx context.Context, kind, value string) {
	payload, err := json.Marshal(invalidationMessage{Kind: kind, Value: value, Origin: b.origin})
	if err != nil {
		logging.Op().Error("backplane message encode failed", "kind", kind, "error", err)
		return
	}
	if err := b.bus.Publish(ctx, b.topic, payload); err != nil {
		b.pubErrors.Add(1)
		b.pubFailing.Store(true)
		logging.Op().Warn("backplane publish failed, peers converge on TTL",
			"kind", kind, "value", value, "error", err)
		return
	}
	b.pubFailing.Store(false)
	b.published.Add(1)
	metrics.RecordBackplaneMessage("published", kind)
}

// Get never answers; the backplane stores nothing.
func (b *BackplaneLayer) Get(ctx context.Context, op *Operation, key string) GetResult {
	return NotHandled()
}

// Set publishes a key invalidation so peers drop a stale copy of an
// overwritten key. Publishing for a fresh key is harmless: peers without
// the key treat the message as a no-op.
func (b *BackplaneLayer) Set(ctx context.Context, op *Operation, entry *Entry) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.recordOp()
	b.publish(ctx, invalidateKey, entry.Key)
	return nil
}

func (b *BackplaneLayer) Remove(ctx context.Context, op *Operation, key string) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.recordOp()
	b.publish(ctx, invalidateKey, key)
	return nil
}

func (b *BackplaneLayer) RemoveByTag(ctx context.Context, op *Operation, tag string) error {
	if b.isClosed() {
		return ErrClosed
	}
	b.recordOp()
	b.publish(ctx, invalidateTag, tag)
	return nil
}

// Exists always answers false; the backplane holds no values.
func (b *BackplaneLayer) Exists(ctx context.Context, op *Operation, key string) (bool, error) {
	return false, nil
}

func (b *BackplaneLayer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *BackplaneLayer) Health(ctx context.Context) HealthReport {
	if b.isClosed() {
		return HealthReport{LayerID: b.ID(), Status: StatusUnavailable, Message: "disposed"}
	}
	if !b.subscribed.Load() {
		return HealthReport{LayerID: b.ID(), Status: StatusUnavailable, Message: "not subscribed"}
	}
	if b.pubFailing.Load() {
		return HealthReport{LayerID: b.ID(), Status: StatusDegraded, Message: "publish failing"}
	}
	return HealthReport{LayerID: b.ID(), Status: StatusHealthy}
}

func (b *BackplaneLayer) Stats() LayerStats {
	s := b.snapshot(b.ID())
	s.Extra = map[string]int64{
		"published":        int64(b.published.Load()),
		"received":         int64(b.received.Load()),
		"applied":          int64(b.applied.Load()),
		"skipped":          int64(b.skipped.Load()),
		"publish_failures": int64(b.pubErrors.Load()),
	}
	return s
}

func (b *BackplaneLayer) Dispose() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return b.bus.Close()
}
