package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// tagStripes must be a power of two; xxhash picks the stripe.
const tagStripes = 64

// TagIndexLayer maintains the key-to-tag relationship behind tag removal: a
// forward map (key to tags) striped by key and a reverse map (tag to keys)
// striped by tag. Mutations serialize per stripe, so invalidating one tag
// does not block unrelated writes.
//
// Single-key updates keep the two maps consistent: a key appears in
// reverse[t] exactly when its forward set contains t. RemoveByTag works on
// a snapshot taken before the value layers are touched, so keys tagged
// while a removal is in flight may survive it.
type TagIndexLayer struct {
	layerCounters

	forward [tagStripes]*forwardStripe
	reverse [tagStripes]*reverseStripe
	closed  atomic.Bool
}

type forwardStripe struct {
	mu   sync.RWMutex
	keys map[string]map[string]struct{}
}

type reverseStripe struct {
	mu   sync.RWMutex
	tags map[string]map[string]struct{}
}

// NewTagIndexLayer creates an empty index.
func NewTagIndexLayer() *TagIndexLayer {
	t := &TagIndexLayer{}
	for i := range t.forward {
		t.forward[i] = &forwardStripe{keys: make(map[string]map[string]struct{})}
		t.reverse[i] = &reverseStripe{tags: make(map[string]map[string]struct{})}
	}
	return t
}

func stripeFor(s string) uint64 {
	return xxhash.Sum64String(s) & (tagStripes - 1)
}

func (t *TagIndexLayer) ID() string {
	return LayerTagIndex
}

func (t *TagIndexLayer) Initialize(ctx context.Context) error {
	return nil
}

// Get never answers: the index stores relationships, not values.
func (t *TagIndexLayer) Get(ctx context.Context, op *Operation, key string) GetResult {
	return NotHandled()
}

// Set replaces the key's tag memberships wholesale: memberships absent from
// the entry's tag set are dropped, new ones added. The forward stripe lock
// is held across the reverse updates so concurrent Sets of the same key
// cannot interleave their reverse deltas. An entry without tags clears the
// key from the index.
func (t *TagIndexLayer) Set(ctx context.Context, op *Operation, entry *Entry) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.recordOp()

	fs := t.forward[stripeFor(entry.Key)]
	fs.mu.Lock()
	defer fs.mu.Unlock()

	old := fs.keys[entry.Key]
	next := make(map[string]struct{}, len(entry.Tags))
	for _, tag := range entry.Tags {
		next[tag] = struct{}{}
	}

	for tag := range old {
		if _, keep := next[tag]; !keep {
			t.reverseRemove(tag, entry.Key)
		}
	}
	for tag := range next {
		if _, had := old[tag]; !had {
			t.reverseAdd(tag, entry.Key)
		}
	}

	if len(next) == 0 {
		delete(fs.keys, entry.Key)
	} else {
		fs.keys[entry.Key] = next
	}
	return nil
}

// Lock order is always forward stripe then reverse stripe; nothing takes
// them the other way around.
func (t *TagIndexLayer) reverseAdd(tag, key string) {
	rs := t.reverse[stripeFor(tag)]
	rs.mu.Lock()
	set := rs.tags[tag]
	if set == nil {
		set = make(map[string]struct{})
		rs.tags[tag] = set
	}
	set[key] = struct{}{}
	rs.mu.Unlock()
}

func (t *TagIndexLayer) reverseRemove(tag, key string) {
	rs := t.reverse[stripeFor(tag)]
	rs.mu.Lock()
	if set, ok := rs.tags[tag]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(rs.tags, tag)
		}
	}
	rs.mu.Unlock()
}

// Remove drops the key from the index entirely.
func (t *TagIndexLayer) Remove(ctx context.Context, op *Operation, key string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.recordOp()

	fs := t.forward[stripeFor(key)]
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for tag := range fs.keys[key] {
		t.reverseRemove(tag, key)
	}
	delete(fs.keys, key)
	return nil
}

// RemoveByTag clears the index entries for the tag. The coordinator calls
// this after the member keys were removed from the value layers; it is the
// closing phase of the snapshot, fan-out, clear protocol.
func (t *TagIndexLayer) RemoveByTag(ctx context.Context, op *Operation, tag string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.recordOp()

	rs := t.reverse[stripeFor(tag)]
	rs.mu.Lock()
	members := rs.tags[tag]
	delete(rs.tags, tag)
	rs.mu.Unlock()

	for key := range members {
		fs := t.forward[stripeFor(key)]
		fs.mu.Lock()
		if tags, ok := fs.keys[key]; ok {
			delete(tags, tag)
			if len(tags) == 0 {
				delete(fs.keys, key)
			}
		}
		fs.mu.Unlock()
	}
	return nil
}

// Exists always answers false: keys in the index are not cached values.
func (t *TagIndexLayer) Exists(ctx context.Context, op *Operation, key string) (bool, error) {
	return false, nil
}

// Members returns a sorted point-in-time snapshot of the keys carrying the
// tag. Reverse entries whose forward half is gone are filtered out and
// pruned while we are here.
func (t *TagIndexLayer) Members(tag string) []string {
	rs := t.reverse[stripeFor(tag)]
	rs.mu.RLock()
	snapshot := make([]string, 0, len(rs.tags[tag]))
	for key := range rs.tags[tag] {
		snapshot = append(snapshot, key)
	}
	rs.mu.RUnlock()

	members := make([]string, 0, len(snapshot))
	var orphans []string
	for _, key := range snapshot {
		fs := t.forward[stripeFor(key)]
		fs.mu.RLock()
		_, live := fs.keys[key][tag]
		fs.mu.RUnlock()
		if live {
			members = append(members, key)
		} else {
			orphans = append(orphans, key)
		}
	}

	if len(orphans) > 0 {
		rs.mu.Lock()
		if set, ok := rs.tags[tag]; ok {
			for _, key := range orphans {
				delete(set, key)
			}
			if len(set) == 0 {
				delete(rs.tags, tag)
			}
		}
		rs.mu.Unlock()
	}

	sort.Strings(members)
	return members
}

func (t *TagIndexLayer) Health(ctx context.Context) HealthReport {
	if t.closed.Load() {
		return HealthReport{LayerID: t.ID(), Status: StatusUnavailable, Message: "disposed"}
	}
	return HealthReport{LayerID: t.ID(), Status: StatusHealthy}
}

func (t *TagIndexLayer) Stats() LayerStats {
	s := t.snapshot(t.ID())
	keys, tags := t.sizes()
	s.Extra = map[string]int64{"keys": int64(keys), "tags": int64(tags)}
	return s
}

func (t *TagIndexLayer) sizes() (keys, tags int) {
	for i := range t.forward {
		t.forward[i].mu.RLock()
		keys += len(t.forward[i].keys)
		t.forward[i].mu.RUnlock()
	}
	for i := range t.reverse {
		t.reverse[i].mu.RLock()
		tags += len(t.reverse[i].tags)
		t.reverse[i].mu.RUnlock()
	}
	return keys, tags
}

func (t *TagIndexLayer) Dispose() error {
	if t.closed.Swap(true) {
		return nil
	}
	for i := range t.forward {
		t.forward[i].mu.Lock()
		t.forward[i].keys = make(map[string]map[string]struct{})
		t.forward[i].mu.Unlock()

		t.reverse[i].mu.Lock()
		t.reverse[i].tags = make(map[string]map[string]struct{})
		t.reverse[i].mu.Unlock()
	}
	return nil
}
