package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OpKind names the engine operation an Operation belongs to.
type OpKind string

const (
	OpGet         OpKind = "get"
	OpSet         OpKind = "set"
	OpRemove      OpKind = "remove"
	OpRemoveByTag OpKind = "remove_by_tag"
	OpExists      OpKind = "exists"
)

// Operation is the per-call context threaded through the pipeline: which
// layers hit or missed, the tag set a write carries, and the member keys
// resolved for a tag removal. It lives for exactly one engine call and is
// never persisted.
type Operation struct {
	ID        string
	Kind      OpKind
	StartedAt time.Time
	Tags      []string

	mu         sync.Mutex
	hit        map[string]struct{}
	missed     map[string]struct{}
	tagMembers []string
}

// NewOperation creates an operation with a fresh ID.
func NewOperation(kind OpKind) *Operation {
	return &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now(),
		hit:       make(map[string]struct{}),
		missed:    make(map[string]struct{}),
	}
}

// MarkHit records that the layer answered this operation with a hit.
func (o *Operation) MarkHit(layerID string) {
	o.mu.Lock()
	o.hit[layerID] = struct{}{}
	o.mu.Unlock()
}

// MarkMiss records a genuine miss from the layer.
func (o *Operation) MarkMiss(layerID string) {
	o.mu.Lock()
	o.missed[layerID] = struct{}{}
	o.mu.Unlock()
}

// LayersHit returns the hitting layer IDs, sorted for stable output.
func (o *Operation) LayersHit() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedKeys(o.hit)
}

// LayersMissed returns the missing layer IDs, sorted for stable output.
func (o *Operation) LayersMissed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedKeys(o.missed)
}

// SetTagMembers records the member keys snapshotted from the tag index in
// the first phase of a tag removal.
func (o *Operation) SetTagMembers(keys []string) {
	o.mu.Lock()
	o.tagMembers = append([]string(nil), keys...)
	o.mu.Unlock()
}

// TagMembers returns the snapshotted member keys for the fan-out phase.
func (o *Operation) TagMembers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.tagMembers...)
}

// Elapsed returns the time since the operation started.
func (o *Operation) Elapsed() time.Duration {
	return time.Since(o.StartedAt)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
