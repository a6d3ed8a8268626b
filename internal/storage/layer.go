package storage

import "context"

// Built-in layer IDs.
const (
	LayerMemory      = "memory"
	LayerDistributed = "distributed"
	LayerPersistent  = "persistent"
	LayerTagIndex    = "tag_index"
	LayerBackplane   = "backplane"
	LayerWriteQueue  = "write_queue"
)

// GetResult is the tri-state outcome of a single layer lookup.
//
// Handled distinguishes a genuine miss from a layer that could not answer:
// a disabled or unavailable layer reports Handled false and stays out of
// the hit/miss accounting, so an outage does not read as a cold cache.
type GetResult struct {
	Found           bool
	Entry           *Entry
	StopPropagation bool
	Handled         bool
}

// Hit reports a found entry; the pipeline walk stops here.
func Hit(e *Entry) GetResult {
	return GetResult{Found: true, Entry: e, StopPropagation: true, Handled: true}
}

// Miss reports a genuine miss; the walk continues and the miss is counted.
func Miss() GetResult {
	return GetResult{Handled: true}
}

// NotHandled reports that the layer could not answer. The walk continues
// and the lookup is excluded from hit/miss statistics.
func NotHandled() GetResult {
	return GetResult{}
}

// LayerDescriptor fixes a layer's identity and position in the pipeline.
// Descriptors are composed once at construction and never change; lower
// priority is consulted earlier on reads.
type LayerDescriptor struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// Layer is the contract every storage tier implements. Layers never
// reference each other; the Coordinator owns promotion, fan-out, and the
// tag removal protocol. All methods must be safe for concurrent use.
type Layer interface {
	// ID returns the stable identifier used in stats and health output.
	ID() string
	// Initialize prepares the layer (connects, subscribes). Called once
	// before the first operation.
	Initialize(ctx context.Context) error
	// Get looks the key up in this layer only. Failures are reported as
	// NotHandled, not as errors; the layer logs its own trouble.
	Get(ctx context.Context, op *Operation, key string) GetResult
	// Set stores the entry. The layer owns the entry it receives.
	Set(ctx context.Context, op *Operation, entry *Entry) error
	// Remove deletes the key. Removing an absent key is a no-op.
	Remove(ctx context.Context, op *Operation, key string) error
	// RemoveByTag removes every key belonging to the tag. Layers without
	// their own tag knowledge use the member keys carried on op.
	RemoveByTag(ctx context.Context, op *Operation, tag string) error
	// Exists reports presence without touching hit/miss statistics.
	Exists(ctx context.Context, op *Operation, key string) (bool, error)
	// Health reports current availability; called on demand.
	Health(ctx context.Context) HealthReport
	// Stats returns a point-in-time snapshot of the layer's counters.
	Stats() LayerStats
	// Dispose releases resources. Called once when the engine closes.
	Dispose() error
}
