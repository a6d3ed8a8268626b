package storage

import "sync/atomic"

// LayerStats is a point-in-time snapshot of one layer's counters. Extra
// carries layer-specific gauges (entry counts, queue depth) that have no
// cross-layer meaning.
type LayerStats struct {
	LayerID        string           `json:"layer_id"`
	Hits           uint64           `json:"hits"`
	Misses         uint64           `json:"misses"`
	HitRatio       float64          `json:"hit_ratio"`
	OperationCount uint64           `json:"operation_count"`
	Extra          map[string]int64 `json:"extra,omitempty"`
}

// EngineStats aggregates per-layer snapshots plus pipeline totals.
type EngineStats struct {
	Hits       uint64       `json:"hits"`
	Misses     uint64       `json:"misses"`
	HitRatio   float64      `json:"hit_ratio"`
	Operations uint64       `json:"operations"`
	Layers     []LayerStats `json:"layers"`
}

// layerCounters is embedded by layers that take part in hit/miss
// accounting. Lookups a layer answered NotHandled touch none of these, so
// an outage never reads as a cold cache.
type layerCounters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	ops    atomic.Uint64
}

func (c *layerCounters) recordHit() {
	c.hits.Add(1)
	c.ops.Add(1)
}

func (c *layerCounters) recordMiss() {
	c.misses.Add(1)
	c.ops.Add(1)
}

func (c *layerCounters) recordOp() {
	c.ops.Add(1)
}

func (c *layerCounters) snapshot(layerID string) LayerStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	return LayerStats{
		LayerID:        layerID,
		Hits:           hits,
		Misses:         misses,
		HitRatio:       hitRatio(hits, misses),
		OperationCount: c.ops.Load(),
	}
}

func hitRatio(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
