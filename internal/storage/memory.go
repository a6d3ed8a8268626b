package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryConfig configures the in-process layer.
type MemoryConfig struct {
	// MaxEntries bounds the number of stored entries; 0 means unbounded.
	// At capacity a Set evicts an expired entry when one is found,
	// otherwise the entry closest to expiry. L1 never rejects writes.
	MaxEntries int
}

// MemoryLayer is the always-on L1: a process-local map with lazy
// expiration. Entries past their expiration read as misses and are evicted
// on the read path; there is no background sweeper.
type MemoryLayer struct {
	layerCounters

	mu      sync.RWMutex
	entries map[string]*Entry
	max     int
	closed  bool
}

// NewMemoryLayer creates the in-process layer.
func NewMemoryLayer(cfg MemoryConfig) *MemoryLayer {
	return &MemoryLayer{
		entries: make(map[string]*Entry),
		max:     cfg.MaxEntries,
	}
}

func (m *MemoryLayer) ID() string {
	return LayerMemory
}

func (m *MemoryLayer) Initialize(ctx context.Context) error {
	return nil
}

func (m *MemoryLayer) Get(ctx context.Context, op *Operation, key string) GetResult {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return NotHandled()
	}
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		m.recordMiss()
		return Miss()
	}
	if e.Expired() {
		m.evictExpired(key)
		m.recordMiss()
		return Miss()
	}
	m.recordHit()
	return Hit(e.Clone())
}

// evictExpired removes the key only if it is still expired, so a concurrent
// Set that replaced the entry is not lost.
func (m *MemoryLayer) evictExpired(key string) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok && e.Expired() {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

func (m *MemoryLayer) Set(ctx context.Context, op *Operation, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.entries[entry.Key]; !exists && m.max > 0 && len(m.entries) >= m.max {
		m.evictOneLocked()
	}
	m.entries[entry.Key] = entry.Clone()
	m.recordOp()
	return nil
}

// evictOneLocked frees one slot: the first expired entry found, otherwise
// the live entry with the nearest expiration, otherwise an arbitrary one.
func (m *MemoryLayer) evictOneLocked() {
	var victim string
	var victimExp time.Time
	for k, e := range m.entries {
		if e.Expired() {
			delete(m.entries, k)
			return
		}
		if victim == "" {
			victim, victimExp = k, e.ExpiresAt
			continue
		}
		if !e.ExpiresAt.IsZero() && (victimExp.IsZero() || e.ExpiresAt.Before(victimExp)) {
			victim, victimExp = k, e.ExpiresAt
		}
	}
	if victim != "" {
		delete(m.entries, victim)
	}
}

func (m *MemoryLayer) Remove(ctx context.Context, op *Operation, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	m.recordOp()
	return nil
}

func (m *MemoryLayer) RemoveByTag(ctx context.Context, op *Operation, tag string) error {
	keys := op.TagMembers()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.recordOp()
	return nil
}

func (m *MemoryLayer) Exists(ctx context.Context, op *Operation, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.entries[key]
	return ok && !e.Expired(), nil
}

// Invalidate drops a key without operation bookkeeping. The backplane uses
// it to apply remote invalidations to the local tier.
func (m *MemoryLayer) Invalidate(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (m *MemoryLayer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryLayer) Health(ctx context.Context) HealthReport {
	m.mu.RLock()
	closed := m.closed
	size := len(m.entries)
	m.mu.RUnlock()

	if closed {
		return HealthReport{LayerID: m.ID(), Status: StatusUnavailable, Message: "disposed"}
	}
	return HealthReport{
		LayerID: m.ID(),
		Status:  StatusHealthy,
		Detail:  map[string]string{"entries": strconv.Itoa(size)},
	}
}

func (m *MemoryLayer) Stats() LayerStats {
	s := m.snapshot(m.ID())
	s.Extra = map[string]int64{"entries": int64(m.Len())}
	return s
}

func (m *MemoryLayer) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.entries = make(map[string]*Entry)
	return nil
}
