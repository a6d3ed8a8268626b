package durable

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node deployments.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]*Row
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*Row)}
}

func cloneRow(r *Row) *Row {
	c := &Row{
		Key:      r.Key,
		Value:    append([]byte(nil), r.Value...),
		TypeHint: r.TypeHint,
	}
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

func rowExpired(r *Row, now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

func (m *Memory) Get(ctx context.Context, key string) (*Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[key]
	if !ok || rowExpired(r, time.Now()) {
		return nil, ErrNotFound
	}
	return cloneRow(r), nil
}

func (m *Memory) Set(ctx context.Context, row *Row) error {
	m.mu.Lock()
	m.rows[row.Key] = cloneRow(row)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.rows, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteByTag(ctx context.Context, tag string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, r := range m.rows {
		for _, t := range r.Tags {
			if t == tag {
				delete(m.rows, key)
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[key]
	return ok && !rowExpired(r, time.Now()), nil
}

func (m *Memory) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int64
	for key, r := range m.rows {
		if rowExpired(r, now) {
			delete(m.rows, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.rows = make(map[string]*Row)
	m.mu.Unlock()
	return nil
}
