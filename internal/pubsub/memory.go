package pubsub

import (
	"context"
	"sync"
)

// Memory is an in-process Bus for tests and single-node deployments. Slow
// subscribers drop messages rather than block publishers, matching the
// best-effort delivery of the Redis bus.
type Memory struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan []byte)}
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.removeSub(topic, ch)
	}()

	return ch, nil
}

func (m *Memory) removeSub(topic string, target chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	subs := m.subs[topic]
	for i, ch := range subs {
		if ch == target {
			m.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.subs = nil
	return nil
}
