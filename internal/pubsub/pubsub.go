// Package pubsub is the cross-process channel the cache backplane publishes
// and receives invalidations on, with a Redis adapter for multi-instance
// deployments and an in-process bus for tests and single nodes.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("pubsub: bus closed")

// Bus is the publish/subscribe contract. Delivery is at-least-once and
// unordered; consumers must tolerate duplicates and payloads for state they
// no longer hold.
type Bus interface {
	// Publish sends a payload to every current subscriber of the topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of payloads for the topic. The channel
	// closes when ctx is cancelled or the bus closes.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	// Close releases the bus and closes all subscription channels.
	Close() error
}
