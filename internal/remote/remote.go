// Package remote defines the narrow key-value contract the distributed
// cache layer consumes, with a Redis adapter and an in-process store.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("remote: key not found")

// Store is the remote key-value contract: opaque payloads, per-key TTLs,
// and a liveness probe. No transactions or pattern matching are assumed, so
// any shared key-value service can back it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
