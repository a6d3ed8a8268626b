// Package durable defines the durable-store contract behind the persistent
// cache layer, with a Postgres adapter and an in-process store.
package durable

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no live row exists for the key.
var ErrNotFound = errors.New("durable: row not found")

// Row is one persisted cache entry. A nil ExpiresAt means the row never
// expires. Tags are stored next to the value so bulk invalidation can reach
// rows written by earlier process lifetimes.
type Row struct {
	Key       string
	Value     []byte
	TypeHint  string
	ExpiresAt *time.Time
	Tags      []string
}

// Store is the durable contract consumed by the persistent layer. Expired
// rows are invisible to Get and Exists; DeleteExpired reclaims them.
type Store interface {
	Get(ctx context.Context, key string) (*Row, error)
	Set(ctx context.Context, row *Row) error
	Delete(ctx context.Context, key string) error
	DeleteByTag(ctx context.Context, tag string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
