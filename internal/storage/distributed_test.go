package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eoniclabs/methodcache/internal/breaker"
	"github.com/eoniclabs/methodcache/internal/remote"
)

// failingStore answers every call with the same error.
type failingStore struct {
	err   error
	calls atomic.Int32
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls.Add(1)
	return nil, f.err
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.calls.Add(1)
	return f.err
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	f.calls.Add(1)
	return f.err
}

func (f *failingStore) Exists(ctx context.Context, key string) (bool, error) {
	f.calls.Add(1)
	return false, f.err
}

func (f *failingStore) Ping(ctx context.Context) error {
	return f.err
}

func (f *failingStore) Close() error {
	return nil
}

func TestDistributedLayer_MissThenHit(t *testing.T) {
	store := remote.NewMemory()
	d := NewDistributedLayer(store, nil, nil, DistributedConfig{})
	defer d.Dispose()
	ctx := context.Background()

	res := d.Get(ctx, NewOperation(OpGet), "k")
	if !res.Handled || res.Found {
		t.Fatalf("expected genuine miss, got %+v", res)
	}

	entry := NewEntry("k", []byte("v"), "text/plain", time.Minute, []string{"users"})
	if err := d.Set(ctx, NewOperation(OpSet), entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	res = d.Get(ctx, NewOperation(OpGet), "k")
	if !res.Found {
		t.Fatalf("expected hit, got %+v", res)
	}
	if string(res.Entry.Value) != "v" || res.Entry.TypeHint != "text/plain" {
		t.Fatalf("unexpected entry: %+v", res.Entry)
	}
	// The envelope carries the absolute expiry through the store
	if ttl := res.Entry.TTL(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected TTL remainder within a minute, got %v", ttl)
	}
	if len(res.Entry.Tags) != 1 || res.Entry.Tags[0] != "users" {
		t.Fatalf("expected tags preserved, got %v", res.Entry.Tags)
	}
}

func TestDistributedLayer_StoreFailureAnswersNotHandled(t *testing.T) {
	store := &failingStore{err: errors.New("connection refused")}
	brk := breaker.New(breaker.Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Second,
	})
	d := NewDistributedLayer(store, nil, brk, DistributedConfig{})
	ctx := context.Background()

	res := d.Get(ctx, NewOperation(OpGet), "k")
	if res.Handled {
		t.Fatalf("expected not-handled on store failure, got %+v", res)
	}

	// The failure tripped the breaker; the next read skips the store.
	res = d.Get(ctx, NewOperation(OpGet), "k")
	if res.Handled {
		t.Fatalf("expected not-handled with breaker open, got %+v", res)
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected 1 store call, got %d", got)
	}

	if h := d.Health(ctx); h.Status != StatusUnavailable {
		t.Fatalf("expected unavailable with breaker open, got %v", h.Status)
	}

	// A miss is not a failure and must not feed the breaker
	s := d.Stats()
	if s.Hits != 0 || s.Misses != 0 {
		t.Fatalf("not-handled lookups must stay out of hit/miss stats: %+v", s)
	}
}

func TestDistributedLayer_CorruptPayloadIsMiss(t *testing.T) {
	store := remote.NewMemory()
	d := NewDistributedLayer(store, nil, nil, DistributedConfig{})
	defer d.Dispose()
	ctx := context.Background()

	store.Set(ctx, "k", []byte("not an envelope"), 0)

	res := d.Get(ctx, NewOperation(OpGet), "k")
	if !res.Handled || res.Found {
		t.Fatalf("expected undecodable payload to read as a miss, got %+v", res)
	}
}

func TestDistributedLayer_ExpiredEnvelopeIsMiss(t *testing.T) {
	store := remote.NewMemory()
	d := NewDistributedLayer(store, nil, nil, DistributedConfig{})
	defer d.Dispose()
	ctx := context.Background()

	// The store kept the value but the envelope's expiry already passed
	payload, err := encodeEntry(&Entry{Key: "k", Value: []byte("v"), ExpiresAt: time.Now().Add(-time.Second)})
	if err != nil {
		t.Fatalf("encodeEntry failed: %v", err)
	}
	store.Set(ctx, "k", payload, 0)

	res := d.Get(ctx, NewOperation(OpGet), "k")
	if !res.Handled || res.Found {
		t.Fatalf("expected expired envelope to read as a miss, got %+v", res)
	}
}

func TestDistributedLayer_DeferredWritesApplyInOrder(t *testing.T) {
	store := remote.NewMemory()
	q := NewWriteQueue(WriteQueueConfig{Workers: 1, Capacity: 16})
	d := NewDistributedLayer(store, q, nil, DistributedConfig{DeferWrites: true})
	ctx := context.Background()

	d.Set(ctx, NewOperation(OpSet), NewEntry("k", []byte("v1"), "", time.Minute, nil))
	d.Set(ctx, NewOperation(OpSet), NewEntry("k", []byte("v2"), "", time.Minute, nil))

	// Close drains the queue; the later write must win.
	if err := q.Close(); err != nil {
		t.Fatalf("queue Close failed: %v", err)
	}

	res := d.Get(ctx, NewOperation(OpGet), "k")
	if !res.Found {
		t.Fatalf("expected hit after drain, got %+v", res)
	}
	if string(res.Entry.Value) != "v2" {
		t.Fatalf("expected last write to win, got %q", res.Entry.Value)
	}
}

func TestDistributedLayer_DeferredRemoveFollowsSet(t *testing.T) {
	store := remote.NewMemory()
	q := NewWriteQueue(WriteQueueConfig{Workers: 1, Capacity: 16})
	d := NewDistributedLayer(store, q, nil, DistributedConfig{DeferWrites: true})
	ctx := context.Background()

	d.Set(ctx, NewOperation(OpSet), NewEntry("k", []byte("v"), "", time.Minute, nil))
	d.Remove(ctx, NewOperation(OpRemove), "k")

	if err := q.Close(); err != nil {
		t.Fatalf("queue Close failed: %v", err)
	}

	res := d.Get(ctx, NewOperation(OpGet), "k")
	if res.Found {
		t.Fatal("expected the deferred remove to apply after the set")
	}
}

func TestDistributedLayer_DowngradesWhenQueueClosed(t *testing.T) {
	store := remote.NewMemory()
	q := NewWriteQueue(WriteQueueConfig{Workers: 1, Capacity: 16})
	q.Close()
	d := NewDistributedLayer(store, q, nil, DistributedConfig{DeferWrites: true})
	ctx := context.Background()

	// Enqueue fails with ErrClosed; the write falls back to synchronous.
	if err := d.Set(ctx, NewOperation(OpSet), NewEntry("k", []byte("v"), "", time.Minute, nil)); err != nil {
		t.Fatalf("expected downgraded Set to succeed, got: %v", err)
	}

	res := d.Get(ctx, NewOperation(OpGet), "k")
	if !res.Found {
		t.Fatal("expected the downgraded write to be visible immediately")
	}
}

func TestDistributedLayer_RemoveByTagRemovesMembers(t *testing.T) {
	store := remote.NewMemory()
	d := NewDistributedLayer(store, nil, nil, DistributedConfig{})
	defer d.Dispose()
	ctx := context.Background()

	d.Set(ctx, NewOperation(OpSet), NewEntry("a", []byte("1"), "", time.Minute, []string{"users"}))
	d.Set(ctx, NewOperation(OpSet), NewEntry("b", []byte("2"), "", time.Minute, []string{"users"}))
	d.Set(ctx, NewOperation(OpSet), NewEntry("c", []byte("3"), "", time.Minute, []string{"orders"}))

	op := NewOperation(OpRemoveByTag)
	op.SetTagMembers([]string{"a", "b"})
	if err := d.RemoveByTag(ctx, op, "users"); err != nil {
		t.Fatalf("RemoveByTag failed: %v", err)
	}

	if res := d.Get(ctx, NewOperation(OpGet), "a"); res.Found {
		t.Fatal("expected 'a' removed")
	}
	if res := d.Get(ctx, NewOperation(OpGet), "b"); res.Found {
		t.Fatal("expected 'b' removed")
	}
	if res := d.Get(ctx, NewOperation(OpGet), "c"); !res.Found {
		t.Fatal("expected 'c' untouched")
	}
}

func TestDistributedLayer_Disposed(t *testing.T) {
	store := remote.NewMemory()
	d := NewDistributedLayer(store, nil, nil, DistributedConfig{})
	ctx := context.Background()

	if err := d.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if res := d.Get(ctx, NewOperation(OpGet), "k"); res.Handled {
		t.Fatal("disposed layer must answer not-handled")
	}
	if err := d.Set(ctx, NewOperation(OpSet), NewEntry("k", []byte("v"), "", 0, nil)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got: %v", err)
	}
	if err := d.Dispose(); err != nil {
		t.Fatalf("second Dispose failed: %v", err)
	}
}
