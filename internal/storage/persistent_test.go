package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eoniclabs/methodcache/internal/breaker"
	"github.com/eoniclabs/methodcache/internal/durable"
)

// failingDurable answers every call with the same error.
type failingDurable struct {
	err   error
	calls atomic.Int32
}

func (f *failingDurable) Get(ctx context.Context, key string) (*durable.Row, error) {
	f.calls.Add(1)
	return nil, f.err
}

func (f *failingDurable) Set(ctx context.Context, row *durable.Row) error {
	f.calls.Add(1)
	return f.err
}

func (f *failingDurable) Delete(ctx context.Context, key string) error {
	f.calls.Add(1)
	return f.err
}

func (f *failingDurable) DeleteByTag(ctx context.Context, tag string) (int64, error) {
	f.calls.Add(1)
	return 0, f.err
}

func (f *failingDurable) Exists(ctx context.Context, key string) (bool, error) {
	f.calls.Add(1)
	return false, f.err
}

func (f *failingDurable) DeleteExpired(ctx context.Context) (int64, error) {
	f.calls.Add(1)
	return 0, f.err
}

func (f *failingDurable) Ping(ctx context.Context) error {
	return f.err
}

func (f *failingDurable) Close() error {
	return nil
}

// sweepCountingStore counts completed DeleteExpired calls so tests can tell
// the background sweeper ran.
type sweepCountingStore struct {
	*durable.Memory
	sweeps atomic.Int32
}

func (s *sweepCountingStore) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := s.Memory.DeleteExpired(ctx)
	s.sweeps.Add(1)
	return n, err
}

func TestPersistentLayer_RoundTrip(t *testing.T) {
	store := durable.NewMemory()
	p := NewPersistentLayer(store, nil, nil, PersistentConfig{})
	defer p.Dispose()
	ctx := context.Background()

	entry := NewEntry("k", []byte("v"), "application/json", time.Hour, []string{"users", "reports"})
	if err := p.Set(ctx, NewOperation(OpSet), entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	res := p.Get(ctx, NewOperation(OpGet), "k")
	if !res.Found {
		t.Fatalf("expected hit, got %+v", res)
	}
	if string(res.Entry.Value) != "v" || res.Entry.TypeHint != "application/json" {
		t.Fatalf("unexpected entry: %+v", res.Entry)
	}
	if len(res.Entry.Tags) != 2 {
		t.Fatalf("expected tags preserved, got %v", res.Entry.Tags)
	}
	if ttl := res.Entry.TTL(); ttl <= 59*time.Minute || ttl > time.Hour {
		t.Fatalf("expected TTL remainder near an hour, got %v", ttl)
	}
}

func TestPersistentLayer_NoExpiryRow(t *testing.T) {
	store := durable.NewMemory()
	p := NewPersistentLayer(store, nil, nil, PersistentConfig{})
	defer p.Dispose()
	ctx := context.Background()

	if err := p.Set(ctx, NewOperation(OpSet), NewEntry("k", []byte("v"), "", 0, nil)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A zero TTL persists as a row without an expiry.
	row, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("store Get failed: %v", err)
	}
	if row.ExpiresAt != nil {
		t.Fatalf("expected nil ExpiresAt, got %v", row.ExpiresAt)
	}

	res := p.Get(ctx, NewOperation(OpGet), "k")
	if !res.Found || !res.Entry.ExpiresAt.IsZero() {
		t.Fatalf("expected unexpiring hit, got %+v", res)
	}
}

func TestPersistentLayer_MissOnAbsentKey(t *testing.T) {
	p := NewPersistentLayer(durable.NewMemory(), nil, nil, PersistentConfig{})
	defer p.Dispose()

	res := p.Get(context.Background(), NewOperation(OpGet), "missing")
	if !res.Handled || res.Found {
		t.Fatalf("expected genuine miss, got %+v", res)
	}
}

func TestPersistentLayer_ExpiredEntryNotWritten(t *testing.T) {
	store := durable.NewMemory()
	p := NewPersistentLayer(store, nil, nil, PersistentConfig{})
	defer p.Dispose()
	ctx := context.Background()

	// Already expired at write time; the row is not worth persisting.
	entry := &Entry{Key: "k", Value: []byte("v"), ExpiresAt: time.Now().Add(-time.Second)}
	if err := p.Set(ctx, NewOperation(OpSet), entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ok, _ := store.Exists(ctx, "k"); ok {
		t.Fatal("expected expired entry to be skipped")
	}
}

func TestPersistentLayer_RemoveByTagCoversUntrackedRows(t *testing.T) {
	store := durable.NewMemory()
	p := NewPersistentLayer(store, nil, nil, PersistentConfig{})
	defer p.Dispose()
	ctx := context.Background()

	p.Set(ctx, NewOperation(OpSet), NewEntry("k1", []byte("1"), "", time.Hour, []string{"users"}))

	// A row written by an earlier process lifetime; no tag index knows it.
	store.Set(ctx, &durable.Row{Key: "legacy", Value: []byte("old"), Tags: []string{"users"}})

	op := NewOperation(OpRemoveByTag)
	op.SetTagMembers([]string{"k1"})
	if err := p.RemoveByTag(ctx, op, "users"); err != nil {
		t.Fatalf("RemoveByTag failed: %v", err)
	}

	if ok, _ := store.Exists(ctx, "k1"); ok {
		t.Fatal("expected tracked member removed")
	}
	if ok, _ := store.Exists(ctx, "legacy"); ok {
		t.Fatal("expected untracked row removed by the store-side tag delete")
	}
}

func TestPersistentLayer_SweeperReclaimsExpiredRows(t *testing.T) {
	store := &sweepCountingStore{Memory: durable.NewMemory()}
	ctx := context.Background()

	exp := time.Now().Add(-time.Second)
	store.Set(ctx, &durable.Row{Key: "dead", Value: []byte("x"), ExpiresAt: &exp})

	p := NewPersistentLayer(store, nil, nil, PersistentConfig{SweepInterval: 10 * time.Millisecond})
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	waitFor(t, 2*time.Second, "sweep to run", func() bool {
		return store.sweeps.Load() >= 1
	})

	// The sweeper already reclaimed the dead row.
	if n, _ := store.Memory.DeleteExpired(ctx); n != 0 {
		t.Fatalf("expected no expired rows left, found %d", n)
	}

	// Dispose stops the sweeper for good.
	if err := p.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	swept := store.sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	if got := store.sweeps.Load(); got != swept {
		t.Fatalf("sweeper still running after Dispose: %d -> %d", swept, got)
	}
}

func TestPersistentLayer_StoreFailureOpensBreaker(t *testing.T) {
	store := &failingDurable{err: errors.New("connection refused")}
	brk := breaker.New(breaker.Config{
		ErrorPct:       50,
		WindowDuration: 10 * time.Second,
		OpenDuration:   10 * time.Second,
	})
	p := NewPersistentLayer(store, nil, brk, PersistentConfig{})
	ctx := context.Background()

	res := p.Get(ctx, NewOperation(OpGet), "k")
	if res.Handled {
		t.Fatalf("expected not-handled on store failure, got %+v", res)
	}

	res = p.Get(ctx, NewOperation(OpGet), "k")
	if res.Handled {
		t.Fatalf("expected not-handled with breaker open, got %+v", res)
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected 1 store call, got %d", got)
	}

	if h := p.Health(ctx); h.Status != StatusUnavailable {
		t.Fatalf("expected unavailable with breaker open, got %v", h.Status)
	}
}

func TestPersistentLayer_DeferredWrites(t *testing.T) {
	store := durable.NewMemory()
	q := NewWriteQueue(WriteQueueConfig{Workers: 1, Capacity: 16})
	p := NewPersistentLayer(store, q, nil, PersistentConfig{DeferWrites: true})
	defer p.Dispose()
	ctx := context.Background()

	if err := p.Set(ctx, NewOperation(OpSet), NewEntry("k", []byte("v"), "", time.Hour, nil)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("queue Close failed: %v", err)
	}

	if ok, _ := store.Exists(ctx, "k"); !ok {
		t.Fatal("expected deferred write applied after drain")
	}
}

func TestPersistentLayer_Disposed(t *testing.T) {
	p := NewPersistentLayer(durable.NewMemory(), nil, nil, PersistentConfig{})
	ctx := context.Background()

	if err := p.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if res := p.Get(ctx, NewOperation(OpGet), "k"); res.Handled {
		t.Fatal("disposed layer must answer not-handled")
	}
	if err := p.Set(ctx, NewOperation(OpSet), NewEntry("k", []byte("v"), "", 0, nil)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got: %v", err)
	}
	if h := p.Health(ctx); h.Status != StatusUnavailable {
		t.Fatalf("expected unavailable after Dispose, got %v", h.Status)
	}
	if err := p.Dispose(); err != nil {
		t.Fatalf("second Dispose failed: %v", err)
	}
}
