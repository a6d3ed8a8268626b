package storage

import (
	"testing"
	"time"
)

func TestNewEntry_CopiesInputs(t *testing.T) {
	value := []byte("payload")
	tags := []string{"users"}
	e := NewEntry("k", value, "text/plain", time.Minute, tags)

	value[0] = 'x'
	tags[0] = "mutated"

	if string(e.Value) != "payload" {
		t.Fatalf("entry value mutated through caller slice: %q", e.Value)
	}
	if e.Tags[0] != "users" {
		t.Fatalf("entry tags mutated through caller slice: %v", e.Tags)
	}
}

func TestNewEntry_ZeroTTLMeansNoExpiry(t *testing.T) {
	e := NewEntry("k", []byte("v"), "", 0, nil)
	if !e.ExpiresAt.IsZero() {
		t.Fatalf("expected zero expiry, got %v", e.ExpiresAt)
	}
	if e.Expired() {
		t.Fatal("entry without expiry must never expire")
	}
	if e.TTL() != 0 {
		t.Fatalf("expected TTL 0, got %v", e.TTL())
	}
}

func TestEntry_TTLRemainder(t *testing.T) {
	e := NewEntry("k", []byte("v"), "", time.Hour, nil)
	ttl := e.TTL()
	if ttl <= 59*time.Minute || ttl > time.Hour {
		t.Fatalf("expected TTL near 1h, got %v", ttl)
	}
	if e.Expired() {
		t.Fatal("entry with future expiry must not be expired")
	}
}

func TestEntry_Expired(t *testing.T) {
	e := &Entry{Key: "k", ExpiresAt: time.Now().Add(-time.Second)}
	if !e.Expired() {
		t.Fatal("entry with past expiry must be expired")
	}
	if e.TTL() >= 0 {
		t.Fatalf("expected negative TTL, got %v", e.TTL())
	}
}

func TestEntry_Clone(t *testing.T) {
	e := NewEntry("k", []byte("v"), "text/plain", time.Minute, []string{"a", "b"})
	c := e.Clone()

	c.Value[0] = 'x'
	c.Tags[0] = "mutated"

	if string(e.Value) != "v" || e.Tags[0] != "a" {
		t.Fatal("clone shares state with the original")
	}
	if !c.ExpiresAt.Equal(e.ExpiresAt) {
		t.Fatalf("clone changed expiry: %v vs %v", c.ExpiresAt, e.ExpiresAt)
	}

	var nilEntry *Entry
	if nilEntry.Clone() != nil {
		t.Fatal("cloning nil should yield nil")
	}
}

func TestEncodeDecodeEntry(t *testing.T) {
	e := NewEntry("k", []byte("v"), "application/json", time.Minute, []string{"users"})

	payload, err := encodeEntry(e)
	if err != nil {
		t.Fatalf("encodeEntry failed: %v", err)
	}

	// The stored key wins over the envelope's claim.
	got, err := decodeEntry("other", payload)
	if err != nil {
		t.Fatalf("decodeEntry failed: %v", err)
	}
	if got.Key != "other" {
		t.Fatalf("expected stored key to win, got %q", got.Key)
	}
	if string(got.Value) != "v" || got.TypeHint != "application/json" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if !got.ExpiresAt.Equal(e.ExpiresAt) {
		t.Fatalf("expiry not preserved: %v vs %v", got.ExpiresAt, e.ExpiresAt)
	}

	if _, err := decodeEntry("k", []byte("not json")); err == nil {
		t.Fatal("expected error for undecodable payload")
	}
}
