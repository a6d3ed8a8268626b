package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is a single cached value as held by a layer. Expiration is carried
// as an absolute instant so an entry promoted between layers keeps the TTL
// remainder instead of being renewed. Every layer owns its copy; entries
// never share mutable state across layer boundaries.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	TypeHint  string    `json:"type_hint,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Tags      []string  `json:"tags,omitempty"`
}

// NewEntry builds an entry from a raw value. A non-positive ttl produces an
// entry without expiration.
func NewEntry(key string, value []byte, typeHint string, ttl time.Duration, tags []string) *Entry {
	e := &Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		TypeHint: typeHint,
	}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}
	if len(tags) > 0 {
		e.Tags = append([]string(nil), tags...)
	}
	return e
}

// Expired reports whether the entry is past its absolute expiration. An
// entry without expiration never expires.
func (e *Entry) Expired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// TTL returns the remaining lifetime. Entries without expiration return 0,
// which stores must treat as "no TTL"; an expired entry returns a negative
// duration.
func (e *Entry) TTL() time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return time.Until(e.ExpiresAt)
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	return &c
}

// encodeEntry marshals an entry for a store that only understands opaque
// payloads. The envelope keeps the metadata needed to reconstruct the TTL
// remainder and tags on a later hit.
func encodeEntry(e *Entry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry %s: %w", e.Key, err)
	}
	return payload, nil
}

// decodeEntry is the inverse of encodeEntry. The stored key wins over
// whatever the envelope claims.
func decodeEntry(key string, payload []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	e.Key = key
	return &e, nil
}
