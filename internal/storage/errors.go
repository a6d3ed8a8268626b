package storage

import (
	"errors"
	"fmt"
	"strings"
)

// MaxKeyLength bounds keys and tags so every backing store can index them.
const MaxKeyLength = 512

var (
	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("storage: engine closed")
	// ErrInvalidKey rejects keys no layer can safely store.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrInvalidTag rejects malformed tags.
	ErrInvalidTag = errors.New("storage: invalid tag")
	// ErrQueueFull is returned by the write queue when an enqueue cannot be
	// admitted. The producer downgrades to a synchronous write; admission
	// never drops a write silently.
	ErrQueueFull = errors.New("storage: write queue full")
	// ErrLayerUnavailable reports a layer that refused work, either closed,
	// saturated, or with its circuit breaker open.
	ErrLayerUnavailable = errors.New("storage: layer unavailable")
)

// ValidateKey rejects empty and oversized keys.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	return nil
}

// ValidateTag rejects empty and oversized tags.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidTag)
	}
	if len(tag) > MaxKeyLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidTag, len(tag), MaxKeyLength)
	}
	return nil
}

// LayerFailure is one layer's error during a fan-out operation.
type LayerFailure struct {
	LayerID string
	Err     error
}

func (f LayerFailure) Error() string {
	return f.LayerID + ": " + f.Err.Error()
}

func (f LayerFailure) Unwrap() error {
	return f.Err
}

// PartialError reports a fan-out that did not converge on every layer.
// Layers listed in Succeeded keep their writes; callers decide whether the
// divergence matters for them.
type PartialError struct {
	Op        string
	Succeeded []string
	Failures  []LayerFailure
}

func (e *PartialError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%s failed on %d of %d layers: %s",
		e.Op, len(e.Failures), len(e.Failures)+len(e.Succeeded), strings.Join(parts, "; "))
}

// Unwrap exposes the per-layer errors to errors.Is and errors.As.
func (e *PartialError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
