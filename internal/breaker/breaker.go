// Package breaker implements the circuit breaker that keeps a failing
// remote or durable store from dragging the cache pipeline down with it.
//
// The breaker follows the three-state model. Closed passes calls through
// and measures the error rate over a sliding window; once the rate crosses
// ErrorPct with enough samples, the breaker opens and the owning layer
// stops calling the store. After OpenDuration a half-open phase admits a
// limited number of probes, and their outcome either re-closes or re-opens
// the circuit. All methods are safe for concurrent use.
package breaker

import (
	"sync"
	"time"
)

// State is the current position of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls when a breaker trips and how it recovers.
type Config struct {
	// ErrorPct is the failure percentage (0-100] that opens the circuit.
	ErrorPct float64
	// WindowDuration is the sliding window over which the rate is measured.
	WindowDuration time.Duration
	// OpenDuration is how long the circuit stays open before probing.
	OpenDuration time.Duration
	// HalfOpenProbes is the number of trial calls admitted while half-open.
	HalfOpenProbes int
	// MinSamples is the minimum number of calls in the window before the
	// rate is considered meaningful. Defaults to 1.
	MinSamples int
}

// maxWindowEntries caps the per-breaker bookkeeping so a hot store cannot
// grow the timestamp slices without bound.
const maxWindowEntries = 10000

// Breaker tracks call outcomes for one store and decides whether the next
// call may proceed.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     []time.Time
	successes    []time.Time
	openedAt     time.Time
	probesInUse  int
	probeResults int
	probeFailed  bool
}

// New creates a breaker. HalfOpenProbes and MinSamples default to 1 when
// unset; the remaining fields must be positive for the breaker to trip.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may be issued now. While open it flips to
// half-open once OpenDuration has elapsed; while half-open it admits at most
// HalfOpenProbes concurrent trial calls.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = StateHalfOpen
		b.probesInUse = 1
		b.probeResults = 0
		b.probeFailed = false
		return true
	case StateHalfOpen:
		if b.probesInUse >= b.cfg.HalfOpenProbes {
			return false
		}
		b.probesInUse++
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.state == StateHalfOpen {
		b.probeResults++
		if b.probeResults >= b.probesInUse {
			if b.probeFailed {
				b.openLocked(now)
			} else {
				b.closeLocked()
			}
		}
		return
	}

	b.successes = append(b.successes, now)
	b.trimLocked(now)
}

// RecordFailure notes a failed call and opens the circuit when the error
// rate over the window crosses the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.state == StateHalfOpen {
		b.probeFailed = true
		b.probeResults++
		if b.probeResults >= b.probesInUse {
			b.openLocked(now)
		}
		return
	}
	if b.state == StateOpen {
		return
	}

	b.failures = append(b.failures, now)
	b.trimLocked(now)

	total := len(b.failures) + len(b.successes)
	if total < b.cfg.MinSamples || b.cfg.ErrorPct <= 0 {
		return
	}
	pct := float64(len(b.failures)) / float64(total) * 100
	if pct >= b.cfg.ErrorPct {
		b.openLocked(now)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = b.failures[:0]
	b.successes = b.successes[:0]
}

func (b *Breaker) closeLocked() {
	b.state = StateClosed
	b.failures = b.failures[:0]
	b.successes = b.successes[:0]
}

// trimLocked drops window entries older than WindowDuration and enforces
// the entry cap.
func (b *Breaker) trimLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.failures = trimBefore(b.failures, cutoff)
	b.successes = trimBefore(b.successes, cutoff)
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(ts) && ts[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return ts
	}
	return append(ts[:0], ts[idx:]...)
}
