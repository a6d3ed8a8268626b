// Package policy carries the resolved runtime cache policy handed to the
// engine per call, and loads named policy profiles from YAML.
package policy

import "time"

// RuntimePolicy is the outcome of policy resolution for one cache call.
// The storage engine consumes Duration and Tags; the remaining fields steer
// collaborators above the engine (stampede protection, refresh scheduling,
// cross-instance locking) and travel with the policy so one resolution
// covers the whole stack.
type RuntimePolicy struct {
	Duration           time.Duration
	Tags               []string
	SlidingExpiration  bool
	RefreshAhead       time.Duration
	StampedeProtection bool
	DistributedLock    bool
}
