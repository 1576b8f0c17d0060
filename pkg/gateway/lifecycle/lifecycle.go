// Package lifecycle holds the gateway's process state: when it started and
// whether it is draining. Handlers consult it so readiness flips off and new
// live sessions are refused during shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type State struct {
	startedAt time.Time
	draining  atomic.Bool
}

// New returns a State anchored at the current time.
func New() *State {
	return &State{startedAt: time.Now()}
}

// BeginDrain marks the process as shutting down. Irreversible: a draining
// gateway never goes back to ready.
func (s *State) BeginDrain() {
	if s == nil {
		return
	}
	s.draining.Store(true)
}

// Draining reports whether shutdown has begun. A nil State is never
// draining, so handlers without one behave as if the gateway were healthy.
func (s *State) Draining() bool {
	if s == nil {
		return false
	}
	return s.draining.Load()
}

// Uptime returns how long the process has been running.
func (s *State) Uptime() time.Duration {
	if s == nil || s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}
