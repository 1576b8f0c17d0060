// Package sessions indexes the live voice connections a gateway is carrying
// so shutdown can drain them: warn every device, wait out the grace period,
// then cancel the stragglers.
package sessions

import (
	"context"
	"sync"
)

// Handle is what a connection exposes to the tracker. Warn sends a
// best-effort notice frame to the device; Cancel tears the session down.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type trackedConn struct {
	gen    uint64
	handle Handle
}

// Tracker indexes active sessions by id. All methods are safe for
// concurrent use and tolerate a nil receiver.
type Tracker struct {
	mu      sync.Mutex
	gen     uint64
	conns   map[string]trackedConn
	waiters []chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]trackedConn)}
}

// Register adds a session and returns its unregister func. The func is
// idempotent. Registering an id that is already present replaces the older
// entry, so a reconnecting device cannot leak a slot; the replaced entry's
// unregister becomes a no-op and its Cancel is never invoked.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]trackedConn)
	}
	t.gen++
	gen := t.gen
	t.conns[sessionID] = trackedConn{gen: gen, handle: h}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		if c, ok := t.conns[sessionID]; ok && c.gen == gen {
			delete(t.conns, sessionID)
			if len(t.conns) == 0 {
				for _, w := range t.waiters {
					close(w)
				}
				t.waiters = nil
			}
		}
		t.mu.Unlock()
	}
}

// Count reports the number of active sessions.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// snapshot copies the current handles so callbacks run outside the lock.
func (t *Tracker) snapshot() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.handle)
	}
	return out
}

// WarnAll sends a notice to every active session. Send failures are ignored.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

// CancelAll tears down every active session.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session unregisters or ctx ends.
// It reports whether the tracker fully drained. A nil ctx waits forever.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	t.mu.Lock()
	if len(t.conns) == 0 {
		t.mu.Unlock()
		return true
	}
	drained := make(chan struct{})
	t.waiters = append(t.waiters, drained)
	t.mu.Unlock()

	if ctx == nil {
		<-drained
		return true
	}
	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	}
}
