package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is the in-process Guard implementation. State is scoped to one
// process instance; multi-instance deployments need the Redis guard instead.
//
// Expired entries are evicted lazily on each call (sweep-on-read); no
// background timer is required because the map is bounded by the event rate
// over one window.
type MemoryGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    clock
}

// NewMemoryGuard creates a MemoryGuard with the standard window.
func NewMemoryGuard() *MemoryGuard {
	return newMemoryGuard(Window, time.Now)
}

// newMemoryGuard is the internal constructor with injectable window and clock.
func newMemoryGuard(window time.Duration, now clock) *MemoryGuard {
	return &MemoryGuard{
		seen:   make(map[string]time.Time),
		window: window,
		now:    now,
	}
}

// Compile-time assertion that MemoryGuard satisfies Guard.
var _ Guard = (*MemoryGuard)(nil)

// CheckAndMark implements Guard. The mutex covers the sweep, the read, and
// the write, closing the check-then-act race between concurrent deliveries.
func (g *MemoryGuard) CheckAndMark(_ context.Context, eventID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweepLocked(now)

	if _, ok := g.seen[eventID]; ok {
		return true, nil
	}
	g.seen[eventID] = now
	return false, nil
}

// Forget implements Guard.
func (g *MemoryGuard) Forget(_ context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, eventID)
	return nil
}

// sweepLocked drops entries older than the window. Caller holds the mutex.
func (g *MemoryGuard) sweepLocked(now time.Time) {
	for id, at := range g.seen {
		if now.Sub(at) > g.window {
			delete(g.seen, id)
		}
	}
}
