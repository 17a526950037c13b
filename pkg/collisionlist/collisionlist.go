// Package collisionlist tracks transport addresses from which an SSRC
// collision was observed (spec.md section 4.6), until the collision entry
// times out. sourcetable.Table records every detected collision here and
// exposes the list through HasCollidingAddress; packet acceptance does not
// consult it.
package collisionlist

import (
	"sync"
	"time"
)

// List is an append-only address -> last-collision-time map, guarded by
// its own mutex in the shape of the teacher's bytecounter.ByteCounter:
// a small value type with accessor methods, safe for concurrent use.
type List struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// New returns an empty collision list.
func New() *List {
	return &List{entries: make(map[string]time.Time)}
}

// UpdateAddress records addr as having collided at now, returning true if
// the entry was newly created (as opposed to refreshing an existing one).
func (l *List) UpdateAddress(addr string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, existed := l.entries[addr]
	l.entries[addr] = now
	return !existed
}

// HasAddress reports whether addr is currently recorded as colliding.
func (l *List) HasAddress(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.entries[addr]
	return ok
}

// Timeout removes every entry whose last-collision time is older than
// now - delay.
func (l *List) Timeout(now time.Time, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-delay)
	for addr, t := range l.entries {
		if t.Before(cutoff) {
			delete(l.entries, addr)
		}
	}
}

// Len returns the number of addresses currently tracked.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}
