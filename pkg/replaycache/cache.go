// Package replaycache rejects duplicate or stale datagrams.
//
// The teacher's noise.ReplayFilter (zgrnet's Noise-IK transport) tracks a
// single monotonically increasing nonce counter per session in a sliding
// bitmap window. AKARI has no per-session counter — a datagram is identified
// by the tuple (identifier, timestamp, sequence, kind), spread across many
// concurrent identifiers — so the sliding-bitmap shape doesn't transfer
// directly. What does transfer is the two-phase Check/Update split and the
// age-out-by-a-bounded-window discipline; this cache keeps that shape over a
// TTL map instead of a bitmap.
package replaycache

import (
	"sync"
	"time"
)

// DefaultWindow is the default retention window for cache entries.
const DefaultWindow = 30 * time.Second

// Key identifies a single datagram for de-duplication purposes.
type Key struct {
	Identifier uint64
	Timestamp  uint32
	Sequence   uint16
	Kind       uint8
}

// Cache rejects a Key seen more than once inside Window. Entries older than
// Window age out on a monotonic clock, independent of the wall-clock
// Timestamp field carried in the key itself.
type Cache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[Key]time.Time
	now    func() time.Time
}

// New creates a replay cache with the given retention window. A zero window
// uses DefaultWindow.
func New(window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{
		window: window,
		seen:   make(map[Key]time.Time),
		now:    time.Now,
	}
}

// CheckAndUpdate reports whether key is fresh (not seen within the window)
// and records it. This is the only entry point: unlike the teacher's
// ReplayFilter, AKARI's decode path always wants check-and-record atomically,
// since a decoded packet that isn't going to be accepted shouldn't poison the
// window against a legitimate later delivery.
func (c *Cache) CheckAndUpdate(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if _, dup := c.seen[k]; dup {
		return false
	}
	c.seen[k] = now
	return true
}

// sweepLocked evicts entries older than the retention window. Called while
// holding mu.
func (c *Cache) sweepLocked(now time.Time) {
	if len(c.seen) == 0 {
		return
	}
	cutoff := now.Add(-c.window)
	for k, t := range c.seen {
		if t.Before(cutoff) {
			delete(c.seen, k)
		}
	}
}

// Len reports the number of entries currently retained, for tests and stats.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
