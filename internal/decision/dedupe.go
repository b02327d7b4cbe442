package decision

import (
	"sync"
	"time"
)

// Deduper makes cycles idempotent per snapshot: the first decision for an
// (instrument, snapshot timestamp) pair claims the slot, re-runs of the same
// snapshot skip sizing. Entries older than the retention window are dropped
// so a long-lived loop does not grow without bound.
type Deduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

// NewDeduper creates a deduper. retention <= 0 means entries live for the
// process lifetime.
func NewDeduper(retention time.Duration) *Deduper {
	return &Deduper{seen: make(map[string]time.Time), retention: retention}
}

// Claim reports whether this (instrument, timestamp) pair is fresh, and
// records it if so.
func (d *Deduper) Claim(instrument string, ts time.Time) bool {
	key := instrument + "@" + ts.UTC().Format(time.RFC3339Nano)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = ts
	if d.retention > 0 {
		cutoff := ts.Add(-d.retention)
		for k, t := range d.seen {
			if t.Before(cutoff) {
				delete(d.seen, k)
			}
		}
	}
	return true
}
