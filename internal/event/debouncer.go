package event

import (
	"sync"
	"time"
)

// Debouncer prevents duplicate events within a time window.
type Debouncer struct {
	window time.Duration
	seen   map[string]time.Time
	mu     sync.Mutex
	now    func() time.Time
}

// NewDebouncer creates a new debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// ShouldProcess returns true if the event should be processed.
// Returns false if an event with the same key was accepted within the window.
func (d *Debouncer) ShouldProcess(e *Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := e.Key()
	now := d.now()

	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.window {
		return false
	}

	d.seen[key] = now
	if len(d.seen) > 1024 {
		d.cleanupLocked(now)
	}
	return true
}

// Cleanup removes old entries from the seen map.
func (d *Debouncer) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanupLocked(d.now())
}

func (d *Debouncer) cleanupLocked(now time.Time) {
	threshold := now.Add(-d.window * 2)
	for key, t := range d.seen {
		if t.Before(threshold) {
			delete(d.seen, key)
		}
	}
}

// Len reports how many keys are tracked.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
