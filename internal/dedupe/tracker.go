// ABOUTME: TTL-bounded tracker for channel message ids already handled
// ABOUTME: Chat platforms redeliver on reconnect; duplicates must not reach the backend

package dedupe

import (
	"sync"
	"time"
)

// Tracker remembers which channel messages the gateway has already accepted.
// Keys combine channel type and platform message id so ids from different
// platforms never collide. Entries expire after the TTL and the tracker never
// holds more than maxEntries keys; the oldest key is dropped when full.
type Tracker struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	order      []string // insertion order, oldest first; may hold stale keys
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewTracker returns a tracker with a background sweep that drops expired
// entries every ttl/2.
func NewTracker(ttl time.Duration, maxEntries int) *Tracker {
	t := &Tracker{
		entries:    make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Seen records the message and reports whether it was already tracked.
// The check and the record are one atomic step.
func (t *Tracker) Seen(channelType, messageID string) bool {
	key := channelType + ":" + messageID

	t.mu.Lock()
	defer t.mu.Unlock()

	if at, ok := t.entries[key]; ok && time.Since(at) < t.ttl {
		return true
	}

	if _, ok := t.entries[key]; !ok {
		if len(t.entries) >= t.maxEntries {
			t.dropOldest()
		}
		t.order = append(t.order, key)
	}
	t.entries[key] = time.Now()
	return false
}

// Len reports the number of tracked entries, expired or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops the background sweep.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// dropOldest removes the oldest live key. Must be called with mu held.
// The order slice can contain keys already removed by the sweep; those are
// skipped and compacted away here.
func (t *Tracker) dropOldest() {
	for len(t.order) > 0 {
		key := t.order[0]
		t.order = t.order[1:]
		if _, ok := t.entries[key]; ok {
			delete(t.entries, key)
			return
		}
	}
}

func (t *Tracker) sweep() {
	interval := t.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.removeExpired()
		}
	}
}

func (t *Tracker) removeExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, at := range t.entries {
		if now.Sub(at) >= t.ttl {
			delete(t.entries, key)
		}
	}

	// Compact the order slice so it cannot grow past the map unbounded.
	live := t.order[:0]
	for _, key := range t.order {
		if _, ok := t.entries[key]; ok {
			live = append(live, key)
		}
	}
	t.order = live
}
