// ABOUTME: Per-key mutual exclusion used to serialize session creation
// ABOUTME: Locks are created on demand and dropped when no caller holds them

package store

import "sync"

// keyLocks hands out one mutex per routing key so concurrent callers on the
// same key serialize without blocking unrelated keys. Entries are reference
// counted and removed when released, keeping the map bounded by the number
// of in-flight calls rather than the number of keys ever seen.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// acquire blocks until the lock for key is held and returns the release
// function.
func (k *keyLocks) acquire(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
