package sync

import (
	gosync "sync"
)

// keyedLocks serializes work per string key. Entity keys serialize
// submissions for one local entity; chain scope keys serialize chain
// stamping. Entries are reference counted and removed when idle.
type keyedLocks struct {
	mu    gosync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   gosync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key and returns its release function
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
