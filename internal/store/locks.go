package store

import "sync"

// keyedLocks provides one mutex per record key. This is the only lock in
// the engine: it makes read-modify-write spans atomic with respect to each
// other, which SQLite's single writer connection alone does not guarantee
// (two goroutines can interleave SELECT and UPDATE across transactions).
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*entry)}
}

// lock acquires the mutex for key and returns the matching unlock func.
// Entries are reference counted so the map doesn't grow without bound.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
