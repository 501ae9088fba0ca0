package mutex

import (
	"sync"
)

// Keyed hands out one mutex per key, serializing concurrent work against
// the same server or deployment. Locks are created on demand and must be
// released explicitly when their resource is destroyed to avoid leaks.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty keyed mutex set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, creating it if needed.
func (k *Keyed) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Panics if the key was never locked,
// matching sync.Mutex semantics.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if ok {
		e.refs--
	}
	k.mu.Unlock()

	if !ok {
		panic("mutex: unlock of unknown key " + key)
	}
	e.mu.Unlock()
}

// Forget drops the lock entry for key once no holder remains. Called when
// the guarded resource is deleted (e.g. on uninstall).
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.locks[key]; ok && e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
