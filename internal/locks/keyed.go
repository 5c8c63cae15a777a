// Package locks provides an arena of per-key mutexes. State-changing
// operations on one order must be serialized against each other while
// unrelated orders proceed concurrently, so a single global lock is not
// an option here.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed hands out a mutex per string key. Entries are reference counted and
// removed once the last holder releases, so the arena does not grow with the
// total number of orders ever seen.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock blocks until the key's mutex is held and returns the release func.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys currently have waiters or holders.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
