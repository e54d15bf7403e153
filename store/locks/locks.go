// Package locks provides mutexes keyed by string that are dropped once no
// goroutine holds or waits on them.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Keyed struct {
	mu sync.Mutex
	m  map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{m: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &entry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
