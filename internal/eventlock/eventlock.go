// SPDX-License-Identifier: MIT

// Package eventlock provides a lock map keyed by event id. All state
// mutations for one event run inside its critical section; independent
// events proceed in parallel. Callers must not hold an event lock across
// provider calls.
package eventlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per event id. Entries are reclaimed once the last
// holder unlocks.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewMap creates an empty lock map.
func NewMap() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock acquires the lock for id and returns the matching unlock function.
func (m *Map) Lock(id string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[id]
	if !ok {
		e = &entry{}
		m.locks[id] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}
