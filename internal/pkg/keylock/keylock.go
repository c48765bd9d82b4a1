// Package keylock provides per-key mutual exclusion. Each key gets its
// own mutex on demand; entries are evicted as soon as nothing holds or
// waits on them, so the arena stays proportional to in-flight keys, not
// to every key ever seen.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is an arena of mutexes keyed by string. The zero value is not
// usable; call New.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty lock arena.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking while another holder has it.
// It returns the matching unlock function; callers must invoke it exactly
// once, typically via defer.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many keys currently have a live lock entry.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
