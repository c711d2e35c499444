// Package tagmap implements the string-keyed map collaborator described for
// the task execution core: owned keys, owned values, each value carrying an
// optional release behavior invoked exactly once when the entry is removed
// or the map itself is closed. It backs both a Task's tag map and a
// TaskManager's tag map, each serialized by the Map's own internal mutex.
package tagmap

import "sync"

// Map is a string-keyed map of tagged values with per-entry release.
// Safe for concurrent use; it owns its own mutex rather than relying on an
// external one, since tag maps are an independently-locked side table per
// §5 of the design (distinct from the state/queue mutex of its owner).
type Map struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value   any
	release func(any)
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]entry)}
}

// Add stores value under key, calling release (if non-nil) exactly once
// when the entry is later removed or the map closed. If key already held a
// value, the old value's release is invoked immediately and added reports
// false (overwritten); a brand-new key reports true.
func (m *Map) Add(key string, value any, release func(any)) (added bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, existed := m.entries[key]
	m.entries[key] = entry{value: value, release: release}
	if existed && old.release != nil {
		old.release(old.value)
	}
	return !existed
}

// Get returns the value stored under key and whether it was present. The
// tag is not removed or its ownership transferred, mirroring the source's
// "get does not destroy" contract — the entry is still released when the
// map is closed or the key removed.
func (m *Map) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Remove deletes key, invoking its release function if one was registered,
// and reports whether an entry was present.
func (m *Map) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	if e.release != nil {
		e.release(e.value)
	}
	return true
}

// Len reports the number of entries currently stored.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close releases every remaining entry and empties the map. Safe to call
// more than once; subsequent calls are no-ops.
func (m *Map) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.release != nil {
			e.release(e.value)
		}
		delete(m.entries, k)
	}
}
