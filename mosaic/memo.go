package mosaic

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Memo memoizes builds per key for the lifetime of an open product. Concurrent
// callers for a key that is not cached yet share one build; failed builds are
// not cached. The zero value is ready to use.
type Memo[K comparable, V any] struct {
	mu     sync.RWMutex
	values map[K]V

	// inflight ensures that, for a given key, only one goroutine runs the
	// build while the others wait for its result.
	inflight singleflight.Group
}

func (m *Memo[K, V]) lookup(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Get returns the cached value for key, building it with build on first use.
func (m *Memo[K, V]) Get(key K, build func() (V, error)) (V, error) {
	if v, ok := m.lookup(key); ok {
		return v, nil
	}

	v, err, _ := m.inflight.Do(fmt.Sprintf("%#v", key), func() (interface{}, error) {
		// A previous flight may have completed between lookup and Do.
		if v, ok := m.lookup(key); ok {
			return v, nil
		}
		v, err := build()
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.values == nil {
			m.values = make(map[K]V)
		}
		m.values[key] = v
		m.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Cached returns the value for key if it was built already.
func (m *Memo[K, V]) Cached(key K) (V, bool) {
	return m.lookup(key)
}

// Len is the number of cached keys.
func (m *Memo[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Reset drops every cached value.
func (m *Memo[K, V]) Reset() {
	m.mu.Lock()
	m.values = nil
	m.mu.Unlock()
}
