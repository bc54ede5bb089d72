package ttl

import (
	"sync"
	"time"
)

// Cache is a minimal in-process TTL cache with lazy expiration on Get. Expired entries are
// dropped when a Set finds more than sweepAt of them.
type Cache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
}

type entry[V any] struct {
	val V
	exp time.Time
}

const sweepAt = 256

func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{data: make(map[K]entry[V])}
}

// Get returns the value and true if found and not expired; otherwise zero value and false.
func (t *Cache[K, V]) Get(k K) (V, bool) {
	t.mu.RLock()
	e, ok := t.data[k]
	t.mu.RUnlock()
	if !ok || time.Now().After(e.exp) {
		var zero V
		return zero, false
	}
	return e.val, true
}

func (t *Cache[K, V]) Set(k K, v V, ttl time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.data) >= sweepAt {
		for key, e := range t.data {
			if now.After(e.exp) {
				delete(t.data, key)
			}
		}
	}
	t.data[k] = entry[V]{val: v, exp: now.Add(ttl)}
}

func (t *Cache[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}
