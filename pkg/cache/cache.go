// Package cache provides the session-affinity cache: a concurrency-safe map from a session id
// to one live handle, with creation serialized per key.
package cache

import "sync"

// Cache maps keys to handles. Creation of a missing handle runs under a lock private to the
// key, so concurrent first arrivals for one key produce exactly one handle while other keys
// proceed independently.
//
// Key locks are created lazily and kept for the life of the cache. A process that sees an
// unbounded number of distinct keys grows by one small lock per key.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]V
	locks   map[string]*sync.Mutex
}

// New returns an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]V),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (c *Cache[V]) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Get returns the handle stored for key. It does not wait for an in-flight creation.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// GetOrCreate returns the handle for key, calling factory at most once if none exists.
// A factory error is returned as is and nothing is stored, so a later call retries.
func (c *Cache[V]) GetOrCreate(key string, factory func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	l := c.keyLock(key)
	l.Lock()
	defer l.Unlock()

	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := factory()
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = v
	c.mu.Unlock()
	return v, nil
}

// Remove evicts key and returns the evicted handle. If a creation for key is in flight,
// Remove waits for it to finish and then evicts its result.
func (c *Cache[V]) Remove(key string) (V, bool) {
	l := c.keyLock(key)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	delete(c.entries, key)
	return v, ok
}

// Len returns the number of stored handles.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the keys that currently hold a handle, in no particular order.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
