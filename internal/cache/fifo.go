package cache

import "sync"

// FIFO is a bounded map that evicts the oldest-inserted key when full.
// Updating an existing key does not change its insertion position.
type FIFO[K comparable, V any] struct {
	mu       sync.RWMutex
	capacity int
	items    map[K]V
	order    []K
	head     int
}

// NewFIFO creates a FIFO holding at most capacity entries.
// A capacity below 1 is treated as 1.
func NewFIFO[K comparable, V any](capacity int) *FIFO[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO[K, V]{
		capacity: capacity,
		items:    make(map[K]V, capacity),
		order:    make([]K, 0, capacity),
	}
}

// Get returns the value for key.
func (c *FIFO[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Put stores value under key, evicting the oldest entry if the cache is full.
// Returns the evicted key and true when an eviction happened.
func (c *FIFO[K, V]) Put(key K, value V) (evicted K, didEvict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; exists {
		c.items[key] = value
		return evicted, false
	}

	if len(c.items) >= c.capacity {
		evicted = c.order[c.head]
		delete(c.items, evicted)
		c.order[c.head] = key
		c.head = (c.head + 1) % c.capacity
		didEvict = true
	} else {
		c.order = append(c.order, key)
	}
	c.items[key] = value
	return evicted, didEvict
}

// Len returns the number of entries.
func (c *FIFO[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes every entry.
func (c *FIFO[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]V, c.capacity)
	c.order = c.order[:0]
	c.head = 0
}
