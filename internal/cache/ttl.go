package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roach88/shardfed/internal/clock"
)

// DefaultTTLSize bounds a TTL cache's entry count.
const DefaultTTLSize = 10000

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a size-bounded map whose entries expire ttl after being written.
//
// Storage and wall-clock eviction come from an expirable LRU. Reads also
// check the expiry against the configured clock, so a fixed clock in tests
// decides exactly when an entry is gone.
type TTL[K comparable, V any] struct {
	ttl   time.Duration
	clock clock.Clock
	lru   *expirable.LRU[K, ttlEntry[V]]
}

// NewTTL creates a TTL cache holding up to DefaultTTLSize entries. A nil
// clock uses the wall clock.
func NewTTL[K comparable, V any](ttl time.Duration, c clock.Clock) *TTL[K, V] {
	return NewTTLSize[K, V](DefaultTTLSize, ttl, c)
}

// NewTTLSize is NewTTL with an explicit bound; size <= 0 means unbounded.
func NewTTLSize[K comparable, V any](size int, ttl time.Duration, c clock.Clock) *TTL[K, V] {
	if size < 0 {
		size = 0
	}
	return &TTL[K, V]{
		ttl:   ttl,
		clock: clock.OrReal(c),
		lru:   expirable.NewLRU[K, ttlEntry[V]](size, nil, ttl),
	}
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with a fresh expiry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.lru.Add(key, ttlEntry[V]{value: value, expiresAt: c.clock.Now().Add(c.ttl)})
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

// DeleteFunc removes every key for which match returns true.
func (c *TTL[K, V]) DeleteFunc(match func(K) bool) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if match(k) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// Sweep drops entries expired by the configured clock and returns how many
// were removed.
func (c *TTL[K, V]) Sweep() int {
	now := c.clock.Now()
	n := 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if ok && !now.Before(e.expiresAt) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including not yet swept expired ones.
func (c *TTL[K, V]) Len() int {
	return c.lru.Len()
}
