// Package cache provides TTL-evicted in-memory maps for snapshot values.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU cache backed by otter. Values are
// immutable snapshots; callers replace, never mutate.
type Memory[V any] struct {
	cache *otter.Cache[string, entry[V]]
}

// NewMemory creates a cache with the given max entry count and default TTL.
func NewMemory[V any](maxSize int, defaultTTL time.Duration) (*Memory[V], error) {
	c, err := otter.New[string, entry[V]](&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory[V]{cache: c}, nil
}

// Get retrieves a value if present and not expired.
func (m *Memory[V]) Get(key string) (V, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value with a per-entry TTL.
func (m *Memory[V]) Set(key string, val V, ttl time.Duration) {
	m.cache.Set(key, entry[V]{value: val, expiresAt: time.Now().Add(ttl)})
}

// Delete removes a value.
func (m *Memory[V]) Delete(key string) {
	m.cache.Invalidate(key)
}

// Purge removes all values.
func (m *Memory[V]) Purge() {
	m.cache.InvalidateAll()
}
