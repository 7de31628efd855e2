package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Memoizer wraps a Cache with a cache-or-compute capability. The same
// pattern recurs at the fetch and embedding stages, so it lives here once,
// parameterized by key and TTL.
//
// Concurrent callers missing on the same key share a single computation via
// singleflight instead of each paying the network or API cost.
type Memoizer struct {
	cache *Cache
	group singleflight.Group
}

// NewMemoizer creates a Memoizer backed by the given cache.
func NewMemoizer(c *Cache) *Memoizer {
	return &Memoizer{cache: c}
}

// Bytes returns the cached payload for key, or runs compute, caches its
// result with the given TTL, and returns it. The boolean reports whether the
// value came from the cache.
func (m *Memoizer) Bytes(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if payload, ok := m.cache.GetBytes(key); ok {
		return payload, true, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// cache between our miss and acquiring the flight.
		if payload, ok := m.cache.GetBytes(key); ok {
			return payload, nil
		}
		payload, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		m.cache.PutBytes(key, payload, ttl)
		return payload, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// Vector is Bytes for embedding vectors.
func (m *Memoizer) Vector(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]float32, error)) ([]float32, bool, error) {
	if vec, ok := m.cache.GetVector(key); ok {
		return vec, true, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if vec, ok := m.cache.GetVector(key); ok {
			return vec, nil
		}
		vec, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		m.cache.PutVector(key, vec, ttl)
		return vec, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]float32), false, nil
}
