// Package cache provides the process-wide cache shared by the fetch and
// embedding stages of the pipeline.
//
// The cache is a bounded LRU keyed by content fingerprint. Two payload kinds
// are stored: raw fetched text (bytes) and computed embedding vectors.
// Entries carry an independent TTL; expired entries behave as misses and are
// removed lazily on access. The cache is bounded both by a total byte budget
// and an entry count, evicting least-recently-used entries when either is
// exceeded.
//
// The cache is never the source of truth. A process restart clears it
// entirely; the store is the only durable layer.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/scribeworks/scribe/internal/log"
)

// Key prefixes used by the pipeline. Kept here so the fingerprint namespace
// is defined in one place.
const (
	// FetchKeyPrefix namespaces raw fetch payloads, keyed by URL.
	FetchKeyPrefix = "fetch:"

	// EmbedKeyPrefix namespaces embedding vectors, keyed by model and chunk hash.
	EmbedKeyPrefix = "embed:"
)

// FetchKey returns the cache key for a fetched URL.
func FetchKey(url string) string {
	return FetchKeyPrefix + url
}

// EmbedKey returns the cache key for a chunk embedding under a given model.
func EmbedKey(model, chunkHash string) string {
	return EmbedKeyPrefix + model + ":" + chunkHash
}

// entry is a single cache slot. payload is either []byte or []float32;
// the typed accessors below keep callers from mixing them up.
type entry struct {
	key        string
	payload    any
	sizeBytes  int64
	insertedAt time.Time
	expiresAt  time.Time
	elem       *list.Element
}

// Cache is a TTL-aware LRU cache bounded by byte and entry budgets.
// It is safe for concurrent use by multiple goroutines; a single mutex
// serializes access, which keeps the global budgets exact.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recently used
	totalBytes int64

	maxBytes   int64
	maxEntries int
	logger     log.Logger
}

// New creates a Cache with the given budgets. maxBytes and maxEntries must
// both be positive.
func New(maxBytes int64, maxEntries int, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// GetBytes returns the raw payload stored under key, or false on a miss.
// An expired entry counts as a miss and is removed.
func (c *Cache) GetBytes(key string) ([]byte, bool) {
	payload, ok := c.get(key)
	if !ok {
		return nil, false
	}
	b, ok := payload.([]byte)
	return b, ok
}

// GetVector returns the embedding vector stored under key, or false on a miss.
func (c *Cache) GetVector(key string) ([]float32, bool) {
	payload, ok := c.get(key)
	if !ok {
		return nil, false
	}
	v, ok := payload.([]float32)
	return v, ok
}

// PutBytes stores a raw payload under key with the given TTL.
func (c *Cache) PutBytes(key string, payload []byte, ttl time.Duration) {
	c.put(key, payload, int64(len(payload)), ttl)
}

// PutVector stores an embedding vector under key with the given TTL.
func (c *Cache) PutVector(key string, vector []float32, ttl time.Duration) {
	c.put(key, vector, int64(len(vector))*4, ttl)
}

// Delete removes an entry if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// Len returns the number of live entries. Expired but not yet collected
// entries are counted; they are removed on their next access.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SizeBytes returns the current total payload size.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	// Lazy expiry: a Get on an expired entry is a miss and removes it.
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		return nil, false
	}

	c.lru.MoveToFront(e.elem)
	return e.payload, true
}

func (c *Cache) put(key string, payload any, sizeBytes int64, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	// A single payload larger than the whole budget would evict everything
	// and still not fit.
	if sizeBytes > c.maxBytes {
		c.logger.Warn("cache payload exceeds byte budget, not stored",
			"key", key, "size", sizeBytes, "budget", c.maxBytes)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if old, ok := c.entries[key]; ok {
		c.remove(old)
	}

	e := &entry{
		key:        key,
		payload:    payload,
		sizeBytes:  sizeBytes,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.totalBytes += sizeBytes

	c.evictOverBudget()
}

// evictOverBudget removes least-recently-used entries until both budgets
// hold. Caller must hold c.mu.
func (c *Cache) evictOverBudget() {
	for c.totalBytes > c.maxBytes || len(c.entries) > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		e := oldest.Value.(*entry)
		c.logger.Debug("evicting cache entry", "key", e.key, "size", e.sizeBytes)
		c.remove(e)
	}
}

// remove deletes an entry from both the map and the LRU list.
// Caller must hold c.mu.
func (c *Cache) remove(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.totalBytes -= e.sizeBytes
}
