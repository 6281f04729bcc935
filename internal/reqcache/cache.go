// Package reqcache is the shared LRU+TTL cache keyed by request fingerprint
// that async taps consult before issuing a fetch (spec.md §6.3).
//
// It is adapted from the teacher's store.go (Store.Save/Recall/Delete,
// keyed by dependency string, guarded by one mutex) but replaces the bare
// map with github.com/hashicorp/golang-lru for bounded eviction and adds a
// TTL on each entry plus a github.com/hashicorp/go-immutable-radix index so
// a caller can invalidate every request under a key prefix in one call —
// the store.go original had no notion of either bound or prefix.
package reqcache

import (
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity bounds the number of distinct request keys cached when the
// caller does not specify one.
const DefaultCapacity = 512

// Entry is the cached result for one request fingerprint.
type Entry struct {
	Result   any
	StoredAt time.Time
	TTLMs    int64
}

// Fresh reports whether the entry is still within its TTL as of now. A
// non-positive TTLMs means the entry never expires on its own (it can still
// be evicted by LRU capacity pressure or explicit deletion).
func (e Entry) Fresh(now time.Time) bool {
	if e.TTLMs <= 0 {
		return true
	}
	return now.Sub(e.StoredAt) < time.Duration(e.TTLMs)*time.Millisecond
}

// Cache implements the cache contract from spec.md §6.3:
//
//	cache.get(key) -> {result, storedAt, ttlMs} | undefined
//	cache.set(key, {result, storedAt, ttlMs})
//	cache.delete(key)
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	index *iradix.Tree // key -> struct{}, mirrors lru's keyspace for prefix scans
}

// New constructs a cache bounded to capacity distinct request keys. A
// capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{index: iradix.New()}
	// The evict callback keeps the radix index in sync with whatever the LRU
	// drops for capacity reasons, so DeleteByPrefix never sees a stale key.
	l, err := lru.NewWithEvict(capacity, func(key interface{}, _ interface{}) {
		c.removeFromIndex(key.(string))
	})
	if err != nil {
		// Only returns an error for a non-positive size, which New already
		// guards against above.
		panic(err)
	}
	c.lru = l
	return c
}

// Get returns the cached entry for key, if present. It does not consider
// freshness — callers that care about TTL expiry call Entry.Fresh.
func (c *Cache) Get(key string) (Entry, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Set stores or replaces the entry for key.
func (c *Cache) Set(key string, e Entry) {
	c.mu.Lock()
	c.index, _, _ = c.index.Insert([]byte(key), struct{}{})
	c.mu.Unlock()
	c.lru.Add(key, e)
}

// Delete removes the entry for key, if any.
func (c *Cache) Delete(key string) {
	c.removeFromIndex(key)
	c.lru.Remove(key)
}

func (c *Cache) removeFromIndex(key string) {
	c.mu.Lock()
	c.index, _, _ = c.index.Delete([]byte(key))
	c.mu.Unlock()
}

// DeleteByPrefix removes every cached entry whose key starts with prefix
// and returns the count removed. This is an addition beyond the minimal
// get/set/delete contract (spec.md §6.3: "any implementation respecting
// LRU and TTL semantics suffices") useful for invalidating a whole family
// of request keys, e.g. every request under a given resource path.
func (c *Cache) DeleteByPrefix(prefix string) int {
	c.mu.Lock()
	var keys []string
	c.index.Root().WalkPrefix([]byte(prefix), func(k []byte, _ interface{}) bool {
		keys = append(keys, string(k))
		return false
	})
	c.mu.Unlock()

	for _, k := range keys {
		c.Delete(k)
	}
	return len(keys)
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
