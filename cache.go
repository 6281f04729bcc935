package grip

import (
	"time"

	"github.com/owebeeone/grip-core/internal/reqcache"
)

// CacheEntry is a single cached fetch result, keyed externally by request
// fingerprint (spec.md §6.3).
type CacheEntry = reqcache.Entry

// Cache is the contract an async tap consults before issuing a fetch.
// Any implementation respecting LRU and TTL semantics suffices; a
// process-global or per-tap instance may be provided (spec.md §6.3).
type Cache interface {
	Get(key string) (CacheEntry, bool)
	Set(key string, e CacheEntry)
	Delete(key string)
}

// NewCache returns the default shared LRU+TTL cache implementation, bounded
// to capacity distinct request keys (DefaultCacheCapacity if capacity<=0).
func NewCache(capacity int) Cache {
	return reqcache.New(capacity)
}

// DefaultCacheCapacity is the bound used when Options.Cache is nil and no
// explicit capacity is configured.
const DefaultCacheCapacity = reqcache.DefaultCapacity

// cacheFresh reports whether e is still within its TTL as of now.
func cacheFresh(e CacheEntry, now time.Time) bool {
	return e.Fresh(now)
}
