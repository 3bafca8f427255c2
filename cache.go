package activedirectory

import (
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheStats reports resolver cache effectiveness.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
	HitRate float64
}

// objectCache memoizes resolved objects under every identifier they are
// known by, so a lookup by GUID later hits for the same object fetched by
// DN. Backed by an LRU to keep long-lived sessions bounded. Failed
// resolutions are never stored.
type objectCache struct {
	lru    *lru.Cache[string, *Object]
	hits   atomic.Int64
	misses atomic.Int64
}

func newObjectCache(size int) (*objectCache, error) {
	cache, err := lru.New[string, *Object](size)
	if err != nil {
		return nil, fmt.Errorf("create resolver cache: %w", err)
	}

	return &objectCache{lru: cache}, nil
}

// Cache key builders. Each identifier class gets its own prefix so a SAM
// name can never collide with a CN, and textual identifiers are
// case-folded to match directory semantics.
func dnCacheKey(dn string) string {
	return "dn:" + canonicalDNKey(dn)
}

func guidCacheKey(guid string) string {
	return "guid:" + strings.ToLower(guid)
}

func sidCacheKey(sid string) string {
	return "sid:" + strings.ToUpper(sid)
}

func upnCacheKey(upn string) string {
	return "upn:" + strings.ToLower(upn)
}

func samCacheKey(sam string) string {
	return "sam:" + strings.ToLower(sam)
}

// Get looks up an object by one of its cache keys.
func (c *objectCache) Get(key string) (*Object, bool) {
	obj, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}

	return obj, ok
}

// Put stores an object under all identifiers it is known by.
func (c *objectCache) Put(obj *Object) {
	if obj == nil {
		return
	}

	for _, key := range obj.cacheKeys() {
		c.lru.Add(key, obj)
	}
}

// Clear drops all memoized objects. Hit counters survive so long-running
// sessions keep meaningful rates.
func (c *objectCache) Clear() {
	c.lru.Purge()
}

// Stats returns a snapshot of cache counters.
func (c *objectCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Hits:    hits,
		Misses:  misses,
		Entries: c.lru.Len(),
		HitRate: hitRate,
	}
}
