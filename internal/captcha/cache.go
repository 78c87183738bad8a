package captcha

import (
	"sync"
	"time"
)

// cacheEntry is one cached token with its expiry.
type cacheEntry struct {
	token   string
	expires time.Time
}

// tokenCache stores solved tokens per challenge key with a TTL.
//
// Eviction is lazy: an expired entry is removed the next time its key is
// looked up. There is no background sweep; the working set is bounded by the
// number of distinct challenge keys a run touches, which is small.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newTokenCache() *tokenCache {
	return &tokenCache{entries: make(map[string]cacheEntry)}
}

// get returns the live token for key, if any. An entry whose expiry is at or
// before now is treated as absent and evicted.
func (c *tokenCache) get(key string, now time.Time) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}
	if !entry.expires.After(now) {
		c.mu.Lock()
		// Re-check under the write lock: another goroutine may have stored a
		// fresh token for the same key in the meantime.
		if cur, ok := c.entries[key]; ok && !cur.expires.After(now) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return "", false
	}
	return entry.token, true
}

// put stores token for key, expiring at now+ttl.
func (c *tokenCache) put(key, token string, now time.Time, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{token: token, expires: now.Add(ttl)}
	c.mu.Unlock()
}

// len reports the number of entries, including any not yet lazily evicted.
func (c *tokenCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
