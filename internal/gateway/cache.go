package gateway

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"
)

type cacheEntry struct {
	payload   json.RawMessage
	expiresAt time.Time
}

// responseCache is a TTL cache for GET responses, keyed by endpoint plus
// canonically sorted query parameters so equivalent requests share an
// entry regardless of parameter order.
type responseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newResponseCache() *responseCache {
	return &responseCache{
		entries: make(map[string]cacheEntry),
	}
}

// cacheKey builds the canonical key. url.Values.Encode sorts by key.
func cacheKey(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

func (c *responseCache) get(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.payload, true
}

const cachePruneSize = 4096

func (c *responseCache) set(key string, payload json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	if len(c.entries) >= cachePruneSize {
		c.pruneLocked()
	}
	c.entries[key] = cacheEntry{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
}

func (c *responseCache) pruneLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
