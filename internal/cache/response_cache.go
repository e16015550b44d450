package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ResponseEntry is a memoized model response.
type ResponseEntry struct {
	Value         json.RawMessage
	ModelID       string
	PromptVersion string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

type ResponseCacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// ResponseCache keeps recent model responses in process memory, keyed by a
// Signature of the prompt inputs. Topic classification uses it so repeated
// queries do not reach the text generation service.
type ResponseCache struct {
	mu         sync.RWMutex
	entries    map[string]ResponseEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewResponseCache(config ResponseCacheConfig) *ResponseCache {
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 2000
	}
	return &ResponseCache{
		entries:    make(map[string]ResponseEntry),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *ResponseCache) Get(signature string) (ResponseEntry, bool) {
	c.mu.RLock()
	entry, exists := c.entries[signature]
	c.mu.RUnlock()

	if !exists {
		return ResponseEntry{}, false
	}
	if c.now().After(entry.ExpiresAt) {
		c.mu.Lock()
		delete(c.entries, signature)
		c.mu.Unlock()
		return ResponseEntry{}, false
	}
	return cloneResponse(entry), true
}

func (c *ResponseCache) Set(signature string, entry ResponseEntry) {
	now := c.now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.ttl)
	entry.Value = append([]byte(nil), entry.Value...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[signature]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[signature] = entry
}

func (c *ResponseCache) evictOldestLocked() {
	if len(c.entries) == 0 {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].CreatedAt.Before(c.entries[keys[j]].CreatedAt)
	})
	delete(c.entries, keys[0])
}

func cloneResponse(entry ResponseEntry) ResponseEntry {
	clone := entry
	clone.Value = append([]byte(nil), entry.Value...)
	return clone
}
