package template

import (
	"sync"
	"time"
)

// Cache is a TTL cache over loaded templates. Instances are created
// explicitly and injected; there is no package-level cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	tmpl      *Template
	expiresAt time.Time
}

// NewCache creates a Cache whose entries expire ttl after they are set.
// A non-positive ttl disables expiry.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached template, or nil if absent or expired.
func (c *Cache) Get(name string) *Template {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Recheck under the write lock; a Set may have raced the expiry.
		if cur, ok := c.entries[name]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, name)
		}
		c.mu.Unlock()
		return nil
	}
	return entry.tmpl
}

// Set stores the template under its name.
func (c *Cache) Set(tmpl *Template) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[tmpl.Name] = cacheEntry{tmpl: tmpl, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
