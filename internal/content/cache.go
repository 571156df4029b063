package content

import (
	"context"
	"sync"
	"time"

	"github.com/vandermeer/talespinner/internal/observe"
)

// Cache is an in-memory content cache with per-type TTLs and least-used
// eviction. Safe for concurrent use.
type Cache struct {
	settings Settings
	metrics  *observe.Metrics
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	byType  map[Type]map[string]struct{}
}

// NewCache returns an empty cache. Zero-value settings fall back to
// DefaultSettings; metrics may be nil for callers that do not report.
func NewCache(settings Settings, metrics *observe.Metrics, now func() time.Time) *Cache {
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		settings: settings,
		metrics:  metrics,
		now:      now,
		entries:  make(map[string]*Entry),
		byType:   make(map[Type]map[string]struct{}),
	}
}

// Get returns the entry at key, or nil. Expired entries are still returned;
// callers decide whether staleness matters. Each lookup counts as an access.
func (c *Cache) Get(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry.LastAccessed = c.now()
	entry.AccessCount++
	return entry
}

// Put stores value at key, evicting the least-used entry when the cache is
// full. A zero ttl uses the per-type default.
func (c *Cache) Put(key string, value any, typ Type, contextHash string, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = c.settings.ttlFor(typ)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.settings.MaxEntries {
		c.evictLocked()
	}
	if old, exists := c.entries[key]; exists {
		delete(c.byType[old.Type], key)
	} else {
		c.gaugeAdd(1)
	}

	now := c.now()
	c.entries[key] = &Entry{
		Key:          key,
		Type:         typ,
		Value:        value,
		ContextHash:  contextHash,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
		Tags:         tags,
	}
	if c.byType[typ] == nil {
		c.byType[typ] = make(map[string]struct{})
	}
	c.byType[typ][key] = struct{}{}
}

// Delete removes the entry at key, reporting whether it existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key)
}

func (c *Cache) deleteLocked(key string) bool {
	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	delete(c.byType[entry.Type], key)
	c.gaugeAdd(-1)
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gaugeAdd(-int64(len(c.entries)))
	c.entries = make(map[string]*Entry)
	c.byType = make(map[Type]map[string]struct{})
}

// ByType returns the non-expired entries of one content type.
func (c *Cache) ByType(typ Type) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []*Entry
	for key := range c.byType[typ] {
		if entry := c.entries[key]; entry != nil && !entry.Expired(now) {
			out = append(out, entry)
		}
	}
	return out
}

// CleanupExpired drops expired entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var expired []string
	for key, entry := range c.entries {
		if entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.deleteLocked(key)
	}
	return len(expired)
}

// Len returns the current number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked removes the entry with the fewest accesses, breaking ties by
// oldest last access.
func (c *Cache) evictLocked() {
	var victim string
	var victimEntry *Entry
	for key, entry := range c.entries {
		if victimEntry == nil ||
			entry.AccessCount < victimEntry.AccessCount ||
			(entry.AccessCount == victimEntry.AccessCount && entry.LastAccessed.Before(victimEntry.LastAccessed)) {
			victim, victimEntry = key, entry
		}
	}
	if victimEntry != nil {
		c.deleteLocked(victim)
	}
}

func (c *Cache) gaugeAdd(delta int64) {
	if c.metrics != nil {
		c.metrics.CacheEntries.Add(context.Background(), delta)
	}
}
