package neural

import (
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"
)

// styleHints force variety at the generator when a prompt would otherwise
// repeat verbatim.
var styleHints = []string{
	"make it a one-liner",
	"keep it wholesome",
	"make it absurd",
	"use wordplay",
	"make it about streaming",
}

type cacheEntry struct {
	value      string
	insertedAt time.Time
	expiresAt  time.Time
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits    int
	Misses  int
	HitRate float64
	Users   int
	Entries int
}

// CacheConfig configures a ResponseCache. Zero values take defaults.
type CacheConfig struct {
	TTL     time.Duration // default 5m
	MaxSize int           // default 100
	Now     func() time.Time
}

// ResponseCache is a short-TTL cache for cheap, high-variety content such as
// jokes. Keys rotate automatically every three requests per (user, prompt)
// or every five minutes, whichever comes first, so callers get controlled
// repetition without caching generic chat replies.
type ResponseCache struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu       sync.Mutex
	entries  map[string]cacheEntry
	counters map[string]map[string]int // userID -> basePrompt -> calls
	hits     int
	misses   int
}

// NewResponseCache creates a ResponseCache from cfg.
func NewResponseCache(cfg CacheConfig) *ResponseCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ResponseCache{
		ttl:      cfg.TTL,
		maxSize:  cfg.MaxSize,
		now:      cfg.Now,
		entries:  make(map[string]cacheEntry),
		counters: make(map[string]map[string]int),
	}
}

// NextVariant composes the cache key for the caller's next request and bumps
// the per-(user, prompt) counter. The key embeds counter/3 and a five-minute
// time bucket, so it changes after three calls or five minutes.
func (c *ResponseCache) NextVariant(userID, basePrompt string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	byBase, ok := c.counters[userID]
	if !ok {
		byBase = make(map[string]int)
		c.counters[userID] = byBase
	}
	count := byBase[basePrompt]
	byBase[basePrompt] = count + 1

	return basePrompt + "|" + userID + "|v" + strconv.Itoa(count/3) +
		"_" + strconv.FormatInt(c.now().Unix()/300, 10)
}

// Get returns the cached value for key if present and unexpired.
func (c *ResponseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return "", false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key, sweeping expired entries and evicting the
// oldest fifth when the cache is full.
func (c *ResponseCache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = cacheEntry{value: value, insertedAt: now, expiresAt: now.Add(c.ttl)}
}

// evictOldest removes the oldest 20% of entries by insertion time.
// Caller holds c.mu.
func (c *ResponseCache) evictOldest() {
	n := c.maxSize / 5
	if n < 1 {
		n = 1
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].insertedAt.Before(c.entries[keys[j]].insertedAt)
	})
	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(c.entries, k)
	}
}

// Styled appends a random style hint to basePrompt to push the generator
// toward a different answer.
func (c *ResponseCache) Styled(basePrompt string) string {
	return basePrompt + ", " + styleHints[rand.Intn(len(styleHints))]
}

// Stats returns a snapshot of cache effectiveness.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Users:   len(c.counters),
		Entries: len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear drops all entries and counters but keeps hit/miss totals.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.counters = make(map[string]map[string]int)
}
