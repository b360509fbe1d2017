package verification

import (
	"sync"
	"time"

	"github.com/hiveforge/substrate/pattern"
)

// CacheStats mirrors orchestration's routing-cache stats, reported through
// hooks.Hub.GetStatus for the verification predictor's threshold lookups.
type CacheStats struct {
	Size    int
	Hits    int64
	Misses  int64
	HitRate float64
}

type thresholdEntry struct {
	threshold *pattern.AdaptiveThreshold
	expiresAt time.Time
}

// thresholdCache is an in-memory TTL cache over AdaptiveThreshold rows,
// adapted from orchestration's SimpleCache (same hash-key/expiry/eviction
// shape, keyed by agent-type+file-type instead of a hashed prompt — no
// hashing needed since the key space here is small and enumerable).
type thresholdCache struct {
	mu      sync.RWMutex
	items   map[string]*thresholdEntry
	maxSize int
	ttl     time.Duration
	stats   CacheStats
}

func newThresholdCache(maxSize int, ttl time.Duration) *thresholdCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &thresholdCache{items: make(map[string]*thresholdEntry), maxSize: maxSize, ttl: ttl}
}

func thresholdKey(agentType, fileType string) string {
	return agentType + "\x00" + fileType
}

func (c *thresholdCache) get(agentType, fileType string) (*pattern.AdaptiveThreshold, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.items[thresholdKey(agentType, fileType)]
	if !ok || time.Now().After(entry.expiresAt) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	c.updateHitRate()
	return entry.threshold, true
}

func (c *thresholdCache) set(t *pattern.AdaptiveThreshold) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	c.items[thresholdKey(t.AgentType, t.FileType)] = &thresholdEntry{threshold: t, expiresAt: time.Now().Add(c.ttl)}
	c.stats.Size = len(c.items)
}

func (c *thresholdCache) invalidate(agentType, fileType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, thresholdKey(agentType, fileType))
	c.stats.Size = len(c.items)
}

func (c *thresholdCache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.items {
		if oldestAt.IsZero() || e.expiresAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *thresholdCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

func (c *thresholdCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}
