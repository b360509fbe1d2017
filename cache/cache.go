package cache

import (
	"context"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

// patternStore is the subset of store.Store the Cache writes through to. A
// narrow interface keeps cache_test.go free of a real SQLite file.
type patternStore interface {
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
	PutPattern(ctx context.Context, p *pattern.Pattern) error
}

// Cache is the three-tier pattern cache. Reads check
// L1 -> L2 -> L3 -> Store; a hit at L2 promotes to L1 once its access
// count reaches PromoteThreshold, and every L3 hit is copied into L2.
// Writes go through to Store
// then to L1, and a mutation invalidates the key across every tier before
// returning, so the tiers never disagree on a key's presence.
type Cache struct {
	l1 *lruTier
	l2 *lruTier
	l3 *l3Tier

	store  patternStore
	logger core.Logger

	promoteThreshold int
}

// New builds a Cache from its component config and the Store it writes
// through to. logger may be nil (defaults to a no-op).
func New(cfg substrateconfig.CacheConfig, st patternStore, logger core.Logger) (*Cache, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	l3, err := newL3Tier(cfg.RedisURL, "substrate", cfg.L3Max, logger)
	if err != nil {
		return nil, err
	}
	threshold := cfg.PromoteThreshold
	if threshold <= 0 {
		threshold = 2
	}

	c := &Cache{
		l1:               newLRUTier(cfg.L1Max),
		l2:               newLRUTier(cfg.L2Max),
		l3:               l3,
		store:            st,
		logger:           logger,
		promoteThreshold: threshold,
	}

	// Wire eviction cascades so the three tiers actually form one cache
	// instead of three independent ones: an L1
	// eviction demotes into L2, and an L2 eviction demotes into L3. Without
	// this, entries simply fall out of the cache on eviction and L3 is
	// never written in normal operation.
	c.l1.onEvict = func(key string, p *pattern.Pattern) {
		c.l2.put(key, p)
	}
	c.l2.onEvict = func(key string, p *pattern.Pattern) {
		// Eviction happens off the caller's request path, so there is no
		// caller-supplied context to thread through; background is
		// appropriate for this internal bookkeeping write.
		if err := c.l3.put(context.Background(), key, p); err != nil {
			c.logger.Warn("l3 demotion failed", map[string]interface{}{"pattern_id": key, "error": err.Error()})
		}
	}

	return c, nil
}

// Get retrieves a Pattern by id, checking tiers in order and promoting on
// hit per the access-count gate, falling all the way through to the Store
// on a full miss and seeding L1 there.
func (c *Cache) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	if p, _, ok := c.l1.get(id); ok {
		return p, nil
	}

	if p, accesses, ok := c.l2.get(id); ok {
		if accesses >= c.promoteThreshold {
			c.l1.put(id, p)
		}
		return p, nil
	}

	if p, ok, err := c.l3.get(ctx, id); err != nil {
		return nil, err
	} else if ok {
		c.l2.put(id, p)
		return p, nil
	}

	p, err := c.store.GetPattern(ctx, id)
	if err != nil {
		return nil, err
	}
	c.l1.put(id, p)
	return p, nil
}

// Put writes p through to the Store, then seeds L1. Any stale copies in
// L2/L3 are invalidated first so no tier can answer with a superseded
// value.
func (c *Cache) Put(ctx context.Context, p *pattern.Pattern) error {
	if err := c.invalidate(ctx, p.ID); err != nil {
		return err
	}
	if err := c.store.PutPattern(ctx, p); err != nil {
		return err
	}
	c.l1.put(p.ID, p)
	return nil
}

// Invalidate removes id from every tier atomically with respect to the
// caller — no tier is left holding a value once this returns, so the tiers
// never disagree on a key's presence.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	return c.invalidate(ctx, id)
}

func (c *Cache) invalidate(ctx context.Context, id string) error {
	c.l1.delete(id)
	c.l2.delete(id)
	return c.l3.delete(ctx, id)
}

// Stats is the combined L1/L2/L3 snapshot exposed through hooks.GetStatus.
type Stats struct {
	L1 TierStats `json:"l1"`
	L2 TierStats `json:"l2"`
	L3 TierStats `json:"l3"`
}

// Stats returns the current hit/miss/eviction counters for every tier.
func (c *Cache) Stats() Stats {
	return Stats{L1: c.l1.statsSnapshot(), L2: c.l2.statsSnapshot(), L3: c.l3.statsSnapshot()}
}

// Close releases any external connections (the Redis mirror, if configured).
func (c *Cache) Close() error {
	return c.l3.close()
}
