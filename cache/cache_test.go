package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

type fakeStore struct {
	patterns map[string]*pattern.Pattern
	gets     int
}

func newFakeStore() *fakeStore { return &fakeStore{patterns: map[string]*pattern.Pattern{}} }

func (f *fakeStore) GetPattern(ctx context.Context, id string) (*pattern.Pattern, error) {
	f.gets++
	p, ok := f.patterns[id]
	if !ok {
		return nil, core.NewError("fakeStore.GetPattern", "not_found", core.ErrPatternNotFound)
	}
	return p, nil
}

func (f *fakeStore) PutPattern(ctx context.Context, p *pattern.Pattern) error {
	f.patterns[p.ID] = p
	return nil
}

func testPattern(id string) *pattern.Pattern {
	return &pattern.Pattern{ID: id, Kind: pattern.KindCoordination, Name: id, Confidence: 0.9, Created: time.Now(), LastUsed: time.Now()}
}

// TestCachePromotion covers the full promotion lifecycle: a fresh cache miss is
// served from the Store and seeded into L1; an L1 eviction demotes into L2
// rather than being dropped; repeated L2 hits promote back to L1 once the
// access-count threshold is reached.
func TestCachePromotion(t *testing.T) {
	fs := newFakeStore()
	p1 := testPattern("p1")
	other := testPattern("other")
	fs.patterns[p1.ID] = p1
	fs.patterns[other.ID] = other

	// L1Max:1 forces the very next distinct Get to evict p1 out of L1,
	// standing in for hundreds of unique reads at test scale.
	cfg := substrateconfig.CacheConfig{L1Max: 1, L2Max: 10, L3Max: 10, PromoteThreshold: 2}
	c, err := New(cfg, fs, nil)
	require.NoError(t, err)

	got, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, 1, fs.gets, "store should be consulted once on a full miss")

	_, err = c.Get(context.Background(), "other")
	require.NoError(t, err)

	assert.Equal(t, 1, c.l2.size(), "evicting p1 out of L1 should demote it into L2, not drop it")

	got, err = c.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	_, _, inL1 := c.l1.get("p1")
	assert.False(t, inL1, "single L2 access should not yet promote")

	got, err = c.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	_, _, inL1Now := c.l1.get("p1")
	assert.True(t, inL1Now, "second L2 access should promote per promote_threshold")

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.L2.Hits, int64(1))
	assert.Equal(t, 2, fs.gets, "neither p1's L2 round-trip nor its promotion should re-consult the Store")
}

// TestCacheEvictionCascadesThroughAllThreeTiers exercises the full L1 -> L2
// -> L3 demotion chain purely through Get/Put, proving L3 is actually
// reachable in normal operation rather than dead code.
func TestCacheEvictionCascadesThroughAllThreeTiers(t *testing.T) {
	fs := newFakeStore()
	p1, p2, p3 := testPattern("p1"), testPattern("p2"), testPattern("p3")
	fs.patterns[p1.ID], fs.patterns[p2.ID], fs.patterns[p3.ID] = p1, p2, p3

	cfg := substrateconfig.CacheConfig{L1Max: 1, L2Max: 1, L3Max: 10, PromoteThreshold: 2}
	c, err := New(cfg, fs, nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "p1") // miss -> Store -> L1: [p1]
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "p2") // miss -> Store -> L1 evicts p1 into L2; L1: [p2], L2: [p1]
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "p3") // miss -> Store -> L1 evicts p2 into L2, which evicts p1 into L3
	require.NoError(t, err)
	require.Equal(t, 3, fs.gets)

	got, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, 3, fs.gets, "p1 should be served from L3, not the Store")

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.L3.Hits, int64(1))
}

func TestCacheInvalidationAcrossTiers(t *testing.T) {
	fs := newFakeStore()
	cfg := substrateconfig.CacheConfig{L1Max: 10, L2Max: 10, L3Max: 10, PromoteThreshold: 2}
	c, err := New(cfg, fs, nil)
	require.NoError(t, err)

	p := testPattern("p2")
	require.NoError(t, c.Put(context.Background(), p))

	_, _, inL1 := c.l1.get("p2")
	assert.True(t, inL1)

	require.NoError(t, c.Invalidate(context.Background(), "p2"))
	_, _, present := c.l1.get("p2")
	assert.False(t, present)
	_, _, present2 := c.l2.get("p2")
	assert.False(t, present2)
}
