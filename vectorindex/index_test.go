package vectorindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/store"
	"github.com/hiveforge/substrate/substrateconfig"
)

// openTestStore mirrors store's own test helper: a real in-memory SQLite
// database with migrations applied, needed here because Search exercises
// the vector_distance_cos scalar function this package registers against
// modernc.org/sqlite's driver, which a mock connection can't fake.
func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), substrateconfig.StoreConfig{DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePattern(id, name string, actions ...string) *pattern.Pattern {
	now := time.Now()
	return &pattern.Pattern{
		ID:         id,
		Kind:       pattern.KindGOAP,
		Name:       name,
		Conditions: map[string]any{"lang": "go"},
		Actions:    actions,
		Confidence: 0.6,
		Created:    now,
		LastUsed:   now,
	}
}

func TestEmbedIsDeterministicAndNormalized(t *testing.T) {
	p := samplePattern("p1", "deploy-service", "write_code", "run_tests")
	v1 := Embed(p)
	v2 := Embed(p)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, Dims)

	var norm float64
	for _, x := range v1 {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestEmbedDiffersForDifferentContent(t *testing.T) {
	a := samplePattern("a", "deploy-service", "write_code")
	b := samplePattern("b", "rollback-service", "revert_commit")
	assert.NotEqual(t, Embed(a), Embed(b))
}

func TestUpsertGetEmbeddingDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := samplePattern("p1", "deploy-service", "write_code")
	require.NoError(t, s.PutPattern(ctx, p))

	idx := New(s.DB(), s, nil)
	require.NoError(t, idx.Upsert(ctx, p))

	emb, ok, err := idx.GetEmbedding(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Model, emb.Model)
	assert.Len(t, emb.Vector, Dims)

	require.NoError(t, idx.Delete(ctx, "p1"))
	_, ok, err = idx.GetEmbedding(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearchRanksBySimilarityAndFiltersByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	idx := New(s.DB(), s, nil)

	deploy := samplePattern("deploy", "deploy-service", "write_code", "run_tests", "deploy")
	unrelated := samplePattern("unrelated", "unrelated-topic", "noop")
	verificationKind := samplePattern("verify", "deploy-service", "write_code", "run_tests", "deploy")
	verificationKind.Kind = pattern.KindVerification

	for _, p := range []*pattern.Pattern{deploy, unrelated, verificationKind} {
		require.NoError(t, s.PutPattern(ctx, p))
		require.NoError(t, idx.Upsert(ctx, p))
	}

	results, err := idx.Search(ctx, "deploy-service write_code run_tests deploy", pattern.KindGOAP, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "deploy", results[0].Pattern.ID, "the near-identical GOAP pattern should rank first")
	for _, r := range results {
		assert.Equal(t, pattern.KindGOAP, r.Pattern.Kind)
	}
}

func TestSearchSkipsStaleEmbeddingForDeletedPattern(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	idx := New(s.DB(), s, nil)

	p := samplePattern("ghost", "ghost-pattern", "write_code")
	require.NoError(t, s.PutPattern(ctx, p))
	require.NoError(t, idx.Upsert(ctx, p))

	require.NoError(t, s.DeletePattern(ctx, "ghost"))

	results, err := idx.Search(ctx, "ghost-pattern write_code", "", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReconcileOnceReindexesOnlyStalePatterns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	idx := New(s.DB(), s, nil)

	p := samplePattern("stale", "stale-pattern", "write_code")
	require.NoError(t, s.PutPattern(ctx, p))
	require.NoError(t, idx.Upsert(ctx, p))

	n, err := idx.ReconcileOnce(ctx, pattern.KindGOAP)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "an embedding freshly upserted is not stale")

	p.LastUsed = time.Now().Add(time.Hour)
	p.Actions = append(p.Actions, "deploy")
	require.NoError(t, s.PutPattern(ctx, p))

	n, err = idx.ReconcileOnce(ctx, pattern.KindGOAP)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
