package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

type fakeCacheWriter struct {
	puts []*pattern.Pattern
}

func (f *fakeCacheWriter) Put(ctx context.Context, p *pattern.Pattern) error {
	f.puts = append(f.puts, p)
	return nil
}

func approvingVoter(t *testing.T, n int) *Voter {
	t.Helper()
	requester := &fakeVoteRequester{byNode: map[string]scriptedVote{}}
	cfg := voterConfig()
	cfg.MinNodes = n
	v := NewVoter(cfg, requester, nil)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		v.Register(id, 0.9)
		requester.byNode[id] = scriptedVote{vote: pattern.Vote{Choice: pattern.VoteApprove, Confidence: 0.9}}
	}
	return v
}

func aggregatorConfig() substrateconfig.AggregatorConfig {
	return substrateconfig.AggregatorConfig{MinContributors: 2, MinConsensus: 0.67, ConflictThreshold: 0.15}
}

func TestAggregator_AggregatesOnceMinContributorsReached(t *testing.T) {
	v := approvingVoter(t, 3)
	cw := &fakeCacheWriter{}
	agg := NewAggregator(aggregatorConfig(), v, cw, nil)

	p1 := &pattern.Pattern{Name: "Deploy Flow", Kind: pattern.KindCoordination, Confidence: 0.8, Metrics: pattern.Metrics{Success: 8, Failure: 2}}
	p2 := &pattern.Pattern{Name: "deploy flow", Kind: pattern.KindCoordination, Confidence: 0.82, Metrics: pattern.Metrics{Success: 9, Failure: 1}}

	require.NoError(t, agg.Submit(context.Background(), p1, "worker-1"))
	require.NoError(t, agg.Submit(context.Background(), p2, "worker-2"))

	require.Len(t, cw.puts, 1, "reaching min_contributors should aggregate and persist immediately")
	merged := cw.puts[0]
	assert.Equal(t, pattern.KindCoordination, merged.Kind)
	assert.Greater(t, merged.Confidence, 0.8)
}

func TestAggregator_RejectedCandidateIsNotPersisted(t *testing.T) {
	requester := &fakeVoteRequester{byNode: map[string]scriptedVote{
		"a": {vote: pattern.Vote{Choice: pattern.VoteReject, Confidence: 0.9}},
		"b": {vote: pattern.Vote{Choice: pattern.VoteReject, Confidence: 0.9}},
		"c": {vote: pattern.Vote{Choice: pattern.VoteReject, Confidence: 0.9}},
	}}
	cfg := voterConfig()
	v := NewVoter(cfg, requester, nil)
	v.Register("a", 0.9)
	v.Register("b", 0.9)
	v.Register("c", 0.9)

	cw := &fakeCacheWriter{}
	agg := NewAggregator(aggregatorConfig(), v, cw, nil)

	p1 := &pattern.Pattern{Name: "Flaky", Kind: pattern.KindGOAP, Confidence: 0.5}
	p2 := &pattern.Pattern{Name: "flaky", Kind: pattern.KindGOAP, Confidence: 0.5}

	require.NoError(t, agg.Submit(context.Background(), p1, "worker-1"))
	require.NoError(t, agg.Submit(context.Background(), p2, "worker-2"))

	assert.Empty(t, cw.puts)
	assert.Equal(t, 1, agg.RejectedCount())
}

func TestAggregator_ConflictResolution_HighestSuccessWins(t *testing.T) {
	v := approvingVoter(t, 3)
	cw := &fakeCacheWriter{}
	agg := NewAggregator(aggregatorConfig(), v, cw, nil)

	low := &pattern.Pattern{Name: "Route", Kind: pattern.KindCoordination, Confidence: 0.8, Actions: []string{"low-path"}, Metrics: pattern.Metrics{Success: 2, Failure: 8}}
	high := &pattern.Pattern{Name: "route", Kind: pattern.KindCoordination, Confidence: 0.8, Actions: []string{"high-path"}, Metrics: pattern.Metrics{Success: 9, Failure: 1}}

	require.NoError(t, agg.Submit(context.Background(), low, "worker-1"))
	require.NoError(t, agg.Submit(context.Background(), high, "worker-2"))

	require.Len(t, cw.puts, 1)
	assert.Equal(t, []string{"high-path"}, cw.puts[0].Actions)
}

func TestSignatureOf_NormalizesNameCase(t *testing.T) {
	a := signatureOf(&pattern.Pattern{Name: "Deploy Flow", Kind: pattern.KindCoordination})
	b := signatureOf(&pattern.Pattern{Name: "  deploy flow ", Kind: pattern.KindCoordination})
	assert.Equal(t, a, b)
}

func TestCollectiveConfidence_CapsBonusAtPointTwo(t *testing.T) {
	many := make([]float64, 10)
	for i := range many {
		many[i] = 0.5
	}
	assert.InDelta(t, 0.7, collectiveConfidence(many), 1e-9)
}
