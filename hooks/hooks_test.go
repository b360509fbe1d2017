package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/substrate/cache"
	"github.com/hiveforge/substrate/learning"
	"github.com/hiveforge/substrate/verification"
)

type fakeCacheStatter struct{ stats cache.Stats }

func (f fakeCacheStatter) Stats() cache.Stats { return f.stats }

type fakePipelineStater struct{ state learning.State }

func (f fakePipelineStater) State() learning.State { return f.state }

type fakeVoterRoster struct{ nodes []string }

func (f fakeVoterRoster) ActiveNodes() []string { return f.nodes }

type fakeAggregatorCounter struct{ rejected int }

func (f fakeAggregatorCounter) RejectedCount() int { return f.rejected }

type fakeVerificationCacher struct{ stats verification.CacheStats }

func (f fakeVerificationCacher) CacheStats() verification.CacheStats { return f.stats }

func TestGetStatusAggregatesEveryWiredComponent(t *testing.T) {
	h := New(Deps{
		Cache:      fakeCacheStatter{stats: cache.Stats{L1: cache.TierStats{Hits: 3}}},
		Pipeline:   fakePipelineStater{state: learning.StateBuffering},
		Voter:      fakeVoterRoster{nodes: []string{"n1", "n2"}},
		Aggregator: fakeAggregatorCounter{rejected: 2},
		Predictor:  fakeVerificationCacher{stats: verification.CacheStats{Hits: 5}},
	})

	st := h.GetStatus(context.Background())
	assert.Equal(t, "buffering", st.PipelineState)
	assert.Equal(t, 2, st.ActiveConsensusNodes)
	assert.Equal(t, 2, st.AggregatorRejected)
	assert.Equal(t, int64(3), st.Cache.L1.Hits)
	assert.Equal(t, int64(5), st.VerificationCache.Hits)
}

func TestGetStatusToleratesUnwiredComponents(t *testing.T) {
	h := New(Deps{})
	st := h.GetStatus(context.Background())
	assert.Equal(t, "", st.PipelineState)
	assert.Equal(t, 0, st.ActiveConsensusNodes)
}

func TestOnAlertDeliversAndUnsubscribes(t *testing.T) {
	h := New(Deps{})

	var received []Alert
	unsubscribe := h.OnAlert(func(a Alert) { received = append(received, a) })

	h.FireStoreCorrupt("integrity_check returned not ok")
	require.Len(t, received, 1)
	assert.Equal(t, AlertStoreCorrupt, received[0].Kind)
	assert.False(t, received[0].Timestamp.IsZero())

	unsubscribe()
	h.FireMemoryHigh(0.95)
	assert.Len(t, received, 1, "callback must not fire after unsubscribe")
}

func TestFireByzantineFaultCarriesFlaggedAndQuarantined(t *testing.T) {
	h := New(Deps{})
	var got Alert
	h.OnAlert(func(a Alert) { got = a })

	h.FireByzantineFault("proposal-1", []string{"n5"}, []string{"n5"})
	assert.Equal(t, AlertByzantineFault, got.Kind)
	assert.Equal(t, []string{"n5"}, got.Fields["flagged"])
	assert.Equal(t, []string{"n5"}, got.Fields["quarantined"])
}
