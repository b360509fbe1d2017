package goap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

type fakeHeuristicStore struct {
	puts []*pattern.HeuristicEntry
}

func (f *fakeHeuristicStore) GetHeuristic(ctx context.Context, stateHash, goalHash string) (*pattern.HeuristicEntry, bool, error) {
	return nil, false, nil
}

func (f *fakeHeuristicStore) PutHeuristic(ctx context.Context, h *pattern.HeuristicEntry) error {
	f.puts = append(f.puts, h)
	return nil
}

type fakePlanStore struct {
	plans   []*pattern.Plan
	retired []string
}

func (f *fakePlanStore) PutPlan(ctx context.Context, p *pattern.Plan) error {
	f.plans = append(f.plans, p)
	return nil
}

func (f *fakePlanStore) RetirePlan(ctx context.Context, id string) error {
	f.retired = append(f.retired, id)
	return nil
}

type fakeCandidateSubmitter struct {
	submitted []*pattern.Pattern
}

func (f *fakeCandidateSubmitter) Submit(ctx context.Context, candidate *pattern.Pattern, contributorID string) error {
	f.submitted = append(f.submitted, candidate)
	return nil
}

func twoStepDomain(t *testing.T) *Domain {
	t.Helper()
	dom, err := NewDomain([]pattern.Action{
		{
			Name:          "step1",
			Preconditions: `state.a == 0`,
			Effects:       `{"a": 1}`,
			Cost:          1,
			Risk:          pattern.RiskLow,
		},
		{
			Name:          "step2",
			Preconditions: `state.a == 1`,
			Effects:       `{"a": 2}`,
			Cost:          1,
			Risk:          pattern.RiskLow,
		},
	})
	require.NoError(t, err)
	return dom
}

func plannerConfig() substrateconfig.PlannerConfig {
	return substrateconfig.PlannerConfig{
		MaxDepth:          10,
		Timeout:           time.Second,
		RiskFactors:       map[string]float64{"low": 1, "high": 3},
		HeuristicWeights:  map[string]float64{},
		PatternBoostKappa: 2,
	}
}

func TestPlanner_FindsShortestPlan(t *testing.T) {
	dom := twoStepDomain(t)
	hstore := &fakeHeuristicStore{}
	pstore := &fakePlanStore{}
	cand := &fakeCandidateSubmitter{}

	p := NewPlanner(plannerConfig(), dom, nil, Deps{Heuristics: hstore, Plans: pstore, Candidates: cand})

	res, err := p.Plan(context.Background(), pattern.WorldState{"a": 0}, pattern.WorldState{"a": 2}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Plan)
	assert.Equal(t, []string{"step1", "step2"}, res.Plan.Actions)
	assert.Equal(t, 2.0, res.Plan.TotalCost)
	assert.Equal(t, pattern.MethodAStar, res.Plan.Method)
	require.Len(t, pstore.plans, 1)
	assert.Equal(t, res.Plan.ID, pstore.plans[0].ID)
	require.Len(t, cand.submitted, 1, "fast multi-step plan should be offered as a candidate pattern")
}

func TestPlanner_DepthExceeded_ReturnsNoPlanWithDepthReason(t *testing.T) {
	dom := twoStepDomain(t)
	cfg := plannerConfig()
	cfg.MaxDepth = 0

	p := NewPlanner(cfg, dom, nil, Deps{})

	res, err := p.Plan(context.Background(), pattern.WorldState{"a": 0}, pattern.WorldState{"a": 2}, nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, core.ErrNoPlan))
	assert.Contains(t, err.Error(), "depth")
}

func TestPlanner_UnreachableGoal_ExhaustsFrontier(t *testing.T) {
	dom := twoStepDomain(t)
	p := NewPlanner(plannerConfig(), dom, nil, Deps{})

	_, err := p.Plan(context.Background(), pattern.WorldState{"a": 0}, pattern.WorldState{"a": 99}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNoPlan))
	assert.Contains(t, err.Error(), "frontier exhausted")
}

func TestPlanner_PatternBoost_PrefersMatchedPath(t *testing.T) {
	dom := twoStepDomain(t)
	matcher := &fakeMatcher{matches: []PatternMatch{
		{Pattern: &pattern.Pattern{ID: "boost-1", Confidence: 0.9}, Similarity: 0.9},
	}}
	p := NewPlanner(plannerConfig(), dom, matcher, Deps{})

	res, err := p.Plan(context.Background(), pattern.WorldState{"a": 0}, pattern.WorldState{"a": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, pattern.MethodPatternReuse, res.Plan.Method, "every edge pattern-boosted should count as full pattern reuse")
	assert.Equal(t, "boost-1", res.Plan.PatternID, "a pattern-reuse plan records the contributing pattern")
	assert.Greater(t, res.Plan.Confidence, 0.0)
}

func TestPlanner_AlreadyAtGoal_ReturnsEmptyPlan(t *testing.T) {
	dom := twoStepDomain(t)
	p := NewPlanner(plannerConfig(), dom, nil, Deps{})

	res, err := p.Plan(context.Background(), pattern.WorldState{"a": 2}, pattern.WorldState{"a": 2}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Plan.Actions)
	assert.Equal(t, 0.0, res.Plan.TotalCost)
}
