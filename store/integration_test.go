package store

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

// openTestStore opens a fresh in-memory SQLite database with the embedded
// migrations applied, mirroring how cmd/substrate/main.go opens the real
// store — a real handle rather than a mocked query layer, since most of
// these tests exercise SQL behavior (constraints, cycle checks, upserts).
func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := substrateconfig.StoreConfig{
		DSN:             ":memory:",
		IntegrityOnOpen: false,
	}
	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPattern(id string) *pattern.Pattern {
	now := time.Now()
	return &pattern.Pattern{
		ID:         id,
		Kind:       pattern.KindGOAP,
		Name:       "name-" + id,
		Conditions: map[string]any{"ready": true},
		Actions:    []string{"write_code", "run_tests"},
		SuccessCriteria: pattern.SuccessCriteria{
			MinCompletion: 0.9,
			MaxError:      0.1,
		},
		Confidence: 0.5,
		Created:    now,
		LastUsed:   now,
	}
}

func TestPutGetListDeletePattern(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := testPattern("p1")
	require.NoError(t, s.PutPattern(ctx, p))

	got, err := s.GetPattern(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Actions, got.Actions)
	assert.Equal(t, p.SuccessCriteria, got.SuccessCriteria)

	p2 := testPattern("p2")
	p2.Kind = pattern.KindVerification
	require.NoError(t, s.PutPattern(ctx, p2))

	list, err := s.ListPatterns(ctx, pattern.KindGOAP, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].ID)

	all, err := s.ListPatterns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeletePattern(ctx, "p1"))
	_, err = s.GetPattern(ctx, "p1")
	assert.ErrorIs(t, err, core.ErrPatternNotFound)
}

func TestPutPatternRejectsOutOfRangeConfidence(t *testing.T) {
	s := openTestStore(t)
	p := testPattern("bad")
	p.Confidence = 1.5
	err := s.PutPattern(context.Background(), p)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestPutPatternRejectsCyclicSupersedes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testPattern("a")
	b := testPattern("b")
	require.NoError(t, s.PutPattern(ctx, a))
	require.NoError(t, s.PutPattern(ctx, b))

	a.SupersededBy = "b"
	require.NoError(t, s.PutPattern(ctx, a))

	b.SupersededBy = "a"
	err := s.PutPattern(ctx, b)
	assert.ErrorIs(t, err, core.ErrCyclicSupersedes)
}

func TestListPatternsExcludesSuperseded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testPattern("old")
	replacement := testPattern("new")
	require.NoError(t, s.PutPattern(ctx, replacement))
	require.NoError(t, s.PutPattern(ctx, old))

	old.SupersededBy = "new"
	require.NoError(t, s.PutPattern(ctx, old))

	list, err := s.ListPatterns(ctx, pattern.KindGOAP, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].ID)
}

func testPlan(id string) *pattern.Plan {
	return &pattern.Plan{
		ID:                id,
		Actions:           []string{"write_code", "run_tests"},
		TotalCost:         3.5,
		EstimatedDuration: 120,
		Confidence:        0.8,
		CurrentState:      map[string]any{"code_written": false},
		GoalState:         map[string]any{"tests_passing": true},
		Method:            pattern.MethodAStar,
		CreatedAt:         time.Now(),
	}
}

func TestPutGetRetirePlan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := testPlan("plan1")
	require.NoError(t, s.PutPlan(ctx, p))

	got, err := s.GetPlan(ctx, "plan1")
	require.NoError(t, err)
	assert.Equal(t, p.Actions, got.Actions)
	assert.Equal(t, p.CurrentState, got.CurrentState)
	assert.False(t, got.Retired)

	require.NoError(t, s.RetirePlan(ctx, "plan1"))
	got, err = s.GetPlan(ctx, "plan1")
	require.NoError(t, err)
	assert.True(t, got.Retired)
}

func TestGetPlanNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetPlan(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrPlanNotFound)
}

func TestPutOutcomeEnforcesOnePerPlan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := testPlan("plan-outcome")
	require.NoError(t, s.PutPlan(ctx, p))

	o := &pattern.ExecutionOutcome{
		PlanID:        p.ID,
		Success:       true,
		AchievedGoal:  true,
		ActualCost:    3.0,
		EstimatedCost: p.TotalCost,
		Timestamp:     time.Now(),
	}
	require.NoError(t, s.PutOutcome(ctx, o))

	// A second outcome for the same plan must fail: the PRIMARY KEY on
	// plan_id is the enforcement mechanism for the "at most one terminal
	// outcome" invariant.
	err := s.PutOutcome(ctx, o)
	assert.Error(t, err)
}

func TestPutOutcomeUpdatesActionPerformance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := testPlan("plan-perf")
	require.NoError(t, s.PutPlan(ctx, p))

	o := &pattern.ExecutionOutcome{
		PlanID:        p.ID,
		Success:       true,
		AchievedGoal:  true,
		ActualCost:    4.0,
		EstimatedCost: p.TotalCost,
		DurationMS:    200,
		Timestamp:     time.Now(),
	}
	require.NoError(t, s.PutOutcome(ctx, o))

	contextHash := stateContextHash(p.CurrentState)
	perf, ok, err := s.GetActionPerformance(ctx, "write_code", contextHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, perf.Invocations)
	assert.InDelta(t, 2.0, perf.AvgCost, 1e-9, "actual cost splits evenly across the plan's two actions")
	assert.InDelta(t, 100.0, perf.AvgDuration, 1e-9)
	assert.InDelta(t, 1.0, perf.SuccessRate, 1e-9)

	// A second plan over the same state folds into the running averages.
	p2 := testPlan("plan-perf-2")
	require.NoError(t, s.PutPlan(ctx, p2))
	o2 := &pattern.ExecutionOutcome{
		PlanID:        p2.ID,
		Success:       false,
		ActualCost:    8.0,
		EstimatedCost: p2.TotalCost,
		DurationMS:    400,
		Timestamp:     time.Now(),
	}
	require.NoError(t, s.PutOutcome(ctx, o2))

	perf, ok, err = s.GetActionPerformance(ctx, "write_code", contextHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, perf.Invocations)
	assert.InDelta(t, 3.0, perf.AvgCost, 1e-9)
	assert.InDelta(t, 0.5, perf.SuccessRate, 1e-9)

	list, err := s.ListActionPerformance(ctx, "write_code")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestTruthScorePredictionInsertResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertTruthScorePrediction(ctx, "task-1", "coder", "go", 0.88)
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, s.ResolveTruthScorePrediction(ctx, id, 0.86))

	var row struct {
		Predicted float64 `db:"predicted"`
		Actual    float64 `db:"actual"`
		Error     float64 `db:"error"`
	}
	require.NoError(t, s.db.GetContext(ctx, &row,
		`SELECT predicted, actual, error FROM truth_score_predictions WHERE id = ?`, id))
	assert.InDelta(t, 0.88, row.Predicted, 1e-9)
	assert.InDelta(t, 0.86, row.Actual, 1e-9)
	assert.InDelta(t, -0.02, row.Error, 1e-9)
}

func TestPutGetHeuristic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h := &pattern.HeuristicEntry{
		StateHash:   "state1",
		GoalHash:    "goal1",
		Estimated:   5.0,
		Actual:      4.5,
		Error:       0.5,
		Encounters:  1,
		AvgError:    0.5,
		Confidence:  0.6,
		FirstSeen:   time.Now(),
		LastUpdated: time.Now(),
	}
	require.NoError(t, s.PutHeuristic(ctx, h))

	got, ok, err := s.GetHeuristic(ctx, "state1", "goal1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.Estimated, got.Estimated)

	h.Encounters = 2
	h.AvgError = 0.4
	require.NoError(t, s.PutHeuristic(ctx, h))
	got, ok, err = s.GetHeuristic(ctx, "state1", "goal1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Encounters)

	_, ok, err = s.GetHeuristic(ctx, "nope", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPatternLinkCRUDAndCycleRejection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testPattern("link-a")
	b := testPattern("link-b")
	c := testPattern("link-c")
	require.NoError(t, s.PutPattern(ctx, a))
	require.NoError(t, s.PutPattern(ctx, b))
	require.NoError(t, s.PutPattern(ctx, c))

	l1 := &pattern.PatternLink{Src: "link-a", Dst: "link-b", Relation: pattern.LinkFollows, Weight: 0.5, CreatedAt: time.Now()}
	require.NoError(t, s.PutPatternLink(ctx, l1))

	l2 := &pattern.PatternLink{Src: "link-b", Dst: "link-c", Relation: pattern.LinkFollows, Weight: 0.7, CreatedAt: time.Now()}
	require.NoError(t, s.PutPatternLink(ctx, l2))

	links, err := s.ListPatternLinks(ctx, "link-a")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "link-b", links[0].Dst)

	// link-c -> link-a would close a cycle a -> b -> c -> a.
	cyclic := &pattern.PatternLink{Src: "link-c", Dst: "link-a", Relation: pattern.LinkFollows, Weight: 0.1, CreatedAt: time.Now()}
	err = s.PutPatternLink(ctx, cyclic)
	assert.ErrorIs(t, err, core.ErrCyclicSupersedes)

	require.NoError(t, s.DeletePatternLink(ctx, "link-a", "link-b", pattern.LinkFollows))
	links, err = s.ListPatternLinks(ctx, "link-a")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestPatternLinkRejectsSelfEdge(t *testing.T) {
	s := openTestStore(t)
	l := &pattern.PatternLink{Src: "self", Dst: "self", Relation: pattern.LinkSimilar, Weight: 1, CreatedAt: time.Now()}
	err := s.PutPatternLink(context.Background(), l)
	assert.ErrorIs(t, err, core.ErrCyclicSupersedes)
}

func TestVerificationOutcomeRecomputesAgentReliability(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := &pattern.VerificationOutcome{
		AgentID:         "agent1",
		TaskID:          "t1",
		Timestamp:       time.Now(),
		Passed:          true,
		TruthScore:      0.9,
		Threshold:       0.75,
		ComponentScores: map[string]float64{"compile": 1.0},
		FileType:        "go",
	}
	base.ID = "v1"
	require.NoError(t, s.PutVerificationOutcome(ctx, base))

	rel, err := s.GetAgentReliability(ctx, "agent1")
	require.NoError(t, err)
	assert.Equal(t, 1, rel.Total)
	assert.Equal(t, 1, rel.Success)
	assert.Equal(t, 1.0, rel.Reliability)
	assert.False(t, rel.Quarantined)

	for i := 0; i < 6; i++ {
		fail := &pattern.VerificationOutcome{
			ID:              "vfail" + string(rune('a'+i)),
			AgentID:         "agent1",
			TaskID:          "t-fail",
			Timestamp:       time.Now(),
			Passed:          false,
			TruthScore:      0.1,
			Threshold:       0.75,
			ComponentScores: map[string]float64{"compile": 0},
			FileType:        "go",
		}
		require.NoError(t, s.PutVerificationOutcome(ctx, fail))
	}

	rel, err = s.GetAgentReliability(ctx, "agent1")
	require.NoError(t, err)
	assert.Equal(t, 7, rel.Total)
	assert.True(t, rel.Quarantined, "reliability should drop below the quarantine floor after repeated failures")
}

func TestGetAgentReliabilityDefaultsOnMiss(t *testing.T) {
	s := openTestStore(t)
	rel, err := s.GetAgentReliability(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, 0, rel.Total)
	assert.Equal(t, pattern.TrendStable, rel.Trend)
}

func TestAdaptiveThresholdPutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetAdaptiveThreshold(ctx, "coder", "go")
	require.NoError(t, err)
	assert.False(t, ok)

	th := &pattern.AdaptiveThreshold{
		AgentType:        "coder",
		FileType:         "go",
		Threshold:        0.75,
		AdjustmentFactor: 0.1,
		SampleCount:      1,
		LastAdjusted:     time.Now(),
	}
	require.NoError(t, s.PutAdaptiveThreshold(ctx, th))

	got, ok, err := s.GetAdaptiveThreshold(ctx, "coder", "go")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.75, got.Threshold)
}

func TestMemoryEntryPutGetExpiryDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &pattern.MemoryEntry{Namespace: "ns", Key: "k1", Value: "v1"}
	require.NoError(t, s.PutMemoryEntry(ctx, e))

	got, ok, err := s.GetMemoryEntry(ctx, "ns", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", got.Value)
	assert.Equal(t, 1, got.AccessCount)

	require.NoError(t, s.DeleteMemoryEntry(ctx, "ns", "k1"))
	_, ok, err = s.GetMemoryEntry(ctx, "ns", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEntryExpiresByTTL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &pattern.MemoryEntry{Namespace: "ns", Key: "expiring", Value: "v", TTL: 1}
	require.NoError(t, s.PutMemoryEntry(ctx, e))

	time.Sleep(1100 * time.Millisecond)

	_, ok, err := s.GetMemoryEntry(ctx, "ns", "expiring")
	require.NoError(t, err)
	assert.False(t, ok, "a TTL already in the past must read back as absent")
}

func TestTaskTrajectoryPutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tr := &pattern.TaskTrajectory{
		TaskID:    "task1",
		AgentID:   "agent1",
		Query:     "implement feature X",
		StartedAt: time.Now(),
	}
	require.NoError(t, s.PutTaskTrajectory(ctx, tr))

	got, err := s.GetTaskTrajectory(ctx, "task1")
	require.NoError(t, err)
	assert.Equal(t, "implement feature X", got.Query)

	_, err = s.GetTaskTrajectory(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrPatternNotFound)
}

func TestAppendMetricSample(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendMetricSample(context.Background(), &pattern.MetricSample{
		MetricName: "plan_latency_ms",
		Value:      42,
		Timestamp:  time.Now(),
		Component:  "goap",
		Tags:       map[string]string{"outcome": "success"},
	})
	assert.NoError(t, err)
}

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	s.readOnly.Store(true)

	err := s.PutPattern(context.Background(), testPattern("ro"))
	assert.ErrorIs(t, err, core.ErrStoreCorrupt)
}
