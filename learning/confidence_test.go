package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

func TestUpdaterApplyRejectsOutOfRangeQuality(t *testing.T) {
	u := NewUpdater()
	p := &pattern.Pattern{ID: "p1", Confidence: 0.5}
	err := u.Apply(p, 1.5, 1, 1)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestUpdaterApplyMovesConfidenceTowardQuality(t *testing.T) {
	u := NewUpdater()
	p := &pattern.Pattern{ID: "p1", Confidence: 0.5, Metrics: pattern.Metrics{Success: 1}}

	require.NoError(t, u.Apply(p, 1.0, 1, 1))
	first := p.Confidence

	for i := 0; i < 20; i++ {
		p.Metrics.Success++
		require.NoError(t, u.Apply(p, 1.0, 1, 1))
	}

	assert.GreaterOrEqual(t, p.Confidence, first, "repeated high-quality observations should not decrease confidence")
	assert.LessOrEqual(t, p.Confidence, 1.0)
	assert.GreaterOrEqual(t, p.Confidence, 0.0)
}

func TestUpdaterApplySerializesPerPatternMoments(t *testing.T) {
	u := NewUpdater()
	p := &pattern.Pattern{ID: "shared", Confidence: 0.2}

	require.NoError(t, u.Apply(p, 0.9, 1, 1))
	m, ok := u.moments["shared"]
	require.True(t, ok)
	assert.Equal(t, 1, m.n)

	require.NoError(t, u.Apply(p, 0.9, 1, 1))
	assert.Equal(t, 2, m.n)
}

func TestUpgradeGeneralizationCrossesThresholds(t *testing.T) {
	p := &pattern.Pattern{Generalization: pattern.GeneralizationSpecific}

	upgradeGeneralization(p, 5, 0.9)
	assert.Equal(t, pattern.GeneralizationSpecific, p.Generalization, "below the 10-sample threshold, no upgrade")

	upgradeGeneralization(p, 10, 0.9)
	assert.Equal(t, pattern.GeneralizationModerate, p.Generalization)

	upgradeGeneralization(p, 50, 0.9)
	assert.Equal(t, pattern.GeneralizationGeneral, p.Generalization)
}

func TestUpgradeGeneralizationRequiresHighSuccessRate(t *testing.T) {
	p := &pattern.Pattern{Generalization: pattern.GeneralizationSpecific}
	upgradeGeneralization(p, 100, 0.5)
	assert.Equal(t, pattern.GeneralizationSpecific, p.Generalization)
}

func TestRecordOutcomeMaintainsUsageCountInvariant(t *testing.T) {
	p := &pattern.Pattern{}

	RecordOutcome(p, pattern.OutcomeSuccess, 100)
	RecordOutcome(p, pattern.OutcomeFailure, 200)
	RecordOutcome(p, pattern.OutcomePartial, 150)

	assert.Equal(t, 1, p.Metrics.Success)
	assert.Equal(t, 1, p.Metrics.Failure)
	assert.Equal(t, 1, p.Metrics.Partial)
	assert.Equal(t, p.Metrics.Success+p.Metrics.Failure+p.Metrics.Partial, p.UsageCount)
	assert.Greater(t, p.Metrics.AvgDuration, 0.0)
}
