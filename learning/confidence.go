package learning

import (
	"math"
	"sync"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// patternMoments tracks the running mean/variance/sample-count the Bayesian
// update needs per pattern. Kept in the Updater rather than on
// pattern.Pattern itself since it is update-machinery state, not part of
// the persisted record's public shape.
type patternMoments struct {
	mean     float64
	variance float64
	n        int
}

// Updater performs the Bayesian confidence update. Updates to the moments
// map are serialized by one Updater-wide mutex; the Pattern itself is
// written outside that lock.
type Updater struct {
	mu      sync.Mutex
	moments map[string]*patternMoments
}

// NewUpdater creates an empty Updater.
func NewUpdater() *Updater {
	return &Updater{moments: make(map[string]*patternMoments)}
}

// Apply updates p in place given an observed outcome quality q ∈ [0,1] and
// the actual/avg cost for cost-reliability, atomically per pattern — the
// caller must hold whatever store-level lock guards persistence; Apply
// itself only guards its own in-memory moments map.
func (u *Updater) Apply(p *pattern.Pattern, q float64, actualCost, avgCost float64) error {
	if q < 0 || q > 1 {
		return core.NewError("learning.Updater.Apply", "validation", core.ErrInvalidConfiguration)
	}

	u.mu.Lock()
	m, ok := u.moments[p.ID]
	if !ok {
		m = &patternMoments{mean: p.Confidence}
		u.moments[p.ID] = m
	}
	n := m.n
	alpha := 1.0 / float64(n+1)
	newMean := alpha*q + (1-alpha)*m.mean
	newVariance := alpha*(q-newMean)*(q-newMean) + (1-alpha)*m.variance
	m.mean = newMean
	m.variance = newVariance
	m.n = n + 1
	u.mu.Unlock()

	successRate := successRateFromMetrics(p.Metrics)
	costReliability := 1 - math.Sqrt(newVariance)/math.Max(1e-9, avgCost)
	if costReliability < 0 {
		costReliability = 0
	}

	confidence := 0.7*successRate + 0.3*costReliability
	p.Confidence = clamp01(confidence)

	upgradeGeneralization(p, m.n, successRate)

	return nil
}

func successRateFromMetrics(m pattern.Metrics) float64 {
	total := m.Success + m.Failure + m.Partial
	if total == 0 {
		return 0
	}
	return float64(m.Success) / float64(total)
}

// upgradeGeneralization bumps p.Generalization by one level when the
// sample-count crosses 10 or 50 with success-rate > 0.8.
func upgradeGeneralization(p *pattern.Pattern, n int, successRate float64) {
	if successRate <= 0.8 {
		return
	}
	switch {
	case n >= 50 && p.Generalization == pattern.GeneralizationModerate:
		p.Generalization = pattern.GeneralizationGeneral
	case n >= 10 && p.Generalization == pattern.GeneralizationSpecific:
		p.Generalization = pattern.GeneralizationModerate
	}
}

// RecordOutcome folds a terminal pattern.Outcome into p.Metrics/UsageCount,
// preserving the invariant usage_count = success+failure+partial.
func RecordOutcome(p *pattern.Pattern, outcome pattern.Outcome, durationMS int64) {
	switch outcome {
	case pattern.OutcomeSuccess:
		p.Metrics.Success++
	case pattern.OutcomeFailure:
		p.Metrics.Failure++
	case pattern.OutcomePartial:
		p.Metrics.Partial++
	}
	p.UsageCount = p.Metrics.Success + p.Metrics.Failure + p.Metrics.Partial

	n := float64(p.UsageCount)
	if n > 0 {
		p.Metrics.AvgDuration += (float64(durationMS) - p.Metrics.AvgDuration) / n
	}
}
