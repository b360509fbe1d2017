// Package learning implements the Pattern Extractor, Confidence Updater,
// and Learning Pipeline — the substrate's pattern-mining path from raw
// Observations to consensus-submitted candidates.
package learning

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hiveforge/substrate/pattern"
)

// ExtractorConfig governs candidate mining.
type ExtractorConfig struct {
	MaxSequenceLength int     // N, default 5
	MinSupport        float64 // default 0.05 of window
	QualityThreshold  float64 // τ_extract, default 0.6
}

// DefaultExtractorConfig returns the extractor's documented defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{MaxSequenceLength: 5, MinSupport: 0.05, QualityThreshold: 0.6}
}

// Extractor mines frequent action subsequences from a window of
// Observations and scores candidate Patterns.
type Extractor struct {
	cfg ExtractorConfig
}

// NewExtractor builds an Extractor with cfg.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	return &Extractor{cfg: cfg}
}

// Candidate is a mined Pattern plus the support metadata used for tie
// breaks and quality scoring, kept separate from pattern.Pattern so
// intermediate extraction state doesn't leak persisted-record fields.
// Support counts distinct task trajectories exhibiting the sequence, not
// individual observations.
type Candidate struct {
	Sequence    []string
	Support     int
	Successes   int
	Failures    int
	SuccessRate float64
	AvgDuration float64
	Variance    float64
	Quality     float64
}

// taskTrace is one task's occurrence of an op sequence within the window,
// reduced to the per-trace fields scoring needs: its terminal outcome
// classification, mean op duration, and whether any op changed state.
type taskTrace struct {
	ops        []string
	outcome    pattern.Outcome
	terminal   bool
	durationMS float64
	trivial    bool
}

// Extract mines obs (assumed to already be the relevant context window) —
// group by action prefix, count support, score quality — and returns candidates whose
// quality meets the configured threshold, sorted per the tie-break rule:
// longer sequence > shorter; higher usage > lower; higher quality > lower.
// Observation recency is not compared.
func (e *Extractor) Extract(obs []pattern.Observation) ([]Candidate, error) {
	if len(obs) == 0 {
		return nil, nil
	}

	sequences := e.groupByActionPrefix(obs)
	minCount := int(math.Ceil(e.cfg.MinSupport * float64(len(obs))))
	if minCount < 1 {
		minCount = 1
	}

	var candidates []Candidate
	for seq, traces := range sequences {
		if len(traces) < minCount {
			continue
		}
		if trivial(traces) {
			continue
		}
		rate, successes, failures, defined := successRate(traces)
		if !defined {
			continue // "success-rate undefined" edge case
		}
		avgDuration, variance := durationStats(traces)
		improvement := normalizedImprovement(traces)
		consistency := durationConsistency(avgDuration, variance)
		quality := 0.5*rate + 0.3*improvement + 0.2*consistency

		if quality < e.cfg.QualityThreshold {
			continue
		}
		candidates = append(candidates, Candidate{
			Sequence:    splitSequence(seq),
			Support:     len(traces),
			Successes:   successes,
			Failures:    failures,
			SuccessRate: rate,
			AvgDuration: avgDuration,
			Variance:    variance,
			Quality:     quality,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.Sequence) != len(b.Sequence) {
			return len(a.Sequence) > len(b.Sequence)
		}
		if a.Support != b.Support {
			return a.Support > b.Support
		}
		return a.Quality > b.Quality
	})

	return candidates, nil
}

// groupByActionPrefix reduces each task's observations to a single ordered
// op sequence, truncated to MaxSequenceLength, and groups the resulting
// traces by that sequence — one occurrence per task, so support counts
// trajectories rather than rows.
func (e *Extractor) groupByActionPrefix(obs []pattern.Observation) map[string][]taskTrace {
	byTask := map[string][]pattern.Observation{}
	for _, o := range obs {
		byTask[o.TaskID] = append(byTask[o.TaskID], o)
	}

	groups := map[string][]taskTrace{}
	for _, taskObs := range byTask {
		sort.Slice(taskObs, func(i, j int) bool { return taskObs[i].Timestamp.Before(taskObs[j].Timestamp) })
		n := len(taskObs)
		if n > e.cfg.MaxSequenceLength {
			n = e.cfg.MaxSequenceLength
		}
		trace := buildTrace(taskObs[:n])
		key := joinSequence(trace.ops)
		groups[key] = append(groups[key], trace)
	}
	return groups
}

// buildTrace collapses one task's ordered observations into a trace: a
// failed op fails the whole trace, an all-success trace succeeds, anything
// else is partial (non-terminal). Duration is the mean across ops.
func buildTrace(taskObs []pattern.Observation) taskTrace {
	t := taskTrace{trivial: true}
	var durSum float64
	var successes, failures int
	for _, o := range taskObs {
		t.ops = append(t.ops, o.Op)
		durSum += float64(o.DurationMS)
		switch o.Outcome {
		case pattern.OutcomeSuccess:
			successes++
		case pattern.OutcomeFailure:
			failures++
		}
		if !statesEqual(o.PreState, o.PostState) {
			t.trivial = false
		}
	}
	if len(taskObs) > 0 {
		t.durationMS = durSum / float64(len(taskObs))
	}
	switch {
	case failures > 0:
		t.outcome, t.terminal = pattern.OutcomeFailure, true
	case successes == len(taskObs) && len(taskObs) > 0:
		t.outcome, t.terminal = pattern.OutcomeSuccess, true
	default:
		t.outcome = pattern.OutcomePartial
	}
	return t
}

func joinSequence(ops []string) string {
	out := ""
	for i, op := range ops {
		if i > 0 {
			out += "->"
		}
		out += op
	}
	return out
}

func splitSequence(key string) []string {
	var out []string
	cur := ""
	for i := 0; i < len(key); i++ {
		if i+1 < len(key) && key[i] == '-' && key[i+1] == '>' {
			out = append(out, cur)
			cur = ""
			i++
			continue
		}
		cur += string(key[i])
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// trivial discards candidates where no trace's pre-state and post-state
// ever differ.
func trivial(traces []taskTrace) bool {
	for _, t := range traces {
		if !t.trivial {
			return false
		}
	}
	return true
}

func statesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || fmt.Sprint(bv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// successRate returns the fraction of terminal traces that succeeded, plus
// the raw counts, and defined=false if no trace has reached a terminal
// outcome yet (the "success-rate undefined" edge case).
func successRate(traces []taskTrace) (rate float64, successes, failures int, defined bool) {
	for _, t := range traces {
		if !t.terminal {
			continue
		}
		if t.outcome == pattern.OutcomeSuccess {
			successes++
		} else {
			failures++
		}
	}
	terminal := successes + failures
	if terminal == 0 {
		return 0, 0, 0, false
	}
	return float64(successes) / float64(terminal), successes, failures, true
}

func durationStats(traces []taskTrace) (avg, variance float64) {
	if len(traces) == 0 {
		return 0, 0
	}
	var sum float64
	for _, t := range traces {
		sum += t.durationMS
	}
	avg = sum / float64(len(traces))

	var sqDiff float64
	for _, t := range traces {
		d := t.durationMS - avg
		sqDiff += d * d
	}
	variance = sqDiff / float64(len(traces))
	return avg, variance
}

// normalizedImprovement compares average duration against the group's own
// worst trace, giving a value in [0,1] — lower duration is better.
func normalizedImprovement(traces []taskTrace) float64 {
	if len(traces) == 0 {
		return 0
	}
	var worst float64
	for _, t := range traces {
		if t.durationMS > worst {
			worst = t.durationMS
		}
	}
	if worst == 0 {
		return 1
	}
	avg, _ := durationStats(traces)
	return clamp01(1 - avg/worst)
}

// durationConsistency scores how tightly trace durations cluster:
// 1 − √variance/avg, clamped to [0,1]. The relative spread, not the raw
// variance — millisecond-scale durations would otherwise pin any real
// group to zero consistency.
func durationConsistency(avg, variance float64) float64 {
	if avg <= 0 {
		return 1 // all-zero durations have no spread to penalize
	}
	return clamp01(1 - math.Sqrt(variance)/avg)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ToPattern materializes a Candidate into a persistable Pattern, owned by
// whichever caller submits it (Pipeline.train -> Aggregator). Metrics carry
// the per-trajectory outcome counts so usage_count stays equal to
// success+failure+partial.
func (c Candidate) ToPattern(id string, now time.Time) *pattern.Pattern {
	return &pattern.Pattern{
		ID:      id,
		Kind:    pattern.KindCoordination,
		Name:    joinSequence(c.Sequence),
		Actions: c.Sequence,
		Metrics: pattern.Metrics{
			Success:     c.Successes,
			Failure:     c.Failures,
			Partial:     c.Support - c.Successes - c.Failures,
			AvgDuration: c.AvgDuration,
		},
		Confidence:     clamp01(0.7*c.SuccessRate + 0.3*durationConsistency(c.AvgDuration, c.Variance)),
		UsageCount:     c.Support,
		Generalization: pattern.GeneralizationSpecific,
		Created:        now,
		LastUsed:       now,
		Version:        1,
		Category:       "coordination",
	}
}
