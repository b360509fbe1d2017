package goap

import (
	"context"
	"math"

	"github.com/hiveforge/substrate/pattern"
)

// PatternMatch pairs a candidate Pattern with its similarity to the
// (state, goal) pair being planned for.
type PatternMatch struct {
	Pattern    *pattern.Pattern
	Similarity float64
}

// PatternMatcher is the narrow surface the heuristic needs from the vector
// index / cache to find GOAP patterns matching a (state, goal) pair:
// h_pattern(s,g) = Σ p.confidence·sim(p,⟨s,g⟩)·κ.
type PatternMatcher interface {
	MatchingPatterns(ctx context.Context, state, goal pattern.WorldState) ([]PatternMatch, error)
}

// Weights maps a goal variable name to its weight in h_base.
type Weights map[string]float64

// Heuristic computes the admissible A* heuristic h(s,g) =
// max(0, h_base(s,g) - h_pattern(s,g)), where h_pattern is bounded above
// by h_base so h never exceeds the optimistic base estimate.
type Heuristic struct {
	weights Weights
	kappa   float64
	matcher PatternMatcher
}

// NewHeuristic builds a Heuristic. matcher may be nil, in which case
// h_pattern is always 0 (pure h_base, i.e. plain A*).
func NewHeuristic(weights Weights, kappa float64, matcher PatternMatcher) *Heuristic {
	if kappa <= 0 {
		kappa = 2
	}
	return &Heuristic{weights: weights, kappa: kappa, matcher: matcher}
}

// baseGap scores how far sv is from gv: 0 if equal, 1 otherwise for
// non-numeric values; for numeric values, a normalized magnitude of the
// difference so nearly-equal numeric goals contribute a smaller gap.
func baseGap(sv, gv any) float64 {
	if sv == gv {
		return 0
	}
	sf, sok := toFloat(sv)
	gf, gok := toFloat(gv)
	if sok && gok {
		diff := math.Abs(sf - gf)
		return diff / (1 + diff) // squashes to [0,1)
	}
	return 1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Base computes h_base(s,g) = Σ_v w_v·gap(s[v], g[v]) over goal variables.
func (h *Heuristic) Base(state, goal pattern.WorldState) float64 {
	var total float64
	for v, gv := range goal {
		w := 1.0
		if h.weights != nil {
			if cw, ok := h.weights[v]; ok {
				w = cw
			}
		}
		total += w * baseGap(state[v], gv)
	}
	return total
}

// Estimate returns h(s,g) and the summed confidence of any matching
// patterns contributing to the boost, the latter used as the frontier's
// pattern-confidence tie-break.
func (h *Heuristic) Estimate(ctx context.Context, state, goal pattern.WorldState) (estimate float64, boostConfidence float64, err error) {
	base := h.Base(state, goal)
	if h.matcher == nil {
		return base, 0, nil
	}

	matches, err := h.matcher.MatchingPatterns(ctx, state, goal)
	if err != nil {
		return base, 0, err
	}

	var boost float64
	for _, m := range matches {
		boost += m.Pattern.Confidence * m.Similarity * h.kappa
		boostConfidence += m.Pattern.Confidence
	}

	estimate = base - boost
	if estimate < 0 {
		estimate = 0
	}
	return estimate, boostConfidence, nil
}

// BestMatch returns the highest-weighted (confidence·similarity) pattern
// matching (state, goal), or nil when no matcher is configured or nothing
// matches. Used to attribute a pattern-assisted plan to the pattern that
// drove its boost.
func (h *Heuristic) BestMatch(ctx context.Context, state, goal pattern.WorldState) (*pattern.Pattern, error) {
	if h.matcher == nil {
		return nil, nil
	}
	matches, err := h.matcher.MatchingPatterns(ctx, state, goal)
	if err != nil {
		return nil, err
	}
	var best *pattern.Pattern
	var bestScore float64
	for _, m := range matches {
		if score := m.Pattern.Confidence * m.Similarity; best == nil || score > bestScore {
			best, bestScore = m.Pattern, score
		}
	}
	return best, nil
}
