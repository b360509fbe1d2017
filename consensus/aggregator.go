package consensus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

// CacheWriter is the narrow surface the Aggregator needs to persist an
// approved merge: *cache.Cache.Put already writes through to Store then
// seeds L1 in one call.
type CacheWriter interface {
	Put(ctx context.Context, p *pattern.Pattern) error
}

// contribution is one worker's submission toward a signature group.
type contribution struct {
	pattern       *pattern.Pattern
	contributorID string
	score         float64
}

// signature groups submissions by (kind, normalized-name).
type signature struct {
	kind pattern.Kind
	name string
}

func signatureOf(p *pattern.Pattern) signature {
	return signature{kind: p.Kind, name: normalizeName(p.Name)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type group struct {
	contributions []contribution
	firstSeen     time.Time
}

// Aggregator groups worker Pattern contributions, resolves conflicts, and
// submits the merged candidate to the Voter, persisting on approval.
// It satisfies both learning.PatternSubmitter and
// goap.CandidateSubmitter via Submit.
type Aggregator struct {
	cfg    substrateconfig.AggregatorConfig
	voter  *Voter
	cache  CacheWriter
	logger core.Logger

	mu       sync.Mutex
	groups   map[signature]*group
	rejected int
}

// NewAggregator builds an Aggregator over voter (for consensus) and cache
// (for persistence on approval).
func NewAggregator(cfg substrateconfig.AggregatorConfig, voter *Voter, cache CacheWriter, logger core.Logger) *Aggregator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Aggregator{
		cfg:    cfg,
		voter:  voter,
		cache:  cache,
		logger: logger,
		groups: make(map[signature]*group),
	}
}

// Submit accepts a candidate Pattern from a contributor, adding it to its
// signature group and aggregating immediately once min_contributors is
// reached.
func (a *Aggregator) Submit(ctx context.Context, candidate *pattern.Pattern, contributorID string) error {
	sig := signatureOf(candidate)
	minContrib := a.cfg.MinContributors
	if minContrib <= 0 {
		minContrib = 2
	}

	a.mu.Lock()
	g, ok := a.groups[sig]
	if !ok {
		g = &group{firstSeen: time.Now()}
		a.groups[sig] = g
	}
	g.contributions = append(g.contributions, contribution{pattern: candidate, contributorID: contributorID, score: candidate.Confidence})
	ready := len(g.contributions) >= minContrib
	if ready {
		delete(a.groups, sig)
	}
	a.mu.Unlock()

	if !ready {
		return nil
	}
	return a.aggregate(ctx, sig, g.contributions)
}

// RunPeriodicFlush aggregates every pending group on aggregation_interval
// (default 5 min) regardless of whether min_contributors was reached,
// so a group stuck below min_contributors still gets decided. Blocks
// until ctx is done.
func (a *Aggregator) RunPeriodicFlush(ctx context.Context) {
	interval := a.cfg.AggregationInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flushAll(ctx)
		}
	}
}

// Flush forces an aggregation pass over every pending group immediately,
// regardless of min_contributors — the manual equivalent of one
// RunPeriodicFlush tick, used by the Coordinator's
// trigger_collective_learning.
func (a *Aggregator) Flush(ctx context.Context) {
	a.flushAll(ctx)
}

func (a *Aggregator) flushAll(ctx context.Context) {
	a.mu.Lock()
	pending := a.groups
	a.groups = make(map[signature]*group)
	a.mu.Unlock()

	for sig, g := range pending {
		if len(g.contributions) == 0 {
			continue
		}
		if err := a.aggregate(ctx, sig, g.contributions); err != nil {
			a.logger.Warn("periodic aggregation failed", map[string]interface{}{"kind": sig.kind, "name": sig.name, "error": err.Error()})
		}
	}
}

// RejectedCount reports how many merged candidates have been rejected by
// the Voter so far.
func (a *Aggregator) RejectedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rejected
}

// aggregate merges contributions, submits the result to the Voter, and
// persists it on approval.
func (a *Aggregator) aggregate(ctx context.Context, sig signature, contributions []contribution) error {
	merged, conflicted := a.merge(sig, contributions)

	proposal := Proposal{
		ID:                uuid.NewString(),
		Kind:              ProposalPatternValidation,
		Payload:           merged,
		RequiredQuorum:    0.6,
		RequiredConsensus: 0.67,
	}

	result, err := a.voter.Submit(ctx, proposal)
	if err != nil {
		return err
	}

	if result.Decision != DecisionApprove {
		a.mu.Lock()
		a.rejected++
		a.mu.Unlock()
		a.logger.Info("merged pattern rejected by consensus", map[string]interface{}{
			"kind": sig.kind, "name": sig.name, "decision": result.Decision, "score": result.ScoreApprove,
		})
		return nil
	}

	if conflicted {
		a.logger.Debug("merged pattern resolved a conflict before approval", map[string]interface{}{"kind": sig.kind, "name": sig.name})
	}

	if a.cache != nil {
		if err := a.cache.Put(ctx, merged); err != nil {
			return core.NewError("consensus.Aggregator.aggregate", "transient", err)
		}
	}
	return nil
}

// merge resolves conflicts between contributions and returns the candidate Pattern
// to submit to the Voter, plus whether a conflict was detected.
func (a *Aggregator) merge(sig signature, contributions []contribution) (*pattern.Pattern, bool) {
	confVariance := variance(confidences(contributions))
	successVariance := variance(successRates(contributions))

	const tauConf = 0.15
	const tauSuccess = 0.1
	conflicted := confVariance > tauConf || successVariance > tauSuccess

	var merged *pattern.Pattern
	switch {
	case !conflicted:
		merged = mergeAverage(contributions)
	case confVariance > tauConf:
		merged = mergeWeighted(contributions)
	default:
		merged = mergeHighestSuccess(contributions)
	}

	merged.ID = uuid.NewString()
	merged.Kind = sig.kind
	merged.Name = contributions[0].pattern.Name
	merged.Confidence = collectiveConfidence(confidences(contributions))
	merged.Generalization = pattern.GeneralizationModerate
	merged.Created = time.Now()
	merged.LastUsed = time.Now()
	merged.Version = 1
	merged.Category = string(sig.kind)

	return merged, conflicted
}

// collectiveConfidence = min(1, mean(confidences) + min(0.05*n, 0.2)).
func collectiveConfidence(confs []float64) float64 {
	mean := meanOf(confs)
	bonus := 0.05 * float64(len(confs))
	if bonus > 0.2 {
		bonus = 0.2
	}
	total := mean + bonus
	if total > 1 {
		total = 1
	}
	return total
}

func mergeAverage(cs []contribution) *pattern.Pattern {
	best := cs[0].pattern
	out := *best
	out.Metrics = sumMetrics(cs)
	out.UsageCount = out.Metrics.Success + out.Metrics.Failure + out.Metrics.Partial
	out.Actions = best.Actions
	return &out
}

// mergeWeighted resolves a confidence-variance conflict by weighting each
// contribution's Actions/SuccessCriteria choice by its contributor score,
// taking the highest-weighted contribution's structural fields.
func mergeWeighted(cs []contribution) *pattern.Pattern {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.score > best.score {
			best = c
		}
	}
	out := *best.pattern
	out.Metrics = sumMetrics(cs)
	out.UsageCount = out.Metrics.Success + out.Metrics.Failure + out.Metrics.Partial
	return &out
}

// mergeHighestSuccess resolves a success-rate-discrepancy conflict by
// choosing the contribution with the highest success count.
func mergeHighestSuccess(cs []contribution) *pattern.Pattern {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.pattern.Metrics.Success > best.pattern.Metrics.Success {
			best = c
		}
	}
	out := *best.pattern
	out.Metrics = sumMetrics(cs)
	out.UsageCount = out.Metrics.Success + out.Metrics.Failure + out.Metrics.Partial
	return &out
}

func sumMetrics(cs []contribution) pattern.Metrics {
	var m pattern.Metrics
	for _, c := range cs {
		m.Success += c.pattern.Metrics.Success
		m.Failure += c.pattern.Metrics.Failure
		m.Partial += c.pattern.Metrics.Partial
	}
	if n := len(cs); n > 0 {
		var durSum, impSum float64
		for _, c := range cs {
			durSum += c.pattern.Metrics.AvgDuration
			impSum += c.pattern.Metrics.AvgImprovement
		}
		m.AvgDuration = durSum / float64(n)
		m.AvgImprovement = impSum / float64(n)
	}
	return m
}

func confidences(cs []contribution) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.pattern.Confidence
	}
	return out
}

func successRates(cs []contribution) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		m := c.pattern.Metrics
		total := m.Success + m.Failure + m.Partial
		if total == 0 {
			out[i] = 0
			continue
		}
		out[i] = float64(m.Success) / float64(total)
	}
	return out
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := meanOf(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return sumSq / float64(len(xs))
}
