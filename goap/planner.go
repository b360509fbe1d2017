package goap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

// HeuristicStore is the narrow persistence surface the planner needs for
// HeuristicEntry rows, satisfied by *store.Store.
type HeuristicStore interface {
	GetHeuristic(ctx context.Context, stateHash, goalHash string) (*pattern.HeuristicEntry, bool, error)
	PutHeuristic(ctx context.Context, h *pattern.HeuristicEntry) error
}

// PlanStore is the narrow persistence surface for Plans.
type PlanStore interface {
	PutPlan(ctx context.Context, p *pattern.Plan) error
	RetirePlan(ctx context.Context, id string) error
}

// CandidateSubmitter accepts a fast-plan action prefix as a candidate
// Pattern, routed the same way learning.Pipeline.Train routes extractor
// output — through consensus, never a direct unvetted Store write.
type CandidateSubmitter interface {
	Submit(ctx context.Context, candidate *pattern.Pattern, contributorID string) error
}

// Planner is the A* search over world states, enhanced by the pattern-boosted
// heuristic of package goap's Heuristic. Pure in-memory expansion/heuristic
// evaluation never blocks; only the heuristic's pattern lookup and
// the post-search Store writes suspend.
type Planner struct {
	cfg       substrateconfig.PlannerConfig
	domain    *Domain
	heuristic *Heuristic

	heuristics HeuristicStore
	plans      PlanStore
	candidates CandidateSubmitter

	logger core.Logger
}

// Deps bundles the Planner's collaborators.
type Deps struct {
	Heuristics HeuristicStore
	Plans      PlanStore
	Candidates CandidateSubmitter
	Logger     core.Logger
}

// NewPlanner builds a Planner over domain using cfg and deps.
func NewPlanner(cfg substrateconfig.PlannerConfig, domain *Domain, matcher PatternMatcher, deps Deps) *Planner {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Planner{
		cfg:        cfg,
		domain:     domain,
		heuristic:  NewHeuristic(Weights(cfg.HeuristicWeights), cfg.PatternBoostKappa, matcher),
		heuristics: deps.Heuristics,
		plans:      deps.Plans,
		candidates: deps.Candidates,
		logger:     logger,
	}
}

// Result is the outcome of a successful Plan call.
type Result struct {
	Plan          *pattern.Plan
	ExpandedNodes int
}

// Plan runs A* from start to goal, honoring the depth cap and the search
// timeout. Returns core.ErrNoPlan (wrapped with a reason) on exhaustion; a
// successful plan is persisted via PlanStore before return.
func (p *Planner) Plan(ctx context.Context, start, goal pattern.WorldState, constraints map[string]any) (*Result, error) {
	searchStart := time.Now()
	deadline := searchStart.Add(p.cfg.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	front := newFrontier()
	seq := 0
	root := &searchNode{state: start.Clone(), g: 0, seq: seq}
	h0, conf0, err := p.heuristic.Estimate(ctx, root.state, goal)
	if err != nil {
		return nil, core.NewError("goap.Planner.Plan", "planning", err)
	}
	root.h, root.patternConf = h0, conf0
	front.push(root)

	closed := roaring.New()
	interned := newInternTable()
	expanded := 0
	hitDepthCap := false

	for !front.empty() {
		select {
		case <-ctx.Done():
			return nil, core.NewError("goap.Planner.Plan", "planning", fmt.Errorf("%w: timeout", core.ErrNoPlan))
		default:
		}

		node := front.pop()

		if node.state.Contains(goal) {
			return p.finish(ctx, start, goal, node, expanded, constraints, time.Since(searchStart))
		}

		if nodeDepth(node) >= p.cfg.MaxDepth {
			hitDepthCap = true
			continue
		}

		stateID := interned.intern(StateHash(node.state))
		if closed.Contains(stateID) {
			continue
		}
		closed.Add(stateID)
		expanded++

		actions, err := p.domain.Expand(node.state)
		if err != nil {
			return nil, core.NewError("goap.Planner.Plan", "planning", err)
		}
		for _, a := range actions {
			next, err := a.Apply(node.state)
			if err != nil {
				return nil, core.NewError("goap.Planner.Plan", "planning", err)
			}
			nextID := interned.intern(StateHash(next))
			if closed.Contains(nextID) {
				continue
			}
			cost := a.Cost * RiskMultiplier(a.Risk, p.cfg.RiskFactors)
			seq++
			child := &searchNode{state: next, g: node.g + cost, seq: seq, parent: node, via: a.Name}
			h, conf, err := p.heuristic.Estimate(ctx, next, goal)
			if err != nil {
				return nil, core.NewError("goap.Planner.Plan", "planning", err)
			}
			child.h = h
			child.patternConf = node.patternConf + conf
			front.push(child)
		}
	}

	if hitDepthCap {
		return nil, core.NewError("goap.Planner.Plan", "planning", fmt.Errorf("%w: depth", core.ErrNoPlan))
	}
	return nil, core.NewError("goap.Planner.Plan", "planning", fmt.Errorf("%w: frontier exhausted", core.ErrNoPlan))
}

func nodeDepth(n *searchNode) int {
	depth := 0
	for cur := n; cur.parent != nil; cur = cur.parent {
		depth++
	}
	return depth
}

// finish materializes the winning node's path into a Plan, records a
// HeuristicEntry, and — if the search completed within the fast-plan window
// — submits a candidate Pattern from the action prefix.
func (p *Planner) finish(ctx context.Context, start, goal pattern.WorldState, node *searchNode, expanded int, constraints map[string]any, searchDuration time.Duration) (*Result, error) {
	actions, confSum, n := pathActions(node)
	method := pattern.MethodAStar
	var patternID string
	if confSum > 0 {
		method = pattern.MethodHybrid
		if n == len(actions) {
			method = pattern.MethodPatternReuse
		}
		if best, err := p.heuristic.BestMatch(ctx, start, goal); err == nil && best != nil {
			patternID = best.ID
		}
	}

	avgConf := 0.0
	if n > 0 {
		avgConf = confSum / float64(n)
	}

	plan := &pattern.Plan{
		ID:                uuid.NewString(),
		Actions:           actions,
		TotalCost:         node.g,
		EstimatedDuration: node.g, // cost and duration share units absent a calibrated model
		Confidence:        clampConfidence(avgConf),
		CurrentState:      start,
		GoalState:         goal,
		Constraints:       constraints,
		Method:            method,
		PatternID:         patternID,
		CreatedAt:         time.Now(),
	}

	if p.plans != nil {
		if err := p.plans.PutPlan(ctx, plan); err != nil {
			return nil, err
		}
	}

	if p.heuristics != nil {
		h0, _, err := p.heuristic.Estimate(ctx, start, goal)
		if err == nil {
			entry := &pattern.HeuristicEntry{
				StateHash:   StateHash(start),
				GoalHash:    StateHash(goal),
				Estimated:   h0,
				Actual:      node.g,
				Error:       node.g - h0,
				Encounters:  1,
				AvgError:    node.g - h0,
				Confidence:  0.5,
				FirstSeen:   time.Now(),
				LastUpdated: time.Now(),
			}
			_ = p.heuristics.PutHeuristic(ctx, entry)
		}
	}

	fastWindow := p.cfg.FastPlanWindow
	if fastWindow <= 0 {
		fastWindow = 500 * time.Millisecond
	}
	if searchDuration < fastWindow && p.candidates != nil && len(actions) > 1 {
		candidate := &pattern.Pattern{
			ID:             uuid.NewString(),
			Kind:           pattern.KindGOAP,
			Name:           fmt.Sprintf("goap:%s", StateHash(start)[:8]),
			Actions:        actions,
			Confidence:     clampConfidence(avgConf),
			Generalization: pattern.GeneralizationSpecific,
			Created:        time.Now(),
			LastUsed:       time.Now(),
			Version:        1,
			Category:       "goap",
		}
		_ = p.candidates.Submit(ctx, candidate, plan.ID)
	}

	return &Result{Plan: plan, ExpandedNodes: expanded}, nil
}

func pathActions(node *searchNode) (actions []string, confSum float64, patternSteps int) {
	var rev []string
	for cur := node; cur.parent != nil; cur = cur.parent {
		rev = append(rev, cur.via)
		if cur.patternConf > cur.parent.patternConf {
			patternSteps++
		}
	}
	for i := len(rev) - 1; i >= 0; i-- {
		actions = append(actions, rev[i])
	}
	return actions, node.patternConf, patternSteps
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
