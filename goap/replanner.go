package goap

import (
	"context"
	"math"
	"sync"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

// TriggerKind classifies why a Replanner decided to request a new Plan.
type TriggerKind string

const (
	TriggerFailure         TriggerKind = "failure"
	TriggerExcessiveCost   TriggerKind = "excessive_cost"
	TriggerNewRequirements TriggerKind = "new_requirements"
	TriggerBetterPath      TriggerKind = "better_path"
)

// ReplanRequest is what the Replanner hands to whatever drives actual
// re-planning (the Coordinator, in the wired binary).
type ReplanRequest struct {
	PlanID  string
	Trigger TriggerKind
	State   pattern.WorldState
	Goal    pattern.WorldState
}

// PlanSource is the narrow surface the Replanner needs: look up the
// retiring Plan's state/goal for the new search, then retire it. Plan
// carries no explicit task-id field, so the one-in-flight-replan-per-task
// gate is enforced per plan-id here — 1:1 with a task in practice (see
// DESIGN.md).
type PlanSource interface {
	GetPlan(ctx context.Context, planID string) (*pattern.Plan, error)
	RetirePlan(ctx context.Context, planID string) error
}

// Replanner watches the execution-outcome stream and requests a fresh Plan
// on failure, cost overrun, new requirements, or an opportunistic
// better-confidence pattern match.
type Replanner struct {
	cfg   substrateconfig.PlannerConfig
	plans PlanSource

	mu       sync.Mutex
	inFlight map[string]bool

	requests chan ReplanRequest
	logger   core.Logger
}

// NewReplanner builds a Replanner. requestBuffer sizes the outgoing request
// channel; callers should drain it via Requests().
func NewReplanner(cfg substrateconfig.PlannerConfig, plans PlanSource, requestBuffer int, logger core.Logger) *Replanner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if requestBuffer <= 0 {
		requestBuffer = 16
	}
	return &Replanner{
		cfg:      cfg,
		plans:    plans,
		inFlight: make(map[string]bool),
		requests: make(chan ReplanRequest, requestBuffer),
		logger:   logger,
	}
}

// Requests returns the channel of pending replan requests for a consumer
// (typically the Coordinator) to drain and act on.
func (r *Replanner) Requests() <-chan ReplanRequest { return r.requests }

// NotifyOutcome implements learning.OutcomeRouter: it evaluates outcome
// against the replan trigger conditions and, if one fires and no
// replan is already in flight for outcome.PlanID, retires the old plan and
// enqueues a ReplanRequest carrying the retired plan's state/goal.
func (r *Replanner) NotifyOutcome(ctx context.Context, outcome pattern.ExecutionOutcome) {
	trigger, fires := r.evaluate(outcome)
	if !fires || r.plans == nil {
		return
	}

	plan, err := r.plans.GetPlan(ctx, outcome.PlanID)
	if err != nil {
		r.logger.Warn("replanner: could not load retiring plan", map[string]interface{}{"plan_id": outcome.PlanID, "error": err.Error()})
		return
	}
	r.request(ctx, outcome.PlanID, trigger, plan.CurrentState, plan.GoalState)
}

// NotifyBetterPath is the opportunistic trigger: a newly approved Pattern
// with confidence > 0.85 matches the task's current context while it is
// still executing.
func (r *Replanner) NotifyBetterPath(ctx context.Context, planID string, candidate *pattern.Pattern, state, goal pattern.WorldState) {
	const opportunisticFloor = 0.85
	if candidate.Confidence <= opportunisticFloor {
		return
	}
	r.request(ctx, planID, TriggerBetterPath, state, goal)
}

// NotifyNewRequirements fires when the goal state observed for an
// in-flight task has diverged from the one recorded at plan-creation
// time.
func (r *Replanner) NotifyNewRequirements(ctx context.Context, planID string, state, observedGoal pattern.WorldState) {
	r.request(ctx, planID, TriggerNewRequirements, state, observedGoal)
}

func (r *Replanner) evaluate(outcome pattern.ExecutionOutcome) (TriggerKind, bool) {
	if !outcome.Success {
		return TriggerFailure, true
	}
	tauVar := r.cfg.ReplanThreshold
	if tauVar <= 0 {
		tauVar = 0.5
	}
	if math.Abs(outcome.CostVariance) > tauVar {
		return TriggerExcessiveCost, true
	}
	return "", false
}

func (r *Replanner) request(ctx context.Context, planID string, trigger TriggerKind, state, goal pattern.WorldState) {
	r.mu.Lock()
	if r.inFlight[planID] {
		r.mu.Unlock()
		r.logger.Debug("replan already in flight, skipping", map[string]interface{}{"plan_id": planID})
		return
	}
	r.inFlight[planID] = true
	r.mu.Unlock()

	if r.plans != nil && planID != "" {
		if err := r.plans.RetirePlan(ctx, planID); err != nil {
			r.logger.Warn("failed to retire superseded plan", map[string]interface{}{"plan_id": planID, "error": err.Error()})
		}
	}

	req := ReplanRequest{PlanID: planID, Trigger: trigger, State: state, Goal: goal}
	select {
	case r.requests <- req:
	case <-ctx.Done():
	}
}

// Done releases the per-plan in-flight gate once a replan has completed
// (successfully or not), letting a future outcome for the same lineage
// trigger another round.
func (r *Replanner) Done(planID string) {
	r.mu.Lock()
	delete(r.inFlight, planID)
	r.mu.Unlock()
}

var _ interface {
	NotifyOutcome(ctx context.Context, outcome pattern.ExecutionOutcome)
} = (*Replanner)(nil)
