// Package goap implements the A* world-state planner and its Replanner.
// Action preconditions/effects are expr-lang expressions, compiled once
// and cached, rather than hard-coded Go closures — the action set is data,
// not code.
package goap

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// CompiledAction pairs a pattern.Action with its compiled precondition and
// effect programs, built once by NewDomain and reused across every A* run
// against that action set.
type CompiledAction struct {
	pattern.Action
	precond *vm.Program
	effect  *vm.Program
}

// Domain is the compiled action set an A* search plans over — one Domain
// per distinct set of available actions.
type Domain struct {
	actions []*CompiledAction
}

// compileCache is shared process-wide so repeated NewDomain calls over the
// same action text don't recompile it.
var (
	compileMu    sync.RWMutex
	compileCache = map[string]*vm.Program{}
)

func compileBool(exprText string) (*vm.Program, error) {
	return compileCached(exprText, expr.AsBool())
}

func compileEffect(exprText string) (*vm.Program, error) {
	return compileCached(exprText)
}

func compileCached(exprText string, opts ...expr.Option) (*vm.Program, error) {
	compileMu.RLock()
	p, ok := compileCache[exprText]
	compileMu.RUnlock()
	if ok {
		return p, nil
	}

	env := map[string]interface{}{"state": map[string]any{}}
	opts = append([]expr.Option{expr.Env(env)}, opts...)
	program, err := expr.Compile(exprText, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", exprText, err)
	}

	compileMu.Lock()
	compileCache[exprText] = program
	compileMu.Unlock()
	return program, nil
}

// NewDomain compiles every Action's preconditions/effects, failing fast
// on the first expression that doesn't compile.
func NewDomain(actions []pattern.Action) (*Domain, error) {
	compiled := make([]*CompiledAction, 0, len(actions))
	for _, a := range actions {
		precond, err := compileBool(a.Preconditions)
		if err != nil {
			return nil, core.NewError("goap.NewDomain", "validation", fmt.Errorf("action %s: %w", a.Name, err))
		}
		effect, err := compileEffect(a.Effects)
		if err != nil {
			return nil, core.NewError("goap.NewDomain", "validation", fmt.Errorf("action %s: %w", a.Name, err))
		}
		compiled = append(compiled, &CompiledAction{Action: a, precond: precond, effect: effect})
	}
	return &Domain{actions: compiled}, nil
}

// Applicable evaluates a's precondition against state.
func (a *CompiledAction) Applicable(state pattern.WorldState) (bool, error) {
	out, err := expr.Run(a.precond, map[string]any{"state": map[string]any(state)})
	if err != nil {
		return false, fmt.Errorf("action %s precondition: %w", a.Name, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Apply evaluates a's effect against state and merges the resulting delta
// into a clone of state.
func (a *CompiledAction) Apply(state pattern.WorldState) (pattern.WorldState, error) {
	out, err := expr.Run(a.effect, map[string]any{"state": map[string]any(state)})
	if err != nil {
		return nil, fmt.Errorf("action %s effect: %w", a.Name, err)
	}
	delta, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("action %s effect: expected map[string]any, got %T", a.Name, out)
	}
	next := state.Clone()
	for k, v := range delta {
		next[k] = v
	}
	return next, nil
}

// Expand returns every action applicable to state, in domain order (ties in
// the frontier are broken later by the search, not here).
func (d *Domain) Expand(state pattern.WorldState) ([]*CompiledAction, error) {
	var out []*CompiledAction
	for _, a := range d.actions {
		ok, err := a.Applicable(state)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// RiskMultiplier looks up a's configured risk factor, defaulting to 1 for
// an unknown or empty risk level.
func RiskMultiplier(risk pattern.RiskLevel, factors map[string]float64) float64 {
	if f, ok := factors[string(risk)]; ok {
		return f
	}
	return 1
}
