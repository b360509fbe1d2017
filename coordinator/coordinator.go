package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hiveforge/substrate/consensus"
	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// Role tags a worker's job within a task. Names are illustrative — callers
// may use any role scheme.
type Role string

const (
	RoleArchitect   Role = "architect"
	RoleResearcher  Role = "researcher"
	RoleImplementer Role = "implementer"
	RoleTester      Role = "tester"
	RoleReviewer    Role = "reviewer"
)

// Strategy selects how orchestrate() fans a task's subtasks out to
// workers.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyAdaptive   Strategy = "adaptive"
)

// Worker is a registered collaborator the Coordinator can dispatch subtasks
// to. Performance ranks it for StrategySequential's "best-performing
// first" ordering.
type Worker struct {
	ID          string
	Role        Role
	Performance float64
}

// WorkerConfig is the input to spawn().
type WorkerConfig struct {
	ID                 string
	Role               Role
	InitialReputation  float64
	InitialPerformance float64
}

// Subtask is one unit of work handed to a single worker within a task.
type Subtask struct {
	ID      string
	TaskID  string
	Payload any

	// DependsOn lists subtask ids that must complete first. StrategyParallel
	// runs each dependency level in parallel, levels in order.
	DependsOn []string
}

// SubtaskResult is what a Dispatcher reports back for one Subtask.
type SubtaskResult struct {
	SubtaskID string
	WorkerID  string
	Status    SubtaskStatus
	Output    any
	Err       error
}

// TaskResult is the join of every subtask result for one orchestrate() call.
type TaskResult struct {
	TaskID      string
	Results     []SubtaskResult
	Strategy    Strategy
	Cancelled   bool
	FellBackTo  Strategy // set when StrategyAdaptive rolled forward to sequential
}

// Dispatcher is the narrow surface the Coordinator needs to hand a Subtask
// to a specific worker and wait for its result. No wire protocol is
// prescribed; the transport is collaborator-defined.
type Dispatcher interface {
	Dispatch(ctx context.Context, workerID string, subtask Subtask, priorSteps int) (SubtaskResult, error)
}

// PatternLister is the narrow Store surface trigger_collective_learning
// needs to find approved patterns.
type PatternLister interface {
	ListPatterns(ctx context.Context, kind pattern.Kind, limit int) ([]*pattern.Pattern, error)
}

// AggregatorRunner is the narrow Pattern Aggregator surface
// trigger_collective_learning drives a pass over.
type AggregatorRunner interface {
	Flush(ctx context.Context)
}

// Coordinator maintains the worker roster and orchestrates tasks across
// them.
type Coordinator struct {
	voter      *consensus.Voter
	dispatcher Dispatcher
	logger     core.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
	cancels map[string]context.CancelFunc
}

// New builds a Coordinator. voter registers spawned workers as
// ConsensusNodes; dispatcher carries out subtask execution.
func New(voter *consensus.Voter, dispatcher Dispatcher, logger core.Logger) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Coordinator{
		voter:      voter,
		dispatcher: dispatcher,
		logger:     logger,
		workers:    make(map[string]*Worker),
		cancels:    make(map[string]context.CancelFunc),
	}
}

const defaultInitialReputation = 0.7

// Spawn registers a worker and, alongside it, a ConsensusNode with the
// given initial reputation.
func (c *Coordinator) Spawn(cfg WorkerConfig) error {
	if cfg.ID == "" {
		return core.NewError("coordinator.Spawn", "validation", fmt.Errorf("worker id is required"))
	}

	rep := cfg.InitialReputation
	if rep <= 0 {
		rep = defaultInitialReputation
	}

	c.mu.Lock()
	c.workers[cfg.ID] = &Worker{ID: cfg.ID, Role: cfg.Role, Performance: cfg.InitialPerformance}
	c.mu.Unlock()

	if c.voter != nil {
		c.voter.Register(cfg.ID, rep)
	}
	return nil
}

// Retire removes a worker from the roster and the consensus roster.
func (c *Coordinator) Retire(workerID string) {
	c.mu.Lock()
	delete(c.workers, workerID)
	c.mu.Unlock()
	if c.voter != nil {
		c.voter.Unregister(workerID)
	}
}

// rankedWorkers returns every registered worker ordered best-performing
// first, breaking ties by id for determinism.
func (c *Coordinator) rankedWorkers() []*Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Performance != out[j].Performance {
			return out[i].Performance > out[j].Performance
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Orchestrate dispatches task's subtasks per strategy.
// Subtask dependency edges are validated
// (cycles and unknown references are rejected before any dispatch) and
// grouped into execution levels; within a level the original subtask order
// is preserved. The returned context cancel is registered so Cancel(taskID)
// can reach every in-flight subtask.
func (c *Coordinator) Orchestrate(ctx context.Context, taskID string, subtasks []Subtask, strategy Strategy) (*TaskResult, error) {
	if c.dispatcher == nil {
		return nil, core.NewError("coordinator.Orchestrate", "validation", fmt.Errorf("no dispatcher configured"))
	}

	graph := newTaskGraph()
	for _, st := range subtasks {
		graph.add(st.ID, st.DependsOn)
	}
	if err := graph.validate(); err != nil {
		return nil, core.NewError("coordinator.Orchestrate", "validation", err)
	}
	levels := orderLevels(graph, subtasks)

	taskCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[taskID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, taskID)
		c.mu.Unlock()
		cancel()
	}()

	switch strategy {
	case StrategySequential:
		results := c.runSequential(taskCtx, graph, levels)
		return &TaskResult{TaskID: taskID, Results: results, Strategy: strategy, Cancelled: taskCtx.Err() != nil}, nil

	case StrategyAdaptive:
		results, err := c.runParallel(taskCtx, graph, levels)
		if err != nil {
			c.logger.Warn("adaptive strategy rolling forward to sequential", map[string]interface{}{"task_id": taskID, "error": err.Error()})
			results = c.runSequential(taskCtx, graph, levels)
			return &TaskResult{TaskID: taskID, Results: results, Strategy: strategy, FellBackTo: StrategySequential, Cancelled: taskCtx.Err() != nil}, nil
		}
		return &TaskResult{TaskID: taskID, Results: results, Strategy: strategy, Cancelled: taskCtx.Err() != nil}, nil

	default: // StrategyParallel
		results, err := c.runParallel(taskCtx, graph, levels)
		if err != nil {
			return &TaskResult{TaskID: taskID, Results: results, Strategy: strategy, Cancelled: taskCtx.Err() != nil}, err
		}
		return &TaskResult{TaskID: taskID, Results: results, Strategy: strategy, Cancelled: taskCtx.Err() != nil}, nil
	}
}

// orderLevels regroups graph.levels()'s id sets into Subtask slices that
// preserve the caller's original ordering within each level, so dep-free
// inputs dispatch in the order they were given.
func orderLevels(graph *taskGraph, subtasks []Subtask) [][]Subtask {
	var out [][]Subtask
	for _, ids := range graph.levels() {
		member := make(map[string]bool, len(ids))
		for _, id := range ids {
			member[id] = true
		}
		var level []Subtask
		for _, st := range subtasks {
			if member[st.ID] {
				level = append(level, st)
			}
		}
		out = append(out, level)
	}
	return out
}

// runParallel executes each dependency level's subtasks concurrently, one
// worker per subtask, splitting N subtasks across the N best-ranked
// workers; the task result is the join of all. A failure in one level
// marks every later level's subtasks skipped — their dependencies can no
// longer be satisfied.
func (c *Coordinator) runParallel(ctx context.Context, graph *taskGraph, levels [][]Subtask) ([]SubtaskResult, error) {
	workers := c.rankedWorkers()
	if len(workers) == 0 {
		return nil, core.NewError("coordinator.runParallel", "validation", fmt.Errorf("no workers available"))
	}

	var results []SubtaskResult
	var firstErr error
	for _, level := range levels {
		if firstErr != nil {
			for _, st := range level {
				graph.setStatus(st.ID, SubtaskSkipped)
				results = append(results, SubtaskResult{SubtaskID: st.ID, Status: SubtaskSkipped})
			}
			continue
		}

		levelResults := make([]SubtaskResult, len(level))
		g, gctx := errgroup.WithContext(ctx)
		for i, st := range level {
			i, st := i, st
			worker := workers[i%len(workers)]
			graph.setStatus(st.ID, SubtaskRunning)
			g.Go(func() error {
				res, err := c.dispatcher.Dispatch(gctx, worker.ID, st, 0)
				if err != nil {
					res = SubtaskResult{SubtaskID: st.ID, WorkerID: worker.ID, Status: SubtaskFailed, Err: err}
					levelResults[i] = res
					return err
				}
				levelResults[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			firstErr = err
		}
		for i, st := range level {
			graph.setStatus(st.ID, levelResults[i].Status)
		}
		results = append(results, levelResults...)
	}
	return results, firstErr
}

// runSequential dispatches to workers in ranked order, best-performing
// first, carrying a prior-steps counter. Levels
// are walked in dependency order; within one, the caller's subtask order
// holds. Stops at the first failure or cancellation.
func (c *Coordinator) runSequential(ctx context.Context, graph *taskGraph, levels [][]Subtask) []SubtaskResult {
	workers := c.rankedWorkers()
	var ordered []Subtask
	for _, level := range levels {
		ordered = append(ordered, level...)
	}
	results := make([]SubtaskResult, 0, len(ordered))

	for i, st := range ordered {
		select {
		case <-ctx.Done():
			graph.setStatus(st.ID, SubtaskCancelled)
			results = append(results, SubtaskResult{SubtaskID: st.ID, Status: SubtaskCancelled})
			continue
		default:
		}

		if len(workers) == 0 {
			results = append(results, SubtaskResult{SubtaskID: st.ID, Status: SubtaskFailed, Err: fmt.Errorf("no workers available")})
			break
		}
		worker := workers[i%len(workers)]

		graph.setStatus(st.ID, SubtaskRunning)
		res, err := c.dispatcher.Dispatch(ctx, worker.ID, st, i)
		if err != nil {
			res = SubtaskResult{SubtaskID: st.ID, WorkerID: worker.ID, Status: SubtaskFailed, Err: err}
			graph.setStatus(st.ID, SubtaskFailed)
			results = append(results, res)
			break
		}
		graph.setStatus(st.ID, res.Status)
		results = append(results, res)
	}
	return results
}

// Cancel propagates cancellation to every in-flight subtask of taskID;
// workers stop at their next suspension point and report cancelled.
func (c *Coordinator) Cancel(taskID string) {
	c.mu.RLock()
	cancel, ok := c.cancels[taskID]
	c.mu.RUnlock()
	if ok {
		cancel()
	}
}

// TriggerCollectiveLearning has every worker train from approved patterns
// in the store, runs an Aggregator pass, and updates pipeline metrics.
func (c *Coordinator) TriggerCollectiveLearning(ctx context.Context, lister PatternLister, aggregator AggregatorRunner, kinds []pattern.Kind) error {
	workers := c.rankedWorkers()
	if len(workers) == 0 {
		return nil
	}

	var approved []*pattern.Pattern
	for _, kind := range kinds {
		ps, err := lister.ListPatterns(ctx, kind, 0)
		if err != nil {
			return core.NewError("coordinator.TriggerCollectiveLearning", "transient", err)
		}
		approved = append(approved, ps...)
	}

	if c.dispatcher != nil && len(approved) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, w := range workers {
			w := w
			g.Go(func() error {
				_, err := c.dispatcher.Dispatch(gctx, w.ID, Subtask{ID: "collective-learning", Payload: approved}, 0)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			c.logger.Warn("collective learning dispatch failed for one or more workers", map[string]interface{}{"error": err.Error()})
		}
	}

	if aggregator != nil {
		aggregator.Flush(ctx)
	}

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("coordinator_collective_learning_rounds")
		registry.Gauge("coordinator_collective_learning_patterns", float64(len(approved)))
	}
	return nil
}
