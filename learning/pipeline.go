package learning

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

// State is one of the Learning Pipeline's four states:
// Idle -> Buffering -> Extracting -> Training -> Idle.
type State int32

const (
	StateIdle State = iota
	StateBuffering
	StateExtracting
	StateTraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateExtracting:
		return "extracting"
	case StateTraining:
		return "training"
	default:
		return "unknown"
	}
}

// PatternStore is the narrow persistence surface the Pipeline needs —
// satisfied by *store.Store, and small enough that tests can swap in a
// fake without pulling in SQLite.
type PatternStore interface {
	PutPattern(ctx context.Context, p *pattern.Pattern) error
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
}

// Matcher is the narrow vector-search surface Apply needs, satisfied by
// *vectorindex.Index.
type Matcher interface {
	Search(ctx context.Context, query string, kind pattern.Kind, topK int) ([]MatchResult, error)
}

// MatchResult pairs a candidate Pattern with its similarity to the query.
type MatchResult struct {
	Pattern    *pattern.Pattern
	Similarity float64
}

// PatternSubmitter is the narrow surface train() needs from the Pattern
// Aggregator, avoiding a direct dependency on package
// consensus.
type PatternSubmitter interface {
	Submit(ctx context.Context, candidate *pattern.Pattern, contributorID string) error
}

// OutcomeRouter is the narrow surface track-outcome() needs from the
// Replanner.
type OutcomeRouter interface {
	NotifyOutcome(ctx context.Context, outcome pattern.ExecutionOutcome)
}

// ApplyResult is the Pipeline.Apply() return shape: a matched pattern with
// its boost, or none.
type ApplyResult struct {
	Pattern *pattern.Pattern
	Boost   float64
	None    bool
}

// Pipeline is the Idle/Buffering/Extracting/Training state machine,
// message-driven: typed channels carry observations and extraction requests
// into one loop rather than callbacks or emitters, and training runs inside
// the extraction step. The ring buffer is
// a fixed slice with a write cursor.
type Pipeline struct {
	cfg substrateconfig.PipelineConfig

	ring        []pattern.Observation
	writeCursor int
	filled      bool
	ringMu      sync.Mutex

	state      atomic.Int32
	extracting atomic.Bool

	extractor  *Extractor
	updater    *Updater
	store      PatternStore
	matcher    Matcher
	aggregator PatternSubmitter
	replanner  OutcomeRouter

	obsCh   chan pattern.Observation
	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger core.Logger
}

// Deps bundles the Pipeline's collaborators so NewPipeline's signature
// stays manageable as the component count grows.
type Deps struct {
	Extractor  *Extractor
	Updater    *Updater
	Store      PatternStore
	Matcher    Matcher
	Aggregator PatternSubmitter
	Replanner  OutcomeRouter
	Logger     core.Logger
}

// NewPipeline builds a Pipeline from cfg and deps. Start must be called
// before Observe/Train will make progress past buffering.
func NewPipeline(cfg substrateconfig.PipelineConfig, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cap := cfg.ObservationBuffer; cap > 0 {
		return &Pipeline{
			cfg:        cfg,
			ring:       make([]pattern.Observation, cap),
			extractor:  deps.Extractor,
			updater:    deps.Updater,
			store:      deps.Store,
			matcher:    deps.Matcher,
			aggregator: deps.Aggregator,
			replanner:  deps.Replanner,
			obsCh:      make(chan pattern.Observation, cap),
			flushCh:    make(chan struct{}, 1),
			stopCh:     make(chan struct{}),
			logger:     logger,
		}
	}
	panic("learning: PipelineConfig.ObservationBuffer must be positive")
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Start launches the background loop that buffers observations and
// triggers extraction on a full buffer or the flush interval. Call Stop to
// release its goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop signals the background loop to exit and waits for it.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case obs := <-p.obsCh:
			p.buffer(obs)
		case <-ticker.C:
			p.maybeExtract(ctx)
		case <-p.flushCh:
			p.maybeExtract(ctx)
		}
	}
}

func (p *Pipeline) buffer(obs pattern.Observation) {
	p.ringMu.Lock()
	p.ring[p.writeCursor] = obs
	p.writeCursor = (p.writeCursor + 1) % len(p.ring)
	if p.writeCursor == 0 {
		p.filled = true
	}
	full := p.filled && p.writeCursor == 0
	p.ringMu.Unlock()

	if p.state.Load() == int32(StateIdle) {
		p.state.Store(int32(StateBuffering))
	}
	if full {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
}

func (p *Pipeline) snapshot() []pattern.Observation {
	p.ringMu.Lock()
	defer p.ringMu.Unlock()
	if !p.filled {
		out := make([]pattern.Observation, p.writeCursor)
		copy(out, p.ring[:p.writeCursor])
		return out
	}
	out := make([]pattern.Observation, len(p.ring))
	copy(out, p.ring)
	return out
}

// maybeExtract runs the Extractor at most once concurrently per pipeline
// instance; observations arriving during an extraction keep accumulating.
// CompareAndSwap enforces the single-flight without blocking the caller.
func (p *Pipeline) maybeExtract(ctx context.Context) {
	if !p.extracting.CompareAndSwap(false, true) {
		return
	}
	defer p.extracting.CompareAndSwap(true, false)

	p.state.Store(int32(StateExtracting))
	obs := p.snapshot()

	candidates, err := p.extractor.Extract(obs)
	if err != nil {
		// "an extraction failure is logged and discards the extraction
		// batch; the pipeline never crashes on a single malformed
		// observation".
		p.logger.Error("pattern extraction failed, discarding batch", map[string]interface{}{"error": err.Error()})
		p.state.Store(int32(StateIdle))
		return
	}

	if len(candidates) == 0 {
		p.state.Store(int32(StateIdle))
		return
	}

	p.state.Store(int32(StateTraining))
	for _, c := range candidates {
		id := uuid.NewString()
		cp := c.ToPattern(id, time.Now())
		if err := p.Train(ctx, cp); err != nil {
			p.logger.Warn("candidate pattern submission failed", map[string]interface{}{"error": err.Error()})
		}
	}
	p.state.Store(int32(StateIdle))
}

// Observe executes action, capturing pre/post state, duration, and outcome
// classification, then appends to the ring buffer. The only suspension
// points are awaiting action and the buffered channel send, which waits
// for room (or for ctx to end) when the buffer is full.
func (p *Pipeline) Observe(
	ctx context.Context,
	taskID, agentID, op string,
	preState map[string]any,
	action func(ctx context.Context) (postState map[string]any, err error),
) (pattern.Observation, error) {
	start := time.Now()
	postState, actionErr := action(ctx)
	duration := time.Since(start)

	outcome := pattern.OutcomeSuccess
	if actionErr != nil {
		outcome = pattern.OutcomeFailure
	}

	obs := pattern.Observation{
		TaskID:      taskID,
		AgentID:     agentID,
		Op:          op,
		ContextHash: contextHash(preState),
		PreState:    preState,
		PostState:   postState,
		DurationMS:  duration.Milliseconds(),
		Outcome:     outcome,
		Timestamp:   time.Now(),
	}

	select {
	case p.obsCh <- obs:
	case <-ctx.Done():
		return obs, ctx.Err()
	}

	return obs, actionErr
}

// Apply matches ctx against known patterns via the vector index and a
// pre-state subset check, ranking by confidence*similarity. The match
// threshold (0.7) gates whether a match is returned at all.
func (p *Pipeline) Apply(ctx context.Context, taskDesc string, state map[string]any) (ApplyResult, error) {
	const matchThreshold = 0.7

	results, err := p.matcher.Search(ctx, taskDesc, pattern.KindCoordination, 10)
	if err != nil {
		return ApplyResult{}, core.NewError("learning.Pipeline.Apply", "store", err)
	}

	var best MatchResult
	var bestScore float64
	for _, r := range results {
		if r.Pattern.Retired(time.Now()) || r.Pattern.SupersededBy != "" {
			continue
		}
		if !preStateSubset(r.Pattern.Conditions, state) {
			continue
		}
		score := r.Pattern.Confidence * r.Similarity
		if score > bestScore {
			bestScore, best = score, r
		}
	}

	if bestScore < matchThreshold {
		return ApplyResult{None: true}, nil
	}
	return ApplyResult{Pattern: best.Pattern, Boost: bestScore}, nil
}

// preStateSubset reports whether every key/value in conditions is present
// and equal in state.
func preStateSubset(conditions, state map[string]any) bool {
	for k, v := range conditions {
		if sv, ok := state[k]; !ok || fmt.Sprint(sv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// Train accepts a Pattern candidate (from the local Extractor or
// federation) and submits it via the Aggregator.
func (p *Pipeline) Train(ctx context.Context, candidate *pattern.Pattern) error {
	return p.aggregator.Submit(ctx, candidate, candidate.ID)
}

// TrackOutcome routes a completed Plan's outcome to the Confidence Updater
// and, if the outcome warrants it, to the Replanner.
func (p *Pipeline) TrackOutcome(ctx context.Context, planID string, patternID string, outcome pattern.ExecutionOutcome) error {
	if patternID != "" {
		pat, err := p.store.GetPattern(ctx, patternID)
		if err != nil {
			return err
		}
		quality := outcomeQuality(outcome)
		if err := p.updater.Apply(pat, quality, outcome.ActualCost, outcome.EstimatedCost); err != nil {
			return err
		}
		RecordOutcome(pat, outcomeToPatternOutcome(outcome), outcome.DurationMS)
		if err := p.store.PutPattern(ctx, pat); err != nil {
			return err
		}
	}

	if p.replanner != nil && outcomeWarrantsReplan(outcome) {
		p.replanner.NotifyOutcome(ctx, outcome)
	}
	return nil
}

func outcomeQuality(o pattern.ExecutionOutcome) float64 {
	if !o.Success {
		return 0
	}
	if o.EstimatedCost <= 0 {
		return 1
	}
	q := 1 - (o.ActualCost-o.EstimatedCost)/o.EstimatedCost
	return clamp01(q)
}

func outcomeToPatternOutcome(o pattern.ExecutionOutcome) pattern.Outcome {
	switch {
	case o.Success && o.AchievedGoal:
		return pattern.OutcomeSuccess
	case o.Success:
		return pattern.OutcomePartial
	default:
		return pattern.OutcomeFailure
	}
}

func outcomeWarrantsReplan(o pattern.ExecutionOutcome) bool {
	const tauVar = 0.5
	return !o.Success || o.CostVariance > tauVar || o.CostVariance < -tauVar
}

func contextHash(state map[string]any) string {
	return fmt.Sprintf("%x", hashMap(state))
}

func hashMap(m map[string]any) uint64 {
	var h uint64 = 14695981039346656037
	for k, v := range m {
		h = fnv1a(h, k)
		h = fnv1a(h, fmt.Sprint(v))
	}
	return h
}

func fnv1a(h uint64, s string) uint64 {
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
