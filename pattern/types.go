// Package pattern defines the data model shared by every other substrate
// package: defined once, imported everywhere, so no component pair needs a
// private vocabulary or a conversion layer between them.
package pattern

import "time"

// Kind tags what a Pattern was learned for. A single patterns table is
// parameterized by Kind rather than split per subsystem (see SPEC_FULL.md).
type Kind string

const (
	KindCoordination Kind = "coordination"
	KindGOAP         Kind = "goap"
	KindVerification Kind = "verification"
	KindSPARCPhase   Kind = "sparc-phase"
)

// Generalization classifies how broadly a Pattern has been shown to apply.
type Generalization string

const (
	GeneralizationSpecific Generalization = "specific"
	GeneralizationModerate Generalization = "moderate"
	GeneralizationGeneral  Generalization = "general"
)

// Outcome classifies a single observation or execution result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Metrics tracks the rolling performance of a Pattern across applications.
type Metrics struct {
	Success        int     `json:"success"`
	Failure        int     `json:"failure"`
	Partial        int     `json:"partial"`
	AvgDuration    float64 `json:"avg_duration"`
	AvgImprovement float64 `json:"avg_improvement"`
}

// SuccessCriteria bounds what counts as a successful application of a
// Pattern's action sequence.
type SuccessCriteria struct {
	MinCompletion float64 `json:"min_completion"`
	MaxError      float64 `json:"max_error"`
}

// Pattern is a reusable, scored template mined from Observations and
// validated by consensus. Mutated only by the confidence updater
// or the aggregator, always under the per-pattern write lock the owning
// store enforces.
type Pattern struct {
	ID              string            `json:"id"`
	Kind            Kind              `json:"kind"`
	Name            string            `json:"name"`
	Conditions      map[string]any    `json:"conditions"`
	Actions         []string          `json:"actions"`
	SuccessCriteria SuccessCriteria   `json:"success_criteria"`
	Metrics         Metrics           `json:"metrics"`
	Confidence      float64           `json:"confidence"`
	UsageCount      int               `json:"usage_count"`
	Generalization  Generalization    `json:"generalization"`
	Created         time.Time         `json:"created"`
	LastUsed        time.Time         `json:"last_used"`
	Version         int               `json:"version"`
	SupersededBy    string            `json:"superseded_by,omitempty"`
	Category        string            `json:"category,omitempty"`
}

// Retired reports whether P meets the retirement rule: low confidence,
// little use, and age beyond the retirement window.
func (p *Pattern) Retired(now time.Time) bool {
	return p.Confidence < 0.3 && p.UsageCount < 5 && now.Sub(p.Created) > 30*24*time.Hour
}

// Embedding is a dense vector representation of a Pattern, one-to-one with
// it, regenerated only when the Pattern's content mutates.
type Embedding struct {
	PatternID string    `json:"pattern_id"`
	Model     string    `json:"model"`
	Vector    []float32 `json:"vector"`
	CreatedAt time.Time `json:"created_at"`
}

// Observation is a single recorded task execution, appended by the Learning
// Pipeline's ring buffer.
type Observation struct {
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	Op         string    `json:"op"`
	ContextHash string   `json:"context_hash"`
	PreState   map[string]any `json:"pre_state"`
	PostState  map[string]any `json:"post_state"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    Outcome   `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

// PlanMethod records how a Plan was produced.
type PlanMethod string

const (
	MethodAStar        PlanMethod = "a-star"
	MethodPatternReuse PlanMethod = "pattern-reuse"
	MethodHybrid       PlanMethod = "hybrid"
)

// Plan is the immutable output of the GOAP planner.
type Plan struct {
	ID                string         `json:"id"`
	Actions           []string       `json:"actions"`
	TotalCost         float64        `json:"total_cost"`
	EstimatedDuration float64        `json:"estimated_duration"`
	Confidence        float64        `json:"confidence"`
	CurrentState      map[string]any `json:"current_state"`
	GoalState         map[string]any `json:"goal_state"`
	Constraints       map[string]any `json:"constraints,omitempty"`
	Method            PlanMethod     `json:"method"`
	PatternID         string         `json:"pattern_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Retired           bool           `json:"retired"`
}

// ExecutionOutcome is the terminal result of executing a Plan. At
// most one may be recorded per Plan.
type ExecutionOutcome struct {
	PlanID       string    `json:"plan_id"`
	Success      bool      `json:"success"`
	AchievedGoal bool      `json:"achieved_goal"`
	ActualCost   float64   `json:"actual_cost"`
	EstimatedCost float64  `json:"estimated_cost"`
	CostVariance float64   `json:"cost_variance"`
	DurationMS   int64     `json:"duration_ms"`
	Errors       []string  `json:"errors,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// HeuristicEntry tracks A* heuristic accuracy for a (state, goal) pair,
// keyed by their hashes, mutated after every search.
type HeuristicEntry struct {
	StateHash   string    `json:"state_hash" db:"state_hash"`
	GoalHash    string    `json:"goal_hash" db:"goal_hash"`
	Estimated   float64   `json:"estimated" db:"estimated"`
	Actual      float64   `json:"actual" db:"actual"`
	Error       float64   `json:"error" db:"error"`
	Encounters  int       `json:"encounters" db:"encounters"`
	AvgError    float64   `json:"avg_error" db:"avg_error"`
	Variance    float64   `json:"variance" db:"variance"`
	Confidence  float64   `json:"confidence" db:"confidence"`
	FirstSeen   time.Time `json:"first_seen" db:"first_seen"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// ActionPerformance tracks one action's running cost/duration/success
// averages for a given context, keyed by
// (action_id, context_hash). Maintained by the Store whenever a Plan's
// terminal ExecutionOutcome is recorded, the same trigger-style upkeep
// AgentReliability gets from VerificationOutcome inserts.
type ActionPerformance struct {
	ActionID    string    `json:"action_id" db:"action_id"`
	ContextHash string    `json:"context_hash" db:"context_hash"`
	Invocations int       `json:"invocations" db:"invocations"`
	AvgCost     float64   `json:"avg_cost" db:"avg_cost"`
	AvgDuration float64   `json:"avg_duration" db:"avg_duration"`
	SuccessRate float64   `json:"success_rate" db:"success_rate"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// VoteChoice is a single node's ballot on a proposal.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// Vote is a single node's ballot in one consensus round.
// Ephemeral — not persisted beyond the round it belongs to.
type Vote struct {
	NodeID     string     `json:"node_id"`
	Choice     VoteChoice `json:"choice"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ConsensusNode is a roster member the Byzantine voter weighs votes by
//. Mutated only by the voter after a round completes.
type ConsensusNode struct {
	ID             string    `json:"id"`
	Reputation     float64   `json:"reputation"`
	ResponseTimeMS float64   `json:"response_time_ms"`
	Reliability    float64   `json:"reliability"`
	LastSeen       time.Time `json:"last_seen"`
	Quarantined    bool      `json:"quarantined"`
	SuspiciousMarks []time.Time `json:"-"`
}

// ReliabilityTrend classifies the recent direction of an agent's accuracy.
type ReliabilityTrend string

const (
	TrendImproving ReliabilityTrend = "improving"
	TrendStable    ReliabilityTrend = "stable"
	TrendDeclining ReliabilityTrend = "declining"
)

// AgentReliability is maintained by a Store-level trigger equivalent every
// time a VerificationOutcome is persisted.
type AgentReliability struct {
	AgentID      string           `json:"agent_id" db:"agent_id"`
	Total        int              `json:"total" db:"total"`
	Success      int              `json:"success" db:"success"`
	Fail         int              `json:"fail" db:"fail"`
	AvgTruthScore float64         `json:"avg_truth_score" db:"avg_truth_score"`
	Reliability  float64          `json:"reliability" db:"reliability"`
	Trend        ReliabilityTrend `json:"trend" db:"trend"`
	Quarantined  bool             `json:"quarantined" db:"quarantined"`
}

// VerificationOutcome records a single predict-then-verify round.
type VerificationOutcome struct {
	ID               string             `json:"id"`
	TaskID           string             `json:"task_id"`
	AgentID          string             `json:"agent_id"`
	Timestamp        time.Time          `json:"timestamp"`
	Passed           bool               `json:"passed"`
	TruthScore       float64            `json:"truth_score"`
	Threshold        float64            `json:"threshold"`
	ComponentScores  map[string]float64 `json:"component_scores"`
	FileType         string             `json:"file_type"`
	Complexity       float64            `json:"complexity"`
	LinesChanged     int                `json:"lines_changed"`
	DurationMS       int64              `json:"duration_ms"`
	RollbackTriggered bool              `json:"rollback_triggered"`
}

// AdaptiveThreshold is a self-tuning acceptance bar keyed by
// (agent-type, file-type), owned by the verification predictor.
type AdaptiveThreshold struct {
	AgentType        string    `json:"agent_type" db:"agent_type"`
	FileType         string    `json:"file_type" db:"file_type"`
	Threshold        float64   `json:"threshold" db:"threshold"`
	AdjustmentFactor float64   `json:"adjustment_factor" db:"adjustment_factor"`
	SampleCount      int       `json:"sample_count" db:"sample_count"`
	LastAdjusted     time.Time `json:"last_adjusted" db:"last_adjusted"`
}

// WorldState is a bag of GOAP state variables, validated against the
// variable schema the planner's configuration declares.
type WorldState map[string]any

// Clone returns a shallow copy safe to mutate independently of s.
func (s WorldState) Clone() WorldState {
	out := make(WorldState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Contains reports whether s has every key/value pair present in goal —
// the A* goal test `s ⊇ g`.
func (s WorldState) Contains(goal WorldState) bool {
	for k, v := range goal {
		if sv, ok := s[k]; !ok || sv != v {
			return false
		}
	}
	return true
}

// RiskLevel classifies the downside of taking an Action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "med"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Action is a GOAP operator: a named precondition/effect pair with a scalar
// cost, compiled from expr-lang expressions at planner construction time.
type Action struct {
	Name          string    `json:"name"`
	Preconditions string    `json:"preconditions"` // expr-lang boolean expression over `state`
	Effects       string    `json:"effects"`        // expr-lang expression producing a map to merge into state
	Cost          float64   `json:"cost"`
	Risk          RiskLevel `json:"risk"`
}

// LinkRelation classifies an edge in the pattern relationship graph.
type LinkRelation string

const (
	LinkFollows   LinkRelation = "follows"
	LinkRequires  LinkRelation = "requires"
	LinkConflicts LinkRelation = "conflicts"
	LinkSimilar   LinkRelation = "similar"
)

// PatternLink is a directed, weighted edge between two Patterns. Stored
// as an explicit tuple rather than an embedded reference so the supersedes
// cycle check can walk it without loading every Pattern.
type PatternLink struct {
	Src       string       `json:"src"`
	Dst       string       `json:"dst"`
	Relation  LinkRelation `json:"relation"`
	Weight    float64      `json:"weight"`
	CreatedAt time.Time    `json:"created_at"`
}

// TaskTrajectory records one task's full (query, action trace, judge
// verdict) history for offline analysis.
type TaskTrajectory struct {
	TaskID         string    `json:"task_id"`
	AgentID        string    `json:"agent_id"`
	Query          string    `json:"query"`
	TrajectoryJSON string    `json:"trajectory_json"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	JudgeLabel     string    `json:"judge_label,omitempty"`
	JudgeConf      float64   `json:"judge_conf,omitempty"`
	MATTSRunID     string    `json:"matts_run_id,omitempty"`
}

// MemoryEntry is a namespaced key/value row with optional TTL, the general
// scratch memory substrate components outside the Pattern Store use for
// short-lived shared state.
type MemoryEntry struct {
	Namespace   string    `json:"namespace"`
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	TTL         int64     `json:"ttl,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AccessedAt  time.Time `json:"accessed_at,omitempty"`
	AccessCount int       `json:"access_count"`
}

// MetricSample is one row appended to the durable metrics log a restart
// doesn't lose, distinct from telemetry's in-memory Prometheus counters.
type MetricSample struct {
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Component  string            `json:"component,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}
