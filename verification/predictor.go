// Package verification implements the Verification Predictor:
// adaptive-threshold-keyed truth-score prediction with EMA-adjusted
// thresholds and rollback triggering.
package verification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/substrateconfig"
)

// ThresholdStore is the narrow Store surface the predictor needs for
// AdaptiveThreshold rows, satisfied by *store.Store.
type ThresholdStore interface {
	GetAdaptiveThreshold(ctx context.Context, agentType, fileType string) (*pattern.AdaptiveThreshold, bool, error)
	PutAdaptiveThreshold(ctx context.Context, t *pattern.AdaptiveThreshold) error
}

// OutcomeStore is the narrow Store surface for recording
// VerificationOutcome rows.
type OutcomeStore interface {
	PutVerificationOutcome(ctx context.Context, o *pattern.VerificationOutcome) error
}

// ReliabilitySource supplies an agent's track record, used to temper
// prediction confidence.
type ReliabilitySource interface {
	GetAgentReliability(ctx context.Context, agentID string) (*pattern.AgentReliability, error)
}

// PredictionLog persists each prediction and, once the actual truth-score is
// known, the prediction error.
type PredictionLog interface {
	InsertTruthScorePrediction(ctx context.Context, taskID, agentType, fileType string, predicted float64) (int64, error)
	ResolveTruthScorePrediction(ctx context.Context, id int64, actual float64) error
}

// Prediction is the Predictor's pre-execution estimate for a proposed
// change. It carries the change context (task, complexity,
// lines changed) through to RecordOutcome so the persisted
// VerificationOutcome doesn't have to re-thread it.
type Prediction struct {
	TaskID              string
	Complexity          float64
	LinesChanged        int
	TruthScore          float64
	Confidence          float64
	Threshold           float64
	RollbackRecommended bool

	logID int64 // truth_score_predictions row awaiting its actual score; 0 if unlogged
}

// Predictor selects the AdaptiveThreshold row for (agent-type, file-type),
// predicts a truth-score, and after execution records the actual score,
// updating the threshold's adjustment-factor by EMA.
type Predictor struct {
	cfg         substrateconfig.VerificationConfig
	thresholds  ThresholdStore
	outcomes    OutcomeStore
	reliability ReliabilitySource
	predictions PredictionLog
	cache       *thresholdCache
	logger      core.Logger
}

// Deps bundles the Predictor's collaborators. Reliability may be nil, in
// which case prediction confidence defaults to a flat 0.5; Predictions may
// be nil to skip the durable prediction log.
type Deps struct {
	Thresholds  ThresholdStore
	Outcomes    OutcomeStore
	Reliability ReliabilitySource
	Predictions PredictionLog
	Logger      core.Logger
}

// New builds a Predictor.
func New(cfg substrateconfig.VerificationConfig, deps Deps) *Predictor {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Predictor{
		cfg:         cfg,
		thresholds:  deps.Thresholds,
		outcomes:    deps.Outcomes,
		reliability: deps.Reliability,
		predictions: deps.Predictions,
		cache:       newThresholdCache(1000, 5*time.Minute),
		logger:      logger,
	}
}

// CacheStats reports the threshold-lookup cache's hit/miss counters.
func (p *Predictor) CacheStats() CacheStats { return p.cache.Stats() }

// Predict scores a proposed change via a weighted sum of componentScores
// (compile, test, lint, ...), compares it against the (agentType, fileType)
// AdaptiveThreshold, and reports whether a rollback is recommended.
func (p *Predictor) Predict(ctx context.Context, taskID, agentID, agentType, fileType string, complexity float64, linesChanged int, componentScores map[string]float64) (*Prediction, error) {
	threshold, err := p.resolveThreshold(ctx, agentType, fileType)
	if err != nil {
		return nil, err
	}

	truthScore := weightedSum(componentScores, p.cfg.Weights)

	confidence := 0.5
	if p.reliability != nil {
		rel, err := p.reliability.GetAgentReliability(ctx, agentID)
		if err == nil && rel.Total > 0 {
			confidence = rel.Reliability
		}
	}

	pred := &Prediction{
		TaskID:              taskID,
		Complexity:          complexity,
		LinesChanged:        linesChanged,
		TruthScore:          truthScore,
		Confidence:          confidence,
		Threshold:           threshold.Threshold,
		RollbackRecommended: truthScore < threshold.Threshold,
	}

	if p.predictions != nil {
		id, err := p.predictions.InsertTruthScorePrediction(ctx, taskID, agentType, fileType, truthScore)
		if err != nil {
			p.logger.Warn("failed to log truth-score prediction", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		} else {
			pred.logID = id
		}
	}

	return pred, nil
}

// resolveThreshold looks up the AdaptiveThreshold row through the cache,
// falling back to the Store and finally to DefaultThreshold for an unseen
// (agentType, fileType) pair.
func (p *Predictor) resolveThreshold(ctx context.Context, agentType, fileType string) (*pattern.AdaptiveThreshold, error) {
	if cached, ok := p.cache.get(agentType, fileType); ok {
		return cached, nil
	}

	if p.thresholds != nil {
		if t, ok, err := p.thresholds.GetAdaptiveThreshold(ctx, agentType, fileType); err != nil {
			return nil, core.NewError("verification.Predictor.resolveThreshold", "transient", err)
		} else if ok {
			p.cache.set(t)
			return t, nil
		}
	}

	def := p.cfg.DefaultThreshold
	if def <= 0 {
		def = 0.8
	}
	seeded := &pattern.AdaptiveThreshold{AgentType: agentType, FileType: fileType, Threshold: def, LastAdjusted: time.Now()}
	p.cache.set(seeded)
	return seeded, nil
}

// RecordOutcome is called once the actual truth-score is known. It persists
// a VerificationOutcome, sets RollbackTriggered when either the prediction
// fell below the recommended threshold or the observed score did, and
// updates the threshold's adjustment-factor by EMA with alpha =
// cfg.EMAAlpha (default 0.1).
func (p *Predictor) RecordOutcome(ctx context.Context, agentID, agentType, fileType string, prediction *Prediction, observedScore float64, durationMS int64, componentScores map[string]float64) (*pattern.VerificationOutcome, error) {
	threshold, err := p.resolveThreshold(ctx, agentType, fileType)
	if err != nil {
		return nil, err
	}

	rollback := prediction.RollbackRecommended || observedScore < threshold.Threshold

	outcome := &pattern.VerificationOutcome{
		ID:                uuid.NewString(),
		TaskID:            prediction.TaskID,
		AgentID:           agentID,
		Timestamp:         time.Now(),
		Passed:            !rollback,
		TruthScore:        observedScore,
		Threshold:         threshold.Threshold,
		ComponentScores:   componentScores,
		FileType:          fileType,
		Complexity:        prediction.Complexity,
		LinesChanged:      prediction.LinesChanged,
		DurationMS:        durationMS,
		RollbackTriggered: rollback,
	}

	if p.outcomes != nil {
		if err := p.outcomes.PutVerificationOutcome(ctx, outcome); err != nil {
			return nil, core.NewError("verification.Predictor.RecordOutcome", "transient", err)
		}
	}

	if p.predictions != nil && prediction.logID != 0 {
		if err := p.predictions.ResolveTruthScorePrediction(ctx, prediction.logID, observedScore); err != nil {
			p.logger.Warn("failed to resolve truth-score prediction", map[string]interface{}{"task_id": prediction.TaskID, "error": err.Error()})
		}
	}

	p.updateThreshold(ctx, threshold, prediction.TruthScore, observedScore)
	return outcome, nil
}

// updateThreshold applies the EMA: the adjustment-factor tracks prediction
// error (observed-predicted) with alpha weight on the newest sample, and
// the threshold itself drifts by that factor.
func (p *Predictor) updateThreshold(ctx context.Context, t *pattern.AdaptiveThreshold, predicted, observed float64) {
	alpha := p.cfg.EMAAlpha
	if alpha <= 0 {
		alpha = 0.1
	}

	predictionError := observed - predicted
	t.AdjustmentFactor = alpha*predictionError + (1-alpha)*t.AdjustmentFactor
	t.Threshold = clamp01(t.Threshold + t.AdjustmentFactor)
	t.SampleCount++
	t.LastAdjusted = time.Now()

	p.cache.set(t)
	if p.thresholds != nil {
		if err := p.thresholds.PutAdaptiveThreshold(ctx, t); err != nil {
			p.logger.Warn("failed to persist adaptive threshold", map[string]interface{}{
				"agent_type": t.AgentType, "file_type": t.FileType, "error": err.Error(),
			})
		}
	}
}

// weightedSum computes Σ w_k·scores[k] / Σ w_k over the components present,
// defaulting every component to equal weight when cfg.Weights is unset —
// the weights stay configurable rather than baked in.
func weightedSum(scores map[string]float64, weights map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var weighted, total float64
	for k, v := range scores {
		w := 1.0
		if weights != nil {
			if cw, ok := weights[k]; ok {
				w = cw
			}
		}
		weighted += w * v
		total += w
	}
	if total == 0 {
		return 0
	}
	return weighted / total
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
