package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// PutVerificationOutcome records a VerificationOutcome and recomputes the
// agent's AgentReliability row in the same transaction, so the derived row
// can never lag the outcome history it summarizes.
func (s *Store) PutVerificationOutcome(ctx context.Context, o *pattern.VerificationOutcome) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	scores, err := json.Marshal(o.ComponentScores)
	if err != nil {
		return core.NewError("store.PutVerificationOutcome", "validation", err)
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO verification_outcomes (id, task_id, agent_id, timestamp, passed, truth_score,
				threshold, component_scores, file_type, complexity, lines_changed, duration_ms, rollback_triggered)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.ID, o.TaskID, o.AgentID, o.Timestamp, o.Passed, o.TruthScore, o.Threshold,
			string(scores), o.FileType, o.Complexity, o.LinesChanged, o.DurationMS, o.RollbackTriggered)
		if err != nil {
			return core.NewError("store.PutVerificationOutcome", "store", err)
		}
		return recomputeAgentReliability(ctx, tx, o.AgentID)
	})
}

// recomputeAgentReliability rebuilds the agent_reliability row from the
// full verification_outcomes history for agentID — simple and correct
// rather than incremental, since VerificationOutcome volume per agent is
// small relative to store I/O budgets.
func recomputeAgentReliability(ctx context.Context, tx *sqlx.Tx, agentID string) error {
	var agg struct {
		Total   int     `db:"total"`
		Success int     `db:"success"`
		AvgTS   float64 `db:"avg_ts"`
	}
	err := tx.GetContext(ctx, &agg, `
		SELECT COUNT(*) AS total,
		       SUM(CASE WHEN passed THEN 1 ELSE 0 END) AS success,
		       AVG(truth_score) AS avg_ts
		FROM verification_outcomes WHERE agent_id = ?
	`, agentID)
	if err != nil {
		return core.NewError("store.recomputeAgentReliability", "store", err)
	}

	fail := agg.Total - agg.Success
	reliability := 0.0
	if agg.Total > 0 {
		reliability = float64(agg.Success) / float64(agg.Total)
	}

	trend := pattern.TrendStable
	var recent []bool
	if err := tx.SelectContext(ctx, &recent, `
		SELECT passed FROM verification_outcomes WHERE agent_id = ? ORDER BY timestamp DESC LIMIT 10
	`, agentID); err == nil && len(recent) >= 4 {
		half := len(recent) / 2
		var recentOK, olderOK int
		for i, p := range recent {
			if !p {
				continue
			}
			if i < half {
				recentOK++
			} else {
				olderOK++
			}
		}
		recentRate := float64(recentOK) / float64(half)
		olderRate := float64(olderOK) / float64(len(recent)-half)
		switch {
		case recentRate > olderRate+0.1:
			trend = pattern.TrendImproving
		case recentRate < olderRate-0.1:
			trend = pattern.TrendDeclining
		}
	}

	quarantined := agg.Total >= 5 && reliability < 0.2

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_reliability (agent_id, total, success, fail, avg_truth_score, reliability, trend, quarantined)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			total=excluded.total, success=excluded.success, fail=excluded.fail,
			avg_truth_score=excluded.avg_truth_score, reliability=excluded.reliability,
			trend=excluded.trend, quarantined=excluded.quarantined
	`, agentID, agg.Total, agg.Success, fail, agg.AvgTS, reliability, string(trend), quarantined)
	if err != nil {
		return core.NewError("store.recomputeAgentReliability", "store", err)
	}
	return nil
}

// GetAgentReliability returns the current AgentReliability row for agentID.
func (s *Store) GetAgentReliability(ctx context.Context, agentID string) (*pattern.AgentReliability, error) {
	var r pattern.AgentReliability
	err := s.db.GetContext(ctx, &r, `SELECT * FROM agent_reliability WHERE agent_id = ?`, agentID)
	if err == sql.ErrNoRows {
		return &pattern.AgentReliability{AgentID: agentID, Trend: pattern.TrendStable}, nil
	}
	if err != nil {
		return nil, core.NewError("store.GetAgentReliability", "store", err)
	}
	return &r, nil
}

// InsertTruthScorePrediction appends a pending prediction row, returning
// its id so the actual score can be attached once verification completes.
func (s *Store) InsertTruthScorePrediction(ctx context.Context, taskID, agentType, fileType string, predicted float64) (int64, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO truth_score_predictions (task_id, agent_type, file_type, predicted, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, agentType, fileType, predicted, time.Now())
	if err != nil {
		return 0, core.NewError("store.InsertTruthScorePrediction", "store", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, core.NewError("store.InsertTruthScorePrediction", "store", err)
	}
	return id, nil
}

// ResolveTruthScorePrediction records the observed truth-score against a
// pending prediction, storing the prediction error alongside it.
func (s *Store) ResolveTruthScorePrediction(ctx context.Context, id int64, actual float64) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE truth_score_predictions SET actual = ?, error = ? - predicted WHERE id = ?
	`, actual, actual, id)
	if err != nil {
		return core.NewError("store.ResolveTruthScorePrediction", "store", err)
	}
	return nil
}

// GetAdaptiveThreshold looks up the threshold row for (agentType, fileType);
// ok is false on a clean miss so the caller can seed a default.
func (s *Store) GetAdaptiveThreshold(ctx context.Context, agentType, fileType string) (*pattern.AdaptiveThreshold, bool, error) {
	var t pattern.AdaptiveThreshold
	err := s.db.GetContext(ctx, &t, `SELECT * FROM adaptive_thresholds WHERE agent_type = ? AND file_type = ?`,
		agentType, fileType)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.NewError("store.GetAdaptiveThreshold", "store", err)
	}
	return &t, true, nil
}

// PutAdaptiveThreshold upserts a threshold row.
func (s *Store) PutAdaptiveThreshold(ctx context.Context, t *pattern.AdaptiveThreshold) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adaptive_thresholds (agent_type, file_type, threshold, adjustment_factor, sample_count, last_adjusted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_type, file_type) DO UPDATE SET
			threshold=excluded.threshold, adjustment_factor=excluded.adjustment_factor,
			sample_count=excluded.sample_count, last_adjusted=excluded.last_adjusted
	`, t.AgentType, t.FileType, t.Threshold, t.AdjustmentFactor, t.SampleCount, t.LastAdjusted)
	if err != nil {
		return core.NewError("store.PutAdaptiveThreshold", "store", err)
	}
	return nil
}
