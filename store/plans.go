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

type planRow struct {
	ID                string         `db:"id"`
	ActionsJSON       string         `db:"actions_json"`
	TotalCost         float64        `db:"total_cost"`
	EstimatedDuration float64        `db:"estimated_duration"`
	Confidence        float64        `db:"confidence"`
	CurrentStateJSON  string         `db:"current_state_json"`
	GoalStateJSON     string         `db:"goal_state_json"`
	ConstraintsJSON   sql.NullString `db:"constraints_json"`
	Method            string         `db:"method"`
	PatternID         sql.NullString `db:"pattern_id"`
	CreatedAt         time.Time      `db:"created_at"`
	Retired           bool           `db:"retired"`
}

// PutPlan persists a newly created Plan. Plans are immutable after
// creation — this is the only write PutPlan ever performs for a given id.
func (s *Store) PutPlan(ctx context.Context, p *pattern.Plan) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	actionsJSON, err := json.Marshal(p.Actions)
	if err != nil {
		return core.NewError("store.PutPlan", "validation", err)
	}
	curJSON, err := json.Marshal(p.CurrentState)
	if err != nil {
		return core.NewError("store.PutPlan", "validation", err)
	}
	goalJSON, err := json.Marshal(p.GoalState)
	if err != nil {
		return core.NewError("store.PutPlan", "validation", err)
	}
	var constraintsJSON sql.NullString
	if p.Constraints != nil {
		b, err := json.Marshal(p.Constraints)
		if err != nil {
			return core.NewError("store.PutPlan", "validation", err)
		}
		constraintsJSON = sql.NullString{String: string(b), Valid: true}
	}
	var patternID sql.NullString
	if p.PatternID != "" {
		patternID = sql.NullString{String: p.PatternID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO goap_plans (id, actions_json, total_cost, estimated_duration, confidence,
			current_state_json, goal_state_json, constraints_json, method, pattern_id, created_at, retired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, p.ID, string(actionsJSON), p.TotalCost, p.EstimatedDuration, p.Confidence,
		string(curJSON), string(goalJSON), constraintsJSON, string(p.Method), patternID, p.CreatedAt)
	if err != nil {
		return core.NewError("store.PutPlan", "store", err)
	}
	return nil
}

// RetirePlan marks a Plan retired rather than deleting it, so its outcome
// history remains attached.
func (s *Store) RetirePlan(ctx context.Context, id string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE goap_plans SET retired = 1 WHERE id = ?`, id)
	if err != nil {
		return core.NewError("store.RetirePlan", "store", err)
	}
	return nil
}

// GetPlan retrieves a Plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*pattern.Plan, error) {
	var row planRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM goap_plans WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewError("store.GetPlan", "not_found", core.ErrPlanNotFound)
	}
	if err != nil {
		return nil, core.NewError("store.GetPlan", "store", err)
	}
	return planFromRow(&row)
}

func planFromRow(row *planRow) (*pattern.Plan, error) {
	p := &pattern.Plan{
		ID:                row.ID,
		TotalCost:         row.TotalCost,
		EstimatedDuration: row.EstimatedDuration,
		Confidence:        row.Confidence,
		Method:            pattern.PlanMethod(row.Method),
		CreatedAt:         row.CreatedAt,
		Retired:           row.Retired,
	}
	if err := json.Unmarshal([]byte(row.ActionsJSON), &p.Actions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.CurrentStateJSON), &p.CurrentState); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.GoalStateJSON), &p.GoalState); err != nil {
		return nil, err
	}
	if row.ConstraintsJSON.Valid {
		if err := json.Unmarshal([]byte(row.ConstraintsJSON.String), &p.Constraints); err != nil {
			return nil, err
		}
	}
	if row.PatternID.Valid {
		p.PatternID = row.PatternID.String
	}
	return p, nil
}

// PutOutcome records the terminal ExecutionOutcome for a Plan. At most one
// may exist per plan — enforced by the PRIMARY KEY on
// goap_execution_outcomes.plan_id. The same transaction folds the outcome
// into the plan's per-action goap_action_performance averages, the way a
// VerificationOutcome insert recomputes AgentReliability.
func (s *Store) PutOutcome(ctx context.Context, o *pattern.ExecutionOutcome) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	var errorsJSON sql.NullString
	if len(o.Errors) > 0 {
		b, err := json.Marshal(o.Errors)
		if err != nil {
			return core.NewError("store.PutOutcome", "validation", err)
		}
		errorsJSON = sql.NullString{String: string(b), Valid: true}
	}
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO goap_execution_outcomes (plan_id, success, achieved_goal, actual_cost,
				estimated_cost, cost_variance, duration_ms, errors_json, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.PlanID, o.Success, o.AchievedGoal, o.ActualCost, o.EstimatedCost, o.CostVariance,
			o.DurationMS, errorsJSON, o.Timestamp)
		if err != nil {
			return core.NewError("store.PutOutcome", "store", err)
		}
		return updateActionPerformance(ctx, tx, o.PlanID, o)
	})
}

// PutHeuristic upserts a HeuristicEntry keyed by (state_hash, goal_hash),
// mutated after every A* run.
func (s *Store) PutHeuristic(ctx context.Context, h *pattern.HeuristicEntry) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goap_heuristic_learning (state_hash, goal_hash, estimated, actual, error,
			encounters, avg_error, variance, confidence, first_seen, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(state_hash, goal_hash) DO UPDATE SET
			estimated=excluded.estimated, actual=excluded.actual, error=excluded.error,
			encounters=excluded.encounters, avg_error=excluded.avg_error, variance=excluded.variance,
			confidence=excluded.confidence, last_updated=excluded.last_updated
	`, h.StateHash, h.GoalHash, h.Estimated, h.Actual, h.Error, h.Encounters,
		h.AvgError, h.Variance, h.Confidence, h.FirstSeen, h.LastUpdated)
	if err != nil {
		return core.NewError("store.PutHeuristic", "store", err)
	}
	return nil
}

// GetHeuristic looks up a HeuristicEntry; ok is false on a clean miss.
func (s *Store) GetHeuristic(ctx context.Context, stateHash, goalHash string) (*pattern.HeuristicEntry, bool, error) {
	var h pattern.HeuristicEntry
	err := s.db.GetContext(ctx, &h, `SELECT * FROM goap_heuristic_learning WHERE state_hash = ? AND goal_hash = ?`,
		stateHash, goalHash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.NewError("store.GetHeuristic", "store", err)
	}
	return &h, true, nil
}
