package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// updateActionPerformance folds one plan execution into the running
// per-(action, context) averages of the goap_action_performance table.
// The outcome's actual cost and duration are split evenly across the plan's
// actions — the outcome is terminal for the plan as a whole, so a finer
// per-action attribution isn't available here. Incremental means in SQL keep
// the upsert a single statement; in SQLite's ON CONFLICT clause the bare
// column names read the pre-update row, so invocations+1 is the new count.
func updateActionPerformance(ctx context.Context, tx *sqlx.Tx, planID string, o *pattern.ExecutionOutcome) error {
	var row struct {
		ActionsJSON      string `db:"actions_json"`
		CurrentStateJSON string `db:"current_state_json"`
	}
	err := tx.GetContext(ctx, &row,
		`SELECT actions_json, current_state_json FROM goap_plans WHERE id = ?`, planID)
	if err == sql.ErrNoRows {
		return nil // outcome for an unknown plan is rejected by the FK before this runs
	}
	if err != nil {
		return core.NewError("store.updateActionPerformance", "store", err)
	}

	var actions []string
	if err := json.Unmarshal([]byte(row.ActionsJSON), &actions); err != nil {
		return core.NewError("store.updateActionPerformance", "store", err)
	}
	if len(actions) == 0 {
		return nil
	}
	var currentState map[string]any
	if err := json.Unmarshal([]byte(row.CurrentStateJSON), &currentState); err != nil {
		return core.NewError("store.updateActionPerformance", "store", err)
	}

	contextHash := stateContextHash(currentState)
	perActionCost := o.ActualCost / float64(len(actions))
	perActionDuration := float64(o.DurationMS) / float64(len(actions))
	success := 0.0
	if o.Success {
		success = 1.0
	}
	now := time.Now()

	for _, actionID := range actions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO goap_action_performance (action_id, context_hash, invocations, avg_cost, avg_duration, success_rate, last_updated)
			VALUES (?, ?, 1, ?, ?, ?, ?)
			ON CONFLICT(action_id, context_hash) DO UPDATE SET
				invocations  = invocations + 1,
				avg_cost     = avg_cost + (excluded.avg_cost - avg_cost) / (invocations + 1),
				avg_duration = avg_duration + (excluded.avg_duration - avg_duration) / (invocations + 1),
				success_rate = success_rate + (excluded.success_rate - success_rate) / (invocations + 1),
				last_updated = excluded.last_updated
		`, actionID, contextHash, perActionCost, perActionDuration, success, now)
		if err != nil {
			return core.NewError("store.updateActionPerformance", "store", err)
		}
	}
	return nil
}

// GetActionPerformance looks up the running averages for (actionID,
// contextHash); ok is false on a clean miss.
func (s *Store) GetActionPerformance(ctx context.Context, actionID, contextHash string) (*pattern.ActionPerformance, bool, error) {
	var perf pattern.ActionPerformance
	err := s.db.GetContext(ctx, &perf,
		`SELECT * FROM goap_action_performance WHERE action_id = ? AND context_hash = ?`,
		actionID, contextHash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.NewError("store.GetActionPerformance", "store", err)
	}
	return &perf, true, nil
}

// ListActionPerformance returns every context's running averages for one
// action, most recently updated first.
func (s *Store) ListActionPerformance(ctx context.Context, actionID string) ([]pattern.ActionPerformance, error) {
	var out []pattern.ActionPerformance
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM goap_action_performance WHERE action_id = ? ORDER BY last_updated DESC`, actionID)
	if err != nil {
		return nil, core.NewError("store.ListActionPerformance", "store", err)
	}
	return out, nil
}

// stateContextHash derives the context_hash key from a plan's initial world
// state: sorted keys, FNV-1a over the flattened key=value text.
func stateContextHash(state map[string]any) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, state[k])
	}

	var h uint64 = 14695981039346656037
	s := b.String()
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("%x", h)
}
