package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// patternRow is the flat row shape persisted for pattern.Pattern;
// Conditions/Actions/SuccessCriteria are folded into the `data` JSON blob.
type patternRow struct {
	ID             string         `db:"id"`
	Kind           string         `db:"kind"`
	Name           string         `db:"name"`
	Data           string         `db:"data"`
	Confidence     float64        `db:"confidence"`
	UsageCount     int            `db:"usage_count"`
	SuccessCount   int            `db:"success_count"`
	FailureCount   int            `db:"failure_count"`
	PartialCount   int            `db:"partial_count"`
	AvgDuration    float64        `db:"avg_duration"`
	Generalization string         `db:"generalization"`
	Version        int            `db:"version"`
	SupersededBy   sql.NullString `db:"superseded_by"`
	CreatedAt      time.Time      `db:"created_at"`
	LastUsed       time.Time      `db:"last_used"`
	Category       sql.NullString `db:"category"`
}

type patternData struct {
	Conditions      map[string]any         `json:"conditions"`
	Actions         []string               `json:"actions"`
	SuccessCriteria pattern.SuccessCriteria `json:"success_criteria"`
}

func toRow(p *pattern.Pattern) (*patternRow, error) {
	data, err := json.Marshal(patternData{
		Conditions:      p.Conditions,
		Actions:         p.Actions,
		SuccessCriteria: p.SuccessCriteria,
	})
	if err != nil {
		return nil, err
	}
	row := &patternRow{
		ID:             p.ID,
		Kind:           string(p.Kind),
		Name:           p.Name,
		Data:           string(data),
		Confidence:     p.Confidence,
		UsageCount:     p.UsageCount,
		SuccessCount:   p.Metrics.Success,
		FailureCount:   p.Metrics.Failure,
		PartialCount:   p.Metrics.Partial,
		AvgDuration:    p.Metrics.AvgDuration,
		Generalization: string(p.Generalization),
		Version:        p.Version,
		CreatedAt:      p.Created,
		LastUsed:       p.LastUsed,
	}
	if p.SupersededBy != "" {
		row.SupersededBy = sql.NullString{String: p.SupersededBy, Valid: true}
	}
	if p.Category != "" {
		row.Category = sql.NullString{String: p.Category, Valid: true}
	}
	return row, nil
}

func fromRow(row *patternRow) (*pattern.Pattern, error) {
	var data patternData
	if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedPattern, err)
	}
	p := &pattern.Pattern{
		ID:              row.ID,
		Kind:            pattern.Kind(row.Kind),
		Name:            row.Name,
		Conditions:      data.Conditions,
		Actions:         data.Actions,
		SuccessCriteria: data.SuccessCriteria,
		Confidence:      row.Confidence,
		UsageCount:      row.UsageCount,
		Metrics: pattern.Metrics{
			Success:     row.SuccessCount,
			Failure:     row.FailureCount,
			Partial:     row.PartialCount,
			AvgDuration: row.AvgDuration,
		},
		Generalization: pattern.Generalization(row.Generalization),
		Version:        row.Version,
		Created:        row.CreatedAt,
		LastUsed:       row.LastUsed,
	}
	if row.SupersededBy.Valid {
		p.SupersededBy = row.SupersededBy.String
	}
	if row.Category.Valid {
		p.Category = row.Category.String
	}
	return p, nil
}

// PutPattern inserts or replaces a Pattern. If p.SupersededBy is set, the
// supersedes graph is validated acyclic first; a cycle is rejected with
// ErrCyclicSupersedes and no state change.
func (s *Store) PutPattern(ctx context.Context, p *pattern.Pattern) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return core.NewError("store.PutPattern", "validation", core.ErrInvalidConfiguration)
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if p.SupersededBy != "" {
			if err := s.checkAcyclicSupersedes(ctx, tx, p.ID, p.SupersededBy); err != nil {
				return err
			}
		}
		row, err := toRow(p)
		if err != nil {
			return core.NewError("store.PutPattern", "validation", fmt.Errorf("%w: %v", core.ErrMalformedPattern, err))
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO patterns (id, kind, name, data, confidence, usage_count, success_count,
				failure_count, partial_count, avg_duration, generalization, version, superseded_by,
				created_at, last_used, category)
			VALUES (:id, :kind, :name, :data, :confidence, :usage_count, :success_count,
				:failure_count, :partial_count, :avg_duration, :generalization, :version, :superseded_by,
				:created_at, :last_used, :category)
			ON CONFLICT(id) DO UPDATE SET
				kind=excluded.kind, name=excluded.name, data=excluded.data,
				confidence=excluded.confidence, usage_count=excluded.usage_count,
				success_count=excluded.success_count, failure_count=excluded.failure_count,
				partial_count=excluded.partial_count, avg_duration=excluded.avg_duration,
				generalization=excluded.generalization, version=excluded.version,
				superseded_by=excluded.superseded_by, last_used=excluded.last_used,
				category=excluded.category
		`, row)
		if err != nil {
			return core.NewError("store.PutPattern", "store", err)
		}
		return nil
	})
}

// checkAcyclicSupersedes walks the supersedes chain from newTarget back
// toward id (DFS, mirroring orchestration.WorkflowDAG.hasCycleDFS) and
// rejects if id would become reachable from itself.
func (s *Store) checkAcyclicSupersedes(ctx context.Context, tx *sqlx.Tx, id, newTarget string) error {
	visited := map[string]bool{}
	cur := newTarget
	for cur != "" {
		if cur == id {
			return core.NewError("store.PutPattern", "validation", core.ErrCyclicSupersedes)
		}
		if visited[cur] {
			break // existing cycle elsewhere; not this call's concern
		}
		visited[cur] = true

		var next sql.NullString
		err := tx.GetContext(ctx, &next, `SELECT superseded_by FROM patterns WHERE id = ?`, cur)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return core.NewError("store.PutPattern", "store", err)
		}
		if !next.Valid {
			break
		}
		cur = next.String
	}
	return nil
}

// GetPattern retrieves a single Pattern by id.
func (s *Store) GetPattern(ctx context.Context, id string) (*pattern.Pattern, error) {
	var row patternRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM patterns WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewError("store.GetPattern", "not_found", core.ErrPatternNotFound)
	}
	if err != nil {
		return nil, core.NewError("store.GetPattern", "store", err)
	}
	return fromRow(&row)
}

// ListPatterns returns non-superseded Patterns of the given kind, ordered by
// confidence descending. kind == "" returns all kinds; limit <= 0 returns
// every match (SQLite's LIMIT -1 convention, not a 0-row result).
func (s *Store) ListPatterns(ctx context.Context, kind pattern.Kind, limit int) ([]*pattern.Pattern, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []patternRow
	var err error
	if kind == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM patterns WHERE superseded_by IS NULL ORDER BY confidence DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM patterns WHERE kind = ? AND superseded_by IS NULL ORDER BY confidence DESC LIMIT ?`,
			string(kind), limit)
	}
	if err != nil {
		return nil, core.NewError("store.ListPatterns", "store", err)
	}
	out := make([]*pattern.Pattern, 0, len(rows))
	for i := range rows {
		p, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePattern removes a Pattern permanently. Retiring a Pattern normally
// means setting SupersededBy, not a hard delete.
func (s *Store) DeletePattern(ctx context.Context, id string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE id = ?`, id)
	if err != nil {
		return core.NewError("store.DeletePattern", "store", err)
	}
	return nil
}
