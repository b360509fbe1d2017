package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

type linkRow struct {
	Src       string    `db:"src"`
	Dst       string    `db:"dst"`
	Relation  string    `db:"relation"`
	Weight    float64   `db:"weight"`
	CreatedAt time.Time `db:"created_at"`
}

func (r linkRow) toLink() pattern.PatternLink {
	return pattern.PatternLink{
		Src: r.Src, Dst: r.Dst,
		Relation:  pattern.LinkRelation(r.Relation),
		Weight:    r.Weight,
		CreatedAt: r.CreatedAt,
	}
}

// PutPatternLink inserts or replaces a directed edge in the pattern
// relationship graph, rejecting one that would close a cycle across the
// combined supersedes + pattern_links graph.
func (s *Store) PutPatternLink(ctx context.Context, link *pattern.PatternLink) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if link.Src == link.Dst {
		return core.NewError("store.PutPatternLink", "validation", core.ErrCyclicSupersedes)
	}
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.checkAcyclicLink(ctx, tx, link.Src, link.Dst); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pattern_links (src, dst, relation, weight, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(src, dst, relation) DO UPDATE SET weight=excluded.weight
		`, link.Src, link.Dst, string(link.Relation), link.Weight, link.CreatedAt)
		if err != nil {
			return core.NewError("store.PutPatternLink", "store", err)
		}
		return nil
	})
}

// checkAcyclicLink walks forward from dst looking for a path back to src,
// the same DFS shape checkAcyclicSupersedes uses for the supersedes chain,
// generalized to the branching combined graph: every outgoing pattern_links
// edge plus each pattern's superseded_by edge.
func (s *Store) checkAcyclicLink(ctx context.Context, tx *sqlx.Tx, src, dst string) error {
	visited := map[string]bool{}
	stack := []string{dst}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == src {
			return core.NewError("store.PutPatternLink", "validation", core.ErrCyclicSupersedes)
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true

		var next []string
		if err := tx.SelectContext(ctx, &next, `SELECT dst FROM pattern_links WHERE src = ?`, cur); err != nil {
			return core.NewError("store.PutPatternLink", "store", err)
		}
		var sup []string
		if err := tx.SelectContext(ctx, &sup, `SELECT superseded_by FROM patterns WHERE id = ? AND superseded_by IS NOT NULL`, cur); err != nil {
			return core.NewError("store.PutPatternLink", "store", err)
		}
		stack = append(stack, next...)
		stack = append(stack, sup...)
	}
	return nil
}

// ListPatternLinks returns every outgoing edge from patternID.
func (s *Store) ListPatternLinks(ctx context.Context, patternID string) ([]pattern.PatternLink, error) {
	var rows []linkRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM pattern_links WHERE src = ?`, patternID); err != nil {
		return nil, core.NewError("store.ListPatternLinks", "store", err)
	}
	out := make([]pattern.PatternLink, len(rows))
	for i, r := range rows {
		out[i] = r.toLink()
	}
	return out, nil
}

// DeletePatternLink removes one (src, dst, relation) edge.
func (s *Store) DeletePatternLink(ctx context.Context, src, dst string, relation pattern.LinkRelation) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pattern_links WHERE src = ? AND dst = ? AND relation = ?`,
		src, dst, string(relation))
	if err != nil {
		return core.NewError("store.DeletePatternLink", "store", err)
	}
	return nil
}
