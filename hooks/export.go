package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// ExportedPattern bundles a Pattern with its Embedding, the unit
// export_patterns()/import_patterns() round-trip as JSON.
type ExportedPattern struct {
	Pattern   *pattern.Pattern   `json:"pattern"`
	Embedding *pattern.Embedding `json:"embedding,omitempty"`
}

// ExportPatterns returns every non-superseded Pattern of kind (or every
// kind, when kind == "") bundled with its Embedding, JSON-encoded.
func (h *Hub) ExportPatterns(ctx context.Context, kind pattern.Kind) ([]byte, error) {
	if h.deps.Store == nil {
		return nil, core.NewError("hooks.ExportPatterns", "validation", fmt.Errorf("no pattern store configured"))
	}

	patterns, err := h.deps.Store.ListPatterns(ctx, kind, 0)
	if err != nil {
		return nil, err
	}

	out := make([]ExportedPattern, 0, len(patterns))
	for _, p := range patterns {
		ep := ExportedPattern{Pattern: p}
		if h.deps.Embeddings != nil {
			if emb, ok, err := h.deps.Embeddings.GetEmbedding(ctx, p.ID); err != nil {
				h.logger.Warn("failed to load embedding for export", map[string]interface{}{"pattern_id": p.ID, "error": err.Error()})
			} else if ok {
				ep.Embedding = emb
			}
		}
		out = append(out, ep)
	}

	return json.Marshal(out)
}

// ImportPatterns decodes a JSON list of ExportedPattern from r, writes each
// Pattern through to the Store, and regenerates its Embedding through the
// Vector Index (an exported Embedding is not stored as-is), returning the
// count imported. A single malformed entry rejects the whole import before
// anything is written — a half-imported federation batch would be worse
// than rejecting it outright.
func (h *Hub) ImportPatterns(ctx context.Context, r io.Reader) (int, error) {
	if h.deps.Store == nil {
		return 0, core.NewError("hooks.ImportPatterns", "validation", fmt.Errorf("no pattern store configured"))
	}

	var batch []ExportedPattern
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return 0, core.NewError("hooks.ImportPatterns", "validation", fmt.Errorf("%w: %v", core.ErrMalformedPattern, err))
	}

	for _, ep := range batch {
		if ep.Pattern == nil {
			return 0, core.NewError("hooks.ImportPatterns", "validation", core.ErrMalformedPattern)
		}
	}

	for _, ep := range batch {
		if err := h.deps.Store.PutPattern(ctx, ep.Pattern); err != nil {
			return 0, err
		}
		if h.deps.Embeddings != nil {
			if err := h.deps.Embeddings.Upsert(ctx, ep.Pattern); err != nil {
				h.logger.Warn("failed to rebuild embedding on import", map[string]interface{}{"pattern_id": ep.Pattern.ID, "error": err.Error()})
			}
		}
	}

	return len(batch), nil
}
