// Package vectorindex maintains an embedding per Pattern, derived
// deterministically from its name, conditions, and action tags (no network
// embedding call, keeping the core embeddable), searched by cosine
// similarity with a kind pre-filter.
//
// The store runs on modernc.org/sqlite (pure Go, no cgo), so the cgo
// sqlite-vec extension (github.com/asg017/sqlite-vec-go-bindings/cgo)
// cannot load into its connections. Instead, a deterministic SQL scalar
// function for cosine distance is registered directly against modernc's
// driver; the cgo extension is registered only in builds with cgo and the
// sqlite_vec build tag (see vec_cgo.go).
package vectorindex

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// Dims is the fixed embedding width. A hashing-trick embedding needs no
// training, so this can be tuned without a model migration.
const Dims = 64

// Model names the embedding function, recorded alongside each vector so a
// future model change can be detected and triggers a reindex rather than
// silently comparing incompatible vectors.
const Model = "hash-v1"

var registerOnce sync.Once

func init() {
	registerOnce.Do(func() {
		_ = sqlite.RegisterDeterministicScalarFunction("vector_distance_cos", 2, distanceCos)
	})
}

// PatternStore is the narrow store surface the index needs.
type PatternStore interface {
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
	ListPatterns(ctx context.Context, kind pattern.Kind, limit int) ([]*pattern.Pattern, error)
}

// Index regenerates and searches Pattern embeddings. Embeddings
// are rebuilt incrementally on Upsert; ReconcileOnce re-derives any pattern
// whose stored embedding predates its last mutation.
type Index struct {
	conn   sqlxExecer
	store  PatternStore
	logger core.Logger
}

// sqlxExecer is the narrow surface of *sqlx.DB this package needs.
type sqlxExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

// New builds an Index over conn (typically store.Store.DB()) and st (the
// pattern store used to hydrate search results into full Patterns).
func New(conn sqlxExecer, st PatternStore, logger core.Logger) *Index {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Index{conn: conn, store: st, logger: logger}
}

// embeddingRow mirrors the pattern_embeddings table for sqlx scans.
type embeddingRow struct {
	PatternID string    `db:"pattern_id"`
	Model     string    `db:"model"`
	Dims      int       `db:"dims"`
	Vector    []byte    `db:"vector"`
	CreatedAt time.Time `db:"created_at"`
	Kind      string    `db:"kind"`
}

// Upsert (re)generates p's embedding from its current content and writes it
// to pattern_embeddings, run whenever a Pattern mutates.
func (idx *Index) Upsert(ctx context.Context, p *pattern.Pattern) error {
	vec := Embed(p)
	blob := encodeFloat32(vec)
	_, err := idx.conn.ExecContext(ctx, `
		INSERT INTO pattern_embeddings (pattern_id, model, dims, vector, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pattern_id) DO UPDATE SET
			model = excluded.model, dims = excluded.dims, vector = excluded.vector, created_at = excluded.created_at
	`, p.ID, Model, Dims, blob, time.Now())
	if err != nil {
		return core.NewError("vectorindex.Upsert", "store", err)
	}
	return nil
}

// GetEmbedding returns the raw vector stored for patternID, if any. Used by
// hooks.ExportPatterns to bundle embeddings alongside their Patterns.
func (idx *Index) GetEmbedding(ctx context.Context, patternID string) (*pattern.Embedding, bool, error) {
	var row embeddingRow
	err := idx.conn.GetContext(ctx, &row,
		`SELECT pattern_id, model, dims, vector, created_at FROM pattern_embeddings WHERE pattern_id = ?`, patternID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.NewError("vectorindex.GetEmbedding", "store", err)
	}
	return &pattern.Embedding{
		PatternID: row.PatternID,
		Model:     row.Model,
		Vector:    decodeFloat32(row.Vector),
		CreatedAt: row.CreatedAt,
	}, true, nil
}

// Delete removes p's embedding, called when a Pattern is hard-deleted.
func (idx *Index) Delete(ctx context.Context, patternID string) error {
	_, err := idx.conn.ExecContext(ctx, `DELETE FROM pattern_embeddings WHERE pattern_id = ?`, patternID)
	if err != nil {
		return core.NewError("vectorindex.Delete", "store", err)
	}
	return nil
}

// MatchResult pairs a candidate Pattern with its similarity to the query,
// matching the shape learning.Pipeline.Apply() expects.
type MatchResult struct {
	Pattern    *pattern.Pattern
	Similarity float64
}

// Search returns the topK Patterns of the given kind most similar to query
// (embedded with the same deterministic function), ordered by descending
// similarity. kind == "" searches across all kinds.
func (idx *Index) Search(ctx context.Context, query string, kind pattern.Kind, topK int) ([]MatchResult, error) {
	qvec := embedText(query)
	qblob := encodeFloat32(qvec)

	type hit struct {
		PatternID string  `db:"pattern_id"`
		Distance  float64 `db:"distance"`
	}
	var hits []hit

	sqlQuery := `
		SELECT pe.pattern_id AS pattern_id, vector_distance_cos(pe.vector, ?) AS distance
		FROM pattern_embeddings pe
		JOIN patterns p ON p.id = pe.pattern_id
		WHERE p.superseded_by IS NULL`
	args := []any{qblob}
	if kind != "" {
		sqlQuery += ` AND p.kind = ?`
		args = append(args, string(kind))
	}
	sqlQuery += ` ORDER BY distance ASC LIMIT ?`
	args = append(args, topK)

	if err := idx.conn.SelectContext(ctx, &hits, sqlQuery, args...); err != nil {
		return nil, core.NewError("vectorindex.Search", "store", err)
	}

	results := make([]MatchResult, 0, len(hits))
	for _, h := range hits {
		p, err := idx.store.GetPattern(ctx, h.PatternID)
		if err != nil {
			if core.IsNotFound(err) {
				continue // stale embedding for a deleted pattern; skip rather than fail the whole search
			}
			return nil, err
		}
		results = append(results, MatchResult{Pattern: p, Similarity: 1 - h.Distance})
	}
	return results, nil
}

// ReconcileOnce walks every non-retired Pattern of kind and regenerates any
// embedding whose CreatedAt predates the Pattern's LastUsed, i.e. the
// Pattern mutated since it was last embedded, or whose recorded model is
// not Model. Intended to be called on a
// periodic reindex ticker (hourly in cmd/substrate).
func (idx *Index) ReconcileOnce(ctx context.Context, kind pattern.Kind) (int, error) {
	patterns, err := idx.store.ListPatterns(ctx, kind, 100000)
	if err != nil {
		return 0, err
	}

	var existing []embeddingRow
	if err := idx.conn.SelectContext(ctx, &existing, `SELECT pattern_id, model, created_at FROM pattern_embeddings`); err != nil {
		return 0, core.NewError("vectorindex.ReconcileOnce", "store", err)
	}
	byID := make(map[string]embeddingRow, len(existing))
	for _, e := range existing {
		byID[e.PatternID] = e
	}

	reindexed := 0
	for _, p := range patterns {
		e, ok := byID[p.ID]
		if ok && e.Model == Model && !p.LastUsed.After(e.CreatedAt) {
			continue
		}
		if err := idx.Upsert(ctx, p); err != nil {
			idx.logger.Warn("reindex failed for pattern", map[string]interface{}{"pattern_id": p.ID, "error": err.Error()})
			continue
		}
		reindexed++
	}
	return reindexed, nil
}

// Embed derives a fixed-width embedding from p's name, conditions, and
// action tags.
func Embed(p *pattern.Pattern) []float32 {
	tokens := make([]string, 0, 2+len(p.Actions)+2*len(p.Conditions))
	tokens = append(tokens, string(p.Kind), p.Name)
	tokens = append(tokens, p.Actions...)
	for k, v := range p.Conditions {
		tokens = append(tokens, k, fmt.Sprint(v))
	}
	return embedTokens(tokens)
}

func embedText(s string) []float32 {
	return embedTokens(tokenize(s))
}

func tokenize(s string) []string {
	var tokens []string
	cur := make([]byte, 0, 16)
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == ',' || c == '/' || c == '-' {
			flush()
			continue
		}
		cur = append(cur, c)
	}
	flush()
	return tokens
}

// embedTokens is the hashing-trick feature embedding: each token is hashed
// into a bucket and a signed unit contribution, then the result is
// L2-normalized so cosine distance behaves sensibly.
func embedTokens(tokens []string) []float32 {
	vec := make([]float32, Dims)
	for _, tok := range tokens {
		h := fnv1a64(tok)
		bucket := int(h % uint64(Dims))
		sign := float32(1)
		if (h>>63)&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func fnv1a64(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func encodeFloat32(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// distanceCos is the registered `vector_distance_cos` SQL scalar function:
// cosine distance over two little-endian float32 blobs, computed in plain
// Go so it works under the pure-Go driver.
func distanceCos(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vector_distance_cos expects 2 arguments")
	}
	a, err := blobArg(args[0])
	if err != nil {
		return nil, err
	}
	b, err := blobArg(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return float64(1), nil
	}

	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return float64(1), nil
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - cos, nil
}

func blobArg(v driver.Value) ([]float32, error) {
	switch x := v.(type) {
	case []byte:
		if len(x)%4 != 0 {
			return nil, fmt.Errorf("vector_distance_cos: blob length %d not a multiple of 4", len(x))
		}
		return decodeFloat32(x), nil
	default:
		return nil, fmt.Errorf("vector_distance_cos: unsupported argument type %T", v)
	}
}
