// Package hooks is the substrate's external collaborator surface: CLI
// veneers, the risk-management dashboard, and Prometheus/Grafana scrapers
// all consume the core exclusively through this package rather than
// reaching into individual component packages.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/hiveforge/substrate/cache"
	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/learning"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/verification"
)

// PatternStore is the narrow persistence surface Hub needs for
// export/import, satisfied by *store.Store.
type PatternStore interface {
	ListPatterns(ctx context.Context, kind pattern.Kind, limit int) ([]*pattern.Pattern, error)
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
	PutPattern(ctx context.Context, p *pattern.Pattern) error
}

// EmbeddingIndexer is the narrow Vector Index surface export/import needs.
type EmbeddingIndexer interface {
	GetEmbedding(ctx context.Context, patternID string) (*pattern.Embedding, bool, error)
	Upsert(ctx context.Context, p *pattern.Pattern) error
}

// CacheStatter reports the Tiered Cache's per-tier hit/miss/eviction
// counters.
type CacheStatter interface {
	Stats() cache.Stats
}

// PipelineStater reports the Learning Pipeline's current lifecycle state.
type PipelineStater interface {
	State() learning.State
}

// VoterRoster reports the Byzantine Voter's active (non-quarantined) node
// roster.
type VoterRoster interface {
	ActiveNodes() []string
}

// AggregatorCounter reports the Pattern Aggregator's rejected-submission
// count.
type AggregatorCounter interface {
	RejectedCount() int
}

// VerificationCacher reports the Verification Predictor's threshold-lookup
// cache counters.
type VerificationCacher interface {
	CacheStats() verification.CacheStats
}

// Status is the snapshot returned by Hub.GetStatus: counts, hit rates, and
// consensus metrics.
type Status struct {
	Timestamp            time.Time               `json:"timestamp"`
	Cache                cache.Stats              `json:"cache"`
	PipelineState        string                   `json:"pipeline_state"`
	ActiveConsensusNodes int                      `json:"active_consensus_nodes"`
	AggregatorRejected   int                      `json:"aggregator_rejected"`
	VerificationCache    verification.CacheStats  `json:"verification_cache"`
}

// Deps bundles the collaborators Hub reports on and round-trips patterns
// through. Any field may be nil; GetStatus and the export/import paths
// degrade gracefully rather than panicking on a partially wired Hub.
type Deps struct {
	Store      PatternStore
	Embeddings EmbeddingIndexer
	Cache      CacheStatter
	Pipeline   PipelineStater
	Voter      VoterRoster
	Aggregator AggregatorCounter
	Predictor  VerificationCacher
	Metrics    MetricsGatherer
	Logger     core.Logger
}

// Hub is the single object every out-of-scope collaborator (CLI, risk
// dashboard, Prometheus scraper) depends on — shared state passed as an
// explicit dependency rather than package-level singletons.
type Hub struct {
	deps   Deps
	logger core.Logger

	mu        sync.RWMutex
	callbacks []subscription
}

type subscription struct {
	id int
	cb AlertCallback
}

// New builds a Hub over deps.
func New(deps Deps) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Hub{deps: deps, logger: logger}
}

// GetStatus returns a point-in-time snapshot of every wired component.
func (h *Hub) GetStatus(ctx context.Context) Status {
	st := Status{Timestamp: time.Now()}
	if h.deps.Cache != nil {
		st.Cache = h.deps.Cache.Stats()
	}
	if h.deps.Pipeline != nil {
		st.PipelineState = h.deps.Pipeline.State().String()
	}
	if h.deps.Voter != nil {
		st.ActiveConsensusNodes = len(h.deps.Voter.ActiveNodes())
	}
	if h.deps.Aggregator != nil {
		st.AggregatorRejected = h.deps.Aggregator.RejectedCount()
	}
	if h.deps.Predictor != nil {
		st.VerificationCache = h.deps.Predictor.CacheStats()
	}
	return st
}
