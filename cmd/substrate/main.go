// Command substrate runs the hive-mind learning and coordination substrate
// as a single local process: Store, Tiered Cache, Vector Index, Learning
// Pipeline, GOAP Planner/Replanner, Byzantine Voter/Aggregator, Coordinator,
// and Verification Predictor wired together and exposed through one
// hooks.Hub. Sequential construction, fail fast on the first error, no DI
// framework.
//
// Environment Variables:
//
//	SUBSTRATE_STORE_DSN                  - SQLite DSN (default: substrate.db)
//	SUBSTRATE_CACHE_REDIS_URL / REDIS_URL - optional L3 cache mirror
//	SUBSTRATE_LOG_LEVEL                  - debug|info|warn|error (default: info)
//	SUBSTRATE_LOG_JSON                   - true for JSON log encoding
//	SUBSTRATE_TELEMETRY_ENABLED           - enable OTLP tracing
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hiveforge/substrate/cache"
	"github.com/hiveforge/substrate/consensus"
	"github.com/hiveforge/substrate/coordinator"
	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/goap"
	"github.com/hiveforge/substrate/hooks"
	"github.com/hiveforge/substrate/learning"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/pkg/logger"
	"github.com/hiveforge/substrate/store"
	"github.com/hiveforge/substrate/substrateconfig"
	"github.com/hiveforge/substrate/telemetry"
	"github.com/hiveforge/substrate/vectorindex"
	"github.com/hiveforge/substrate/verification"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := substrateconfig.NewConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	level := os.Getenv("SUBSTRATE_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	zapLogger, err := logger.NewProductionLogger(level, os.Getenv("SUBSTRATE_LOG_JSON") == "true")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zapLogger.Sync()

	appLogger := zapLogger.WithComponent("substrate")

	metrics := telemetry.NewPrometheusRegistry()
	core.SetGlobalMetricsRegistry(metrics)

	telemetryCfg := telemetry.DefaultConfig()
	if os.Getenv("SUBSTRATE_TELEMETRY_ENABLED") == "true" {
		telemetryCfg.Enabled = true
		if endpoint := os.Getenv("SUBSTRATE_OTLP_ENDPOINT"); endpoint != "" {
			telemetryCfg.OTLPEndpoint = endpoint
		}
		provider, err := telemetry.NewOTelProvider(ctx, telemetryCfg, metrics)
		if err != nil {
			appLogger.Warn("telemetry disabled: failed to start OTel provider", map[string]interface{}{"error": err.Error()})
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryCfg.ShutdownTimeout)
				defer shutdownCancel()
				if err := provider.Shutdown(shutdownCtx); err != nil {
					appLogger.Warn("telemetry shutdown error", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}

	st, err := store.Open(ctx, cfg.Store, zapLogger.WithComponent("store"))
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	vecIndex := vectorindex.New(st.DB(), st, zapLogger.WithComponent("vectorindex"))

	c, err := cache.New(cfg.Cache, st, zapLogger.WithComponent("cache"))
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	defer c.Close()

	requester := newLocalVoteRequester()
	voter := consensus.NewVoter(cfg.Voter, requester, zapLogger.WithComponent("consensus/voter"))
	aggregator := consensus.NewAggregator(cfg.Aggregator, voter, c, zapLogger.WithComponent("consensus/aggregator"))
	go aggregator.RunPeriodicFlush(ctx)

	replanner := goap.NewReplanner(cfg.Planner, st, 32, zapLogger.WithComponent("goap/replanner"))

	extractor := learning.NewExtractor(learning.DefaultExtractorConfig())
	updater := learning.NewUpdater()
	pipeline := learning.NewPipeline(cfg.Pipeline, learning.Deps{
		Extractor:  extractor,
		Updater:    updater,
		Store:      st,
		Matcher:    newLearningMatcher(vecIndex),
		Aggregator: aggregator,
		Replanner:  replanner,
		Logger:     zapLogger.WithComponent("learning/pipeline"),
	})
	pipeline.Start(ctx)
	defer pipeline.Stop()

	domain, err := goap.NewDomain(defaultActions())
	if err != nil {
		log.Fatalf("goap domain: %v", err)
	}
	planner := goap.NewPlanner(cfg.Planner, domain, newGoapMatcher(vecIndex), goap.Deps{
		Heuristics: st,
		Plans:      st,
		Candidates: aggregator,
		Logger:     zapLogger.WithComponent("goap/planner"),
	})

	// Drain the Replanner's request stream: each trigger retires the old plan
	// (done inside the Replanner) and runs a fresh search from the recorded
	// state, releasing the per-plan gate when the new search completes.
	if cfg.Planner.EnableReplanning {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-replanner.Requests():
					if _, err := planner.Plan(ctx, req.State, req.Goal, nil); err != nil {
						appLogger.Warn("replan failed", map[string]interface{}{
							"plan_id": req.PlanID, "trigger": string(req.Trigger), "error": err.Error(),
						})
					}
					replanner.Done(req.PlanID)
				}
			}
		}()
	}

	// Reconcile embeddings hourly so a Pattern mutated outside Upsert's path
	// never serves a stale vector indefinitely.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := vecIndex.ReconcileOnce(ctx, ""); err != nil {
					appLogger.Warn("embedding reconcile failed", map[string]interface{}{"error": err.Error()})
				} else if n > 0 {
					appLogger.Info("embeddings reconciled", map[string]interface{}{"count": n})
				}
			}
		}
	}()

	dispatcher := newLocalDispatcher(zapLogger.WithComponent("dispatcher"))
	coord := coordinator.New(voter, dispatcher, zapLogger.WithComponent("coordinator"))
	for i, role := range []coordinator.Role{coordinator.RoleImplementer, coordinator.RoleTester, coordinator.RoleReviewer} {
		if err := coord.Spawn(coordinator.WorkerConfig{
			ID:                 fmt.Sprintf("worker-%d", i+1),
			Role:               role,
			InitialPerformance: 0.5,
		}); err != nil {
			log.Fatalf("coordinator: %v", err)
		}
	}

	predictor := verification.New(cfg.Verification, verification.Deps{
		Thresholds:  st,
		Outcomes:    st,
		Reliability: st,
		Predictions: st,
		Logger:      zapLogger.WithComponent("verification"),
	})

	hub := hooks.New(hooks.Deps{
		Store:      st,
		Embeddings: vecIndex,
		Cache:      c,
		Pipeline:   pipeline,
		Voter:      voter,
		Aggregator: aggregator,
		Predictor:  predictor,
		Metrics:    metrics,
		Logger:     zapLogger.WithComponent("hooks"),
	})
	hub.OnAlert(func(a hooks.Alert) {
		appLogger.Warn("alert", map[string]interface{}{"kind": a.Kind, "message": a.Message, "fields": a.Fields})
	})

	appLogger.Info("substrate started", map[string]interface{}{"store_dsn": cfg.Store.DSN})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	appLogger.Info("shutting down", nil)
	cancel()
	time.Sleep(200 * time.Millisecond)
}

// localVoteRequester stands in for a real network transport: no wire
// protocol is prescribed, so the local binary votes against an in-process
// roster instead of dialing out to remote substrate instances. A
// distributed deployment replaces this with an RPC-backed VoteRequester.
type localVoteRequester struct{}

func newLocalVoteRequester() *localVoteRequester { return &localVoteRequester{} }

func (r *localVoteRequester) RequestVote(ctx context.Context, nodeID string, proposal consensus.Proposal) (pattern.Vote, error) {
	p, _ := proposal.Payload.(*pattern.Pattern)
	choice := pattern.VoteApprove
	confidence := 0.5
	if p != nil {
		confidence = p.Confidence
		if p.Confidence < 0.5 {
			choice = pattern.VoteReject
		}
	}
	return pattern.Vote{
		NodeID:     nodeID,
		Choice:     choice,
		Confidence: confidence,
		Timestamp:  time.Now(),
	}, nil
}

// localDispatcher runs subtasks inline rather than over a wire transport,
// matching the "no wire protocol" non-goal the Coordinator otherwise assumes
// a real Dispatcher handles.
type localDispatcher struct {
	logger core.Logger
}

func newLocalDispatcher(logger core.Logger) *localDispatcher {
	return &localDispatcher{logger: logger}
}

func (d *localDispatcher) Dispatch(ctx context.Context, workerID string, subtask coordinator.Subtask, priorSteps int) (coordinator.SubtaskResult, error) {
	d.logger.Debug("dispatch", map[string]interface{}{"worker_id": workerID, "subtask_id": subtask.ID})
	return coordinator.SubtaskResult{SubtaskID: subtask.ID, WorkerID: workerID, Status: coordinator.SubtaskCompleted}, nil
}

// learningMatcher adapts vectorindex.Index's Search to learning.Matcher's
// result type, since Go interface satisfaction is exact on named return
// types and the two packages deliberately keep separate MatchResult shapes
// to avoid a learning -> vectorindex -> learning import cycle.
type learningMatcher struct {
	index *vectorindex.Index
}

func newLearningMatcher(index *vectorindex.Index) *learningMatcher {
	return &learningMatcher{index: index}
}

func (m *learningMatcher) Search(ctx context.Context, query string, kind pattern.Kind, topK int) ([]learning.MatchResult, error) {
	results, err := m.index.Search(ctx, query, kind, topK)
	if err != nil {
		return nil, err
	}
	out := make([]learning.MatchResult, len(results))
	for i, r := range results {
		out[i] = learning.MatchResult{Pattern: r.Pattern, Similarity: r.Similarity}
	}
	return out, nil
}

// goapMatcher adapts vectorindex.Index's free-text Search to the
// (state, goal)-shaped goap.PatternMatcher the heuristic wants, serializing
// both World States into the same query text Embed would have hashed the
// originating Pattern from.
type goapMatcher struct {
	index *vectorindex.Index
}

func newGoapMatcher(index *vectorindex.Index) *goapMatcher {
	return &goapMatcher{index: index}
}

func (m *goapMatcher) MatchingPatterns(ctx context.Context, state, goal pattern.WorldState) ([]goap.PatternMatch, error) {
	query := fmt.Sprintf("%v %v", map[string]any(state), map[string]any(goal))
	results, err := m.index.Search(ctx, query, pattern.KindGOAP, 5)
	if err != nil {
		return nil, err
	}
	out := make([]goap.PatternMatch, len(results))
	for i, r := range results {
		out[i] = goap.PatternMatch{Pattern: r.Pattern, Similarity: r.Similarity}
	}
	return out, nil
}

func defaultActions() []pattern.Action {
	return []pattern.Action{
		{
			Name:          "run_tests",
			Preconditions: `state.code_written == true`,
			Effects:       `{"tests_passed": true}`,
			Cost:          2,
			Risk:          pattern.RiskLow,
		},
		{
			Name:          "write_code",
			Preconditions: `state.spec_understood == true`,
			Effects:       `{"code_written": true}`,
			Cost:          3,
			Risk:          pattern.RiskMedium,
		},
		{
			Name:          "deploy",
			Preconditions: `state.tests_passed == true`,
			Effects:       `{"deployed": true}`,
			Cost:          1,
			Risk:          pattern.RiskHigh,
		},
	}
}
