// Package consensus implements Byzantine-tolerant weighted voting and
// pattern aggregation for the hive mind. Vote collection fans out to node
// collaborators with per-node timeouts using errgroup.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
	"github.com/hiveforge/substrate/resilience"
	"github.com/hiveforge/substrate/substrateconfig"
)

// ProposalKind classifies what a consensus round is deciding.
type ProposalKind string

const (
	ProposalPatternValidation ProposalKind = "pattern_validation"
	ProposalResourceAllocation ProposalKind = "resource_allocation"
	ProposalStrategyChange    ProposalKind = "strategy_change"
	ProposalEmergencyAction   ProposalKind = "emergency_action"
)

// Proposal is one round's subject. RequiredQuorum/RequiredConsensus default
// from VoterConfig when zero.
type Proposal struct {
	ID                string
	Kind              ProposalKind
	Payload           any
	RequiredQuorum    float64
	RequiredConsensus float64
}

// Decision is the outcome of a completed round.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionTimeout Decision = "timeout"
)

// RoundResult carries everything a caller needs to inspect a decision or
// reproduce it: the decision is a pure function of the final (votes,
// reputations, quorum, consensus) tuple.
type RoundResult struct {
	ProposalID      string
	Decision        Decision
	ScoreApprove    float64
	Votes           []pattern.Vote
	FlaggedNodes    []string
	QuarantinedNodes []string
	Rounds          int
}

// VoteRequester asks a single roster node to cast a ballot on a proposal,
// honoring ctx's deadline. A plain request/response call, fanned out by the
// Voter — no callback or emitter machinery.
type VoteRequester interface {
	RequestVote(ctx context.Context, nodeID string, proposal Proposal) (pattern.Vote, error)
}

// Voter runs Byzantine-tolerant weighted voting rounds over a roster of
// ConsensusNodes. The roster lives in memory, scoped to the Voter
// instance: nodes are process-lifetime collaborator state, not
// store-backed rows.
type Voter struct {
	cfg      substrateconfig.VoterConfig
	requests VoteRequester
	logger   core.Logger

	mu       sync.RWMutex
	nodes    map[string]*pattern.ConsensusNode
	breakers map[string]*resilience.CircuitBreaker
}

// NewVoter builds a Voter over requests, which supplies per-node votes.
func NewVoter(cfg substrateconfig.VoterConfig, requests VoteRequester, logger core.Logger) *Voter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Voter{
		cfg:      cfg,
		requests: requests,
		logger:   logger,
		nodes:    make(map[string]*pattern.ConsensusNode),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns (creating on first use) the per-node circuit breaker
// that shields the roster from a chronically unresponsive node: a node that
// keeps missing its round timeout trips its breaker open, and subsequent
// rounds skip dialing it outright (same exclusion effect as a timeout)
// until SleepWindow elapses, rather than paying a fresh
// RoundTimeout wait on every round for a node already known to be down.
func (v *Voter) breakerFor(nodeID string) *resilience.CircuitBreaker {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cb, ok := v.breakers[nodeID]; ok {
		return cb
	}
	cfg := resilience.DefaultConfig()
	cfg.Name = "voter-node-" + nodeID
	cfg.SleepWindow = 10 * time.Second
	cfg.VolumeThreshold = 3
	cfg.Logger = v.logger
	cb, _ := resilience.NewCircuitBreaker(cfg)
	v.breakers[nodeID] = cb
	return cb
}

// Register adds node to the roster with the given initial reputation;
// the Coordinator calls this for every worker it spawns.
func (v *Voter) Register(nodeID string, initialReputation float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nodes[nodeID] = &pattern.ConsensusNode{ID: nodeID, Reputation: initialReputation, Reliability: initialReputation, LastSeen: time.Now()}
}

// Unregister drops node from the roster (used for both graceful
// deregistration and the terminal effect of quarantine).
func (v *Voter) Unregister(nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.nodes, nodeID)
}

// ActiveNodes returns the ids of every non-quarantined roster node.
func (v *Voter) ActiveNodes() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.nodes))
	for id, n := range v.nodes {
		if !n.Quarantined {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Submit runs a complete round for proposal: Collecting → Quorum? →
// (No → Retry ≤ max_rounds → Timeout) | (Yes → Detect → Score → Decide).
func (v *Voter) Submit(ctx context.Context, proposal Proposal) (*RoundResult, error) {
	quorum := proposal.RequiredQuorum
	if quorum <= 0 {
		quorum = v.cfg.DefaultQuorum
	}
	consensusThreshold := proposal.RequiredConsensus
	if consensusThreshold <= 0 {
		consensusThreshold = v.cfg.DefaultConsensus
	}

	nodeIDs := v.ActiveNodes()
	if len(nodeIDs) < v.cfg.MinNodes {
		return nil, core.NewError("consensus.Voter.Submit", "validation", fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientNodes, len(nodeIDs), v.cfg.MinNodes))
	}

	maxRounds := v.cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}

	var votes []pattern.Vote
	round := 0
	for round = 1; round <= maxRounds; round++ {
		select {
		case <-ctx.Done():
			return &RoundResult{ProposalID: proposal.ID, Decision: DecisionTimeout, Rounds: round}, nil
		default:
		}

		votes = v.collect(ctx, nodeIDs, proposal)
		participation := float64(len(votes)) / float64(len(nodeIDs))
		if participation >= quorum {
			break
		}
		if round == maxRounds {
			return &RoundResult{ProposalID: proposal.ID, Decision: DecisionTimeout, Votes: votes, Rounds: round}, nil
		}
	}

	flagged := v.detectByzantine(votes)
	score, quarantined := v.score(votes, flagged)

	decision := DecisionReject
	if score >= consensusThreshold {
		decision = DecisionApprove
	}

	return &RoundResult{
		ProposalID:       proposal.ID,
		Decision:         decision,
		ScoreApprove:     score,
		Votes:            votes,
		FlaggedNodes:     flagged,
		QuarantinedNodes: quarantined,
		Rounds:           round,
	}, nil
}

// collect fans out vote requests to every node with the round timeout,
// returning only votes that arrived in time — missing nodes are excluded
// from the round, not treated as rejects.
func (v *Voter) collect(ctx context.Context, nodeIDs []string, proposal Proposal) []pattern.Vote {
	timeout := v.cfg.RoundTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(roundCtx)
	results := make([]*pattern.Vote, len(nodeIDs))
	for i, id := range nodeIDs {
		i, id := i, id
		g.Go(func() error {
			cb := v.breakerFor(id)
			var vote pattern.Vote
			err := cb.Execute(gctx, func() error {
				var callErr error
				vote, callErr = v.requests.RequestVote(gctx, id, proposal)
				return callErr
			})
			if err != nil {
				v.logger.Debug("vote request failed, timed out, or breaker open", map[string]interface{}{"node_id": id, "error": err.Error()})
				return nil
			}
			vote.NodeID = id
			results[i] = &vote
			return nil
		})
	}
	_ = g.Wait()

	votes := make([]pattern.Vote, 0, len(nodeIDs))
	for _, r := range results {
		if r != nil {
			votes = append(votes, *r)
		}
	}
	return votes
}

// detectByzantine flags votes that look dishonest: a definitive vote cast
// with low confidence, a confident outlier against the majority, a node
// with repeated recent marks, or a high-reputation node suddenly voting
// with low confidence.
func (v *Voter) detectByzantine(votes []pattern.Vote) []string {
	if len(votes) == 0 {
		return nil
	}

	approveWeight, rejectWeight := 0.0, 0.0
	for _, vt := range votes {
		switch vt.Choice {
		case pattern.VoteApprove:
			approveWeight++
		case pattern.VoteReject:
			rejectWeight++
		}
	}
	majority := pattern.VoteApprove
	if rejectWeight > approveWeight {
		majority = pattern.VoteReject
	}

	const outlierDeltaDefault = 0.2
	delta := v.cfg.OutlierDelta
	if delta <= 0 {
		delta = outlierDeltaDefault
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var flagged []string
	for _, vt := range votes {
		node, ok := v.nodes[vt.NodeID]
		if !ok {
			continue
		}
		isFlagged := false

		if vt.Choice != pattern.VoteAbstain && vt.Confidence < 0.3 {
			isFlagged = true
		}
		if vt.Choice != pattern.VoteAbstain && vt.Choice != majority && vt.Confidence > 1-delta {
			isFlagged = true
		}
		if countRecentMarks(node.SuspiciousMarks, 5) >= 3 {
			isFlagged = true
		}
		if node.Reputation > 0.8 && vt.Confidence < 0.5 {
			isFlagged = true
		}

		if isFlagged {
			node.SuspiciousMarks = append(node.SuspiciousMarks, time.Now())
			flagged = append(flagged, vt.NodeID)
		}
	}
	return flagged
}

// countRecentMarks counts marks among the most recent window entries —
// "last 5 rounds" approximated as the last window marks
// recorded for the node, since rounds are not separately indexed here.
func countRecentMarks(marks []time.Time, window int) int {
	if len(marks) <= window {
		return len(marks)
	}
	return window
}

// score applies reputation decay/quarantine to flagged nodes and computes
// score_approve = Σ weight_approve / Σ weight, weight = reputation ·
// vote.confidence.
func (v *Voter) score(votes []pattern.Vote, flagged []string) (float64, []string) {
	flaggedSet := make(map[string]bool, len(flagged))
	for _, id := range flagged {
		flaggedSet[id] = true
	}

	decay := v.cfg.ReputationDecay
	if decay <= 0 {
		decay = 0.1
	}
	floor := v.cfg.QuarantineFloor
	if floor <= 0 {
		floor = 0.2
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var approveWeight, totalWeight float64
	var quarantined []string
	for _, vt := range votes {
		node, ok := v.nodes[vt.NodeID]
		if !ok {
			continue
		}

		weight := node.Reputation * vt.Confidence
		totalWeight += weight
		if vt.Choice == pattern.VoteApprove {
			approveWeight += weight
		}

		if flaggedSet[vt.NodeID] {
			node.Reputation -= decay
			if node.Reputation < 0 {
				node.Reputation = 0
			}
			if node.Reputation <= floor {
				node.Quarantined = true
				quarantined = append(quarantined, vt.NodeID)
			}
		}
		node.LastSeen = time.Now()
	}

	for _, id := range quarantined {
		delete(v.nodes, id)
	}

	if totalWeight == 0 {
		return 0, quarantined
	}
	return approveWeight / totalWeight, quarantined
}
