package hooks

import "time"

// AlertKind enumerates the fault classes the OnAlert subscription fires
// on.
type AlertKind string

const (
	AlertTruthScoreLow  AlertKind = "truth_score_low"
	AlertRollback       AlertKind = "rollback"
	AlertByzantineFault AlertKind = "byzantine_fault"
	AlertPatternRejected AlertKind = "pattern_rejected"
	AlertStoreCorrupt   AlertKind = "store_corrupt"
	AlertMemoryHigh     AlertKind = "memory_high"
)

// Alert is a single notification delivered to every subscribed callback.
type Alert struct {
	Kind      AlertKind              `json:"kind"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// AlertCallback receives fired Alerts. Implementations must not block for
// long — Fire calls every callback synchronously in registration order; an
// in-process callback registry, not an event bus.
type AlertCallback func(Alert)

// OnAlert registers cb to receive every future Alert and returns an
// unsubscribe function.
func (h *Hub) OnAlert(cb AlertCallback) (unsubscribe func()) {
	h.mu.Lock()
	id := len(h.callbacks)
	h.callbacks = append(h.callbacks, subscription{id: id, cb: cb})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.callbacks {
			if s.id == id {
				h.callbacks = append(h.callbacks[:i], h.callbacks[i+1:]...)
				return
			}
		}
	}
}

// Fire delivers a, stamping Timestamp if unset, to every subscribed
// callback. Component packages do not import hooks; whoever holds the Hub
// calls Fire or one of the Fire* helpers below. cmd/substrate calls none
// of them.
func (h *Hub) Fire(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	h.mu.RLock()
	cbs := make([]AlertCallback, len(h.callbacks))
	for i, s := range h.callbacks {
		cbs[i] = s.cb
	}
	h.mu.RUnlock()

	for _, cb := range cbs {
		cb(a)
	}
}

// FireTruthScoreLow reports a predicted truth-score that fell below the
// recommended threshold for (agentID, fileType).
func (h *Hub) FireTruthScoreLow(agentID, fileType string, predicted, threshold float64) {
	h.Fire(Alert{
		Kind:    AlertTruthScoreLow,
		Message: "predicted truth score below threshold",
		Fields: map[string]interface{}{
			"agent_id": agentID, "file_type": fileType,
			"predicted": predicted, "threshold": threshold,
		},
	})
}

// FireRollback reports that a change was auto-rolled-back after
// verification.
func (h *Hub) FireRollback(agentID, taskID string, observedScore, threshold float64) {
	h.Fire(Alert{
		Kind:    AlertRollback,
		Message: "verification outcome triggered rollback",
		Fields: map[string]interface{}{
			"agent_id": agentID, "task_id": taskID,
			"observed_score": observedScore, "threshold": threshold,
		},
	})
}

// FireByzantineFault reports nodes flagged or quarantined during a
// consensus round.
func (h *Hub) FireByzantineFault(proposalID string, flagged, quarantined []string) {
	h.Fire(Alert{
		Kind:    AlertByzantineFault,
		Message: "byzantine fault detected during consensus round",
		Fields: map[string]interface{}{
			"proposal_id": proposalID, "flagged": flagged, "quarantined": quarantined,
		},
	})
}

// FirePatternRejected reports a candidate Pattern the Aggregator's Voter
// round rejected.
func (h *Hub) FirePatternRejected(signatureName, kind string) {
	h.Fire(Alert{
		Kind:    AlertPatternRejected,
		Message: "candidate pattern rejected by consensus",
		Fields:  map[string]interface{}{"name": signatureName, "kind": kind},
	})
}

// FireStoreCorrupt reports the Store's integrity check failing and flipping
// to read-only.
func (h *Hub) FireStoreCorrupt(detail string) {
	h.Fire(Alert{
		Kind:    AlertStoreCorrupt,
		Message: "store integrity check failed; store is now read-only",
		Fields:  map[string]interface{}{"detail": detail},
	})
}

// FireMemoryHigh reports the process crossing the 90% memory-budget alert
// line.
func (h *Hub) FireMemoryHigh(usedFraction float64) {
	h.Fire(Alert{
		Kind:    AlertMemoryHigh,
		Message: "memory usage above 90% of budget",
		Fields:  map[string]interface{}{"used_fraction": usedFraction},
	})
}
