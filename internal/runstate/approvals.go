package runstate

import (
	"context"
	"fmt"

	"github.com/ppiankov/evigate/internal/model"
	"github.com/ppiankov/evigate/internal/store"
)

// Approve accepts a gated run after human review, resuming it towards
// completion. Returns false when this request lost the CAS race or the run
// is not waiting.
func (m *Machine) Approve(ctx context.Context, nonce string) (bool, error) {
	return m.decide(ctx, nonce, model.StatusApproved, "approved", nil)
}

// IgnoreWeakness proceeds despite the weak evidence, recording the override
// so downstream rendering can omit gate-only claims.
func (m *Machine) IgnoreWeakness(ctx context.Context, nonce string) (bool, error) {
	return m.decide(ctx, nonce, model.StatusApproved, "weakness_ignored", map[string]interface{}{
		"override": true,
	})
}

// AbortByUser terminates the run on human decision.
func (m *Machine) AbortByUser(ctx context.Context, nonce, operator, reason string) (bool, error) {
	detail := map[string]interface{}{}
	if operator != "" {
		detail["operator"] = operator
	}
	if reason != "" {
		detail["reason"] = reason
	}
	return m.decide(ctx, nonce, model.StatusAborted, "aborted_by_user", detail)
}

// decide applies one human decision. The store CAS is authoritative: under
// concurrent duplicate decisions (a double-tap) exactly one request's CAS
// succeeds; the loser observes the failure and returns false with no side
// effects. A store error blocks the decision entirely -- if the CAS result
// cannot be confirmed, the decision is not applied.
func (m *Machine) decide(ctx context.Context, nonce string, target model.RunStatus, phase string, detail map[string]interface{}) (bool, error) {
	if m.state.Status != model.StatusWaitingApproval {
		m.logger.Warn("decision refused, run not waiting", "status", m.state.Status, "phase", phase)
		return false, nil
	}
	if nonce == "" || nonce != m.state.ApprovalNonce {
		m.logger.Warn("decision refused, nonce mismatch", "phase", phase)
		return false, nil
	}
	if err := checkTransition(m.state.Status, target); err != nil {
		return false, err
	}

	snapshot := model.CloneSnapshot(m.state.ContextSnapshot)
	snapshot["phase"] = phase
	if target == model.StatusApproved {
		// The ruling outlives later phase tags; a resumed worker consults
		// it before re-gating on the same weakness.
		snapshot["decision"] = phase
	}
	for k, v := range detail {
		snapshot[k] = v
	}

	ok, err := m.store.Update(ctx, m.state.RunID, store.Fields{
		"status":           target,
		"approval_nonce":   "",
		"context_snapshot": snapshot,
	}, &store.Precondition{
		Status:        model.StatusWaitingApproval,
		ApprovalNonce: nonce,
	})
	if err != nil {
		return false, fmt.Errorf("decision %s: %w", phase, err)
	}
	if !ok {
		m.logger.Info("decision lost CAS race", "phase", phase)
		return false, nil
	}

	// CAS won: now mutate local state.
	m.state.Status = target
	m.state.ApprovalNonce = ""
	m.state.ContextSnapshot = snapshot

	payload := map[string]interface{}{"decision": phase, "to": string(target)}
	for k, v := range detail {
		payload[k] = v
	}
	m.audit(ctx, phase, payload)

	m.logger.Info("decision applied", "phase", phase, "status", target)
	return true, nil
}
