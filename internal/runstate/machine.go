// Package runstate owns a run's lifecycle: status transitions, the
// evidence gate, and the CAS-protected human approval protocol.
package runstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/evigate/internal/checkpoint"
	"github.com/ppiankov/evigate/internal/evaluate"
	"github.com/ppiankov/evigate/internal/model"
	"github.com/ppiankov/evigate/internal/spool"
	"github.com/ppiankov/evigate/internal/store"
)

// RefetchFunc asks the external collectors for fresh evidence. The core
// never calls a collector any other way.
type RefetchFunc func(ctx context.Context) ([]model.EvidenceItem, error)

// NotifyFunc delivers a gate notification. Formatting and delivery are
// entirely external; the core calls it at most once per gate event.
type NotifyFunc func(runID, nonce, reason string) error

// Machine advances one run. One worker process drives one machine at a
// time; cross-process exclusion is the store lease.
type Machine struct {
	cfg         *model.Config
	state       *model.RunState
	store       store.Store
	eval        *evaluate.Evaluator
	checkpoints *checkpoint.Store
	spool       *spool.Spool
	logger      *slog.Logger
}

// NewMachine creates a state machine for the run.
func NewMachine(runID string, cfg *model.Config, st store.Store, cps *checkpoint.Store, sp *spool.Spool, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:         cfg,
		state:       model.NewRunState(runID),
		store:       st,
		eval:        evaluate.NewEvaluator(cfg),
		checkpoints: cps,
		spool:       sp,
		logger:      logger.With("run_id", runID),
	}
}

// State exposes the local mirror of the run row.
func (m *Machine) State() *model.RunState {
	return m.state
}

// Evaluator exposes the machine's evaluator for advisory use (MPC, hedging).
func (m *Machine) Evaluator() *evaluate.Evaluator {
	return m.eval
}

// Adopt replaces the local state with the store's row, used when resuming a
// run started by another process.
func (m *Machine) Adopt(ctx context.Context) error {
	row, err := m.store.Get(ctx, m.state.RunID)
	if err != nil {
		return fmt.Errorf("adopt run: %w", err)
	}
	m.state.Status = row.Status
	m.state.ApprovalNonce = row.ApprovalNonce
	m.state.RefetchAttempted = row.RefetchAttempted
	m.state.LeaseToken = row.LeaseToken
	m.state.LeaseExpiry = row.LeaseExpiry
	if row.ContextSnapshot != nil {
		m.state.ContextSnapshot = model.CloneSnapshot(row.ContextSnapshot)
	}
	return nil
}

// Start moves the run from pending to in_progress.
func (m *Machine) Start(ctx context.Context) error {
	return m.transition(ctx, model.StatusInProgress, "started", nil)
}

// Resume moves an approved run back to in_progress so a worker can pick it
// up again.
func (m *Machine) Resume(ctx context.Context) error {
	return m.transition(ctx, model.StatusInProgress, "resumed", nil)
}

// Complete moves the run to done and clears its checkpoint.
func (m *Machine) Complete(ctx context.Context) error {
	if err := m.transition(ctx, model.StatusDone, "completed", nil); err != nil {
		return err
	}
	if m.checkpoints != nil {
		if err := m.checkpoints.Clear(m.state.RunID); err != nil {
			m.logger.Warn("clear checkpoint failed", "error", err)
		}
	}
	return nil
}

// Fail moves the run to failed, recording why.
func (m *Machine) Fail(ctx context.Context, reason string) error {
	return m.transition(ctx, model.StatusFailed, "failed", map[string]interface{}{"reason": reason})
}

// CheckStatus refreshes the local status from the store and reports whether
// expensive work may proceed. Every expensive operation must call this
// first and no-op on false: that is the zero-cost-when-blocked guarantee.
// It never blocks waiting for a decision; callers yield and retry.
func (m *Machine) CheckStatus(ctx context.Context) bool {
	row, err := m.store.Get(ctx, m.state.RunID)
	switch {
	case err == nil:
		m.state.Status = row.Status
		m.state.ApprovalNonce = row.ApprovalNonce
		m.state.RefetchAttempted = row.RefetchAttempted
	case err == store.ErrNotFound:
		// No remote row; local state stands.
	default:
		// Transient store trouble never blocks the run.
		m.logger.Warn("status refresh failed, trusting local state", "error", err)
	}
	return !m.state.Status.Blocked()
}

// EvaluateAndGate scores the evidence and pauses the run when it is too
// weak to trust. A gated run first gets one silent auto-refetch attempt if
// every weak critical claim allows it; only if the gate persists is a human
// notified, exactly once, with a fresh single-use nonce.
func (m *Machine) EvaluateAndGate(ctx context.Context, evidence []model.EvidenceItem, refetch RefetchFunc, notify NotifyFunc) (*evaluate.Result, error) {
	if !m.CheckStatus(ctx) {
		m.logger.Info("run blocked, skipping evaluation", "status", m.state.Status)
		return nil, nil
	}

	result, err := m.eval.Evaluate(evidence)
	if err != nil {
		return nil, err
	}

	if !result.ShouldGate {
		m.logger.Info("evidence passed gate", "alerts", len(result.Alerts))
		return result, nil
	}

	// A human already ruled on this run's gate. Approving or overriding a
	// gate must let the run complete on the same evidence, not bounce it
	// back to waiting_approval with a fresh nonce.
	if decision := m.state.HumanDecision(); decision != "" {
		m.logger.Info("gate covered by earlier decision", "decision", decision, "reason", result.GateReason)
		m.audit(ctx, "gate_covered_by_decision", map[string]interface{}{
			"decision": decision,
			"reason":   result.GateReason,
		})
		return result, nil
	}

	if !m.state.RefetchAttempted && result.CanAutoRefetch && refetch != nil {
		healed, refreshed := m.tryRefetch(ctx, refetch)
		if refreshed != nil {
			result = refreshed
		}
		if healed {
			// Healed silently; no human involved.
			m.audit(ctx, "refetch_healed", map[string]interface{}{"reason": "gate cleared after refetch"})
			return result, nil
		}
	}

	nonce := uuid.NewString()
	detail := map[string]interface{}{"reason": result.GateReason}
	if err := m.transitionWithFields(ctx, model.StatusWaitingApproval, "paused", detail, store.Fields{
		"approval_nonce": nonce,
	}); err != nil {
		return result, err
	}
	m.state.ApprovalNonce = nonce

	// The rendered gate message exists regardless of whether delivery
	// succeeds, so it is inspectable even fully offline.
	message := RenderGateMessage(m.state.RunID, nonce, result)
	m.logger.Info("run gated", "reason", result.GateReason)
	m.logger.Debug("gate message", "message", message)

	if notify != nil {
		if err := notify(m.state.RunID, nonce, result.GateReason); err != nil {
			// A failing notifier must never strand a run.
			m.logger.Warn("notify failed, gate message logged locally", "error", err)
		}
	}
	return result, nil
}

// tryRefetch burns the one-shot refetch attempt and re-evaluates. Returns
// whether the gate cleared and the re-evaluation result, if any.
func (m *Machine) tryRefetch(ctx context.Context, refetch RefetchFunc) (bool, *evaluate.Result) {
	m.state.RefetchAttempted = true
	m.persist(ctx, store.Fields{"refetch_attempted": true})

	items, err := refetch(ctx)
	if err != nil {
		// Collector failures are warnings at this boundary.
		m.logger.Warn("auto-refetch failed", "error", err)
		return false, nil
	}
	result, err := m.eval.Evaluate(items)
	if err != nil {
		m.logger.Warn("re-evaluation after refetch failed", "error", err)
		return false, nil
	}
	return !result.ShouldGate, result
}

// ApprovalExpired reports whether a pending approval outlived the
// configured timeout. Callers must treat an expired approval as rejected;
// uncertain evidence never defaults to proceeding.
func (m *Machine) ApprovalExpired(ctx context.Context, now time.Time) (bool, error) {
	row, err := m.store.Get(ctx, m.state.RunID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if row.Status != model.StatusWaitingApproval {
		return false, nil
	}
	return now.Sub(row.UpdatedAt) > m.cfg.Approval.Timeout, nil
}

// transition applies a lifecycle edge with just status and snapshot fields.
func (m *Machine) transition(ctx context.Context, to model.RunStatus, phase string, detail map[string]interface{}) error {
	return m.transitionWithFields(ctx, to, phase, detail, nil)
}

// transitionWithFields validates the edge, applies it locally, and persists
// it. Persistence errors during a status transition are logged and spooled,
// never fatal: the store catches up via replay.
func (m *Machine) transitionWithFields(ctx context.Context, to model.RunStatus, phase string, detail map[string]interface{}, extra store.Fields) error {
	from := m.state.Status
	if err := checkTransition(from, to); err != nil {
		m.logger.Warn("rejected transition", "from", from, "to", to)
		return err
	}

	m.state.Status = to
	m.state.Snapshot(phase, detail)

	fields := store.Fields{
		"status":           to,
		"context_snapshot": m.state.ContextSnapshot,
	}
	for k, v := range extra {
		fields[k] = v
	}
	m.persist(ctx, fields)

	payload := map[string]interface{}{"from": string(from), "to": string(to), "phase": phase}
	for k, v := range detail {
		payload[k] = v
	}
	m.audit(ctx, "status_change", payload)

	m.logger.Info("transition", "from", from, "to", to)
	return nil
}

// persist writes fields to the store, degrading to the spool on failure.
func (m *Machine) persist(ctx context.Context, fields store.Fields) {
	if _, err := m.store.Update(ctx, m.state.RunID, fields, nil); err != nil {
		m.logger.Warn("store update failed, spooling", "error", err)
		m.spoolFallback("state_update", map[string]interface{}{"fields": describeFields(fields)})
	}
}

// audit appends an immutable event record, degrading to the spool on
// failure so the forensic trail survives outages.
func (m *Machine) audit(ctx context.Context, eventType string, payload map[string]interface{}) {
	if err := m.store.InsertEvent(ctx, m.state.RunID, eventType, payload); err != nil {
		m.logger.Warn("audit insert failed, spooling", "event", eventType, "error", err)
		m.spoolFallback(eventType, payload)
	}
}

func (m *Machine) spoolFallback(eventType string, payload map[string]interface{}) {
	if m.spool == nil {
		return
	}
	if err := m.spool.Add(m.state.RunID, eventType, payload); err != nil {
		m.logger.Error("spool write failed", "event", eventType, "error", err)
	}
}

// describeFields renders field values into spool-safe JSON shapes.
func describeFields(fields store.Fields) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if s, ok := v.(model.RunStatus); ok {
			out[k] = string(s)
			continue
		}
		out[k] = v
	}
	return out
}
