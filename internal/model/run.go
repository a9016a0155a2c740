package model

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	StatusPending         RunStatus = "pending"
	StatusInProgress      RunStatus = "in_progress"
	StatusWaitingApproval RunStatus = "waiting_approval"
	StatusApproved        RunStatus = "approved"
	StatusDone            RunStatus = "done"
	StatusAborted         RunStatus = "aborted"
	StatusFailed          RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusAborted, StatusFailed:
		return true
	}
	return false
}

// Blocked reports whether expensive work must not proceed in this state.
func (s RunStatus) Blocked() bool {
	return s.Terminal() || s == StatusWaitingApproval
}

// RunState is the mutable row describing one run. The persistent store's
// copy is the source of truth; this struct mirrors it locally.
type RunState struct {
	RunID            string                 `json:"run_id"`
	Status           RunStatus              `json:"status"`
	LeaseToken       string                 `json:"lease_token,omitempty"`
	LeaseExpiry      time.Time              `json:"lease_expiry,omitempty"`
	ApprovalNonce    string                 `json:"approval_nonce,omitempty"`
	ContextSnapshot  map[string]interface{} `json:"context_snapshot,omitempty"` // Phase-tagged record of why each transition happened
	RefetchAttempted bool                   `json:"refetch_attempted"`          // One-shot auto-refetch guard
}

// NewRunState returns a fresh pending run.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:           runID,
		Status:          StatusPending,
		ContextSnapshot: map[string]interface{}{},
	}
}

// HumanDecision returns the decision a human recorded for this run's gate
// ("approved" or "weakness_ignored"), or empty when no one has ruled. The
// marker survives later phase tags so a resumed worker can honor it.
func (r *RunState) HumanDecision() string {
	if d, ok := r.ContextSnapshot["decision"].(string); ok {
		return d
	}
	return ""
}

// CloneSnapshot deep-copies a context snapshot. Stores and state machines
// hand copies across their boundary so neither side's mutations leak into
// the other's map.
func CloneSnapshot(snap map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(snap))
	for k, v := range snap {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneSnapshot(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Snapshot tags the context snapshot with the current phase and detail.
func (r *RunState) Snapshot(phase string, detail map[string]interface{}) {
	if r.ContextSnapshot == nil {
		r.ContextSnapshot = map[string]interface{}{}
	}
	r.ContextSnapshot["phase"] = phase
	r.ContextSnapshot["at"] = time.Now().UTC().Format(time.RFC3339)
	for k, v := range detail {
		r.ContextSnapshot[k] = v
	}
}
