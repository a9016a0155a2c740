// Package store abstracts the persistent run-state backend. The store's row
// is the single source of truth for a run; checkpoint and spool are
// process-local safety nets layered underneath it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/evigate/internal/model"
)

// ErrNotFound is returned by Get when the run has no row.
var ErrNotFound = errors.New("store: run not found")

// Row mirrors one run's persistent state.
type Row struct {
	RunID            string                 `json:"run_id"`
	Status           model.RunStatus        `json:"status"`
	LeaseToken       string                 `json:"lease_token,omitempty"`
	LeaseExpiry      time.Time              `json:"lease_expiry,omitempty"`
	ApprovalNonce    string                 `json:"approval_nonce,omitempty"`
	ContextSnapshot  map[string]interface{} `json:"context_snapshot,omitempty"`
	RefetchAttempted bool                   `json:"refetch_attempted"`
	WorkerHealth     string                 `json:"worker_health,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Fields maps column names to new values for an Update. Recognized keys:
// status, approval_nonce, context_snapshot, refetch_attempted, worker_health.
type Fields map[string]interface{}

// Precondition makes an Update a compare-and-set: the write applies only if
// the stored row still matches. Under concurrent duplicate decisions exactly
// one CAS wins.
type Precondition struct {
	Status        model.RunStatus
	ApprovalNonce string
}

// Store is the persistence boundary of the control plane.
type Store interface {
	// Get fetches the run's row, or ErrNotFound.
	Get(ctx context.Context, runID string) (Row, error)

	// Update writes fields, optionally guarded by a precondition. It
	// reports whether the write applied; a false return with nil error is
	// a lost CAS, not a failure.
	Update(ctx context.Context, runID string, fields Fields, pre *Precondition) (bool, error)

	// InsertEvent appends an immutable audit record, independent of the
	// row's mutable snapshot.
	InsertEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error

	Close() error
}

// Leaser is implemented by backends that support cross-process run leases.
// A lease is the only mutual-exclusion mechanism between workers; staleness
// resolves by expiry plus the audited force-unlock escape hatch.
type Leaser interface {
	// CreateRun ensures a pending row exists for the run.
	CreateRun(ctx context.Context, runID string) error

	// AcquireLease takes the run's lease if it is free or expired.
	AcquireLease(ctx context.Context, runID, owner string, d time.Duration) (token string, ok bool, err error)

	// ReleaseLease frees the lease if the token still holds it.
	ReleaseLease(ctx context.Context, runID, token string) error

	// ForceUnlock clears the lease unconditionally, recording who did it
	// and why in the audit log.
	ForceUnlock(ctx context.Context, runID, operator, reason string) error
}
