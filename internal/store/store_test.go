package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evigate/internal/model"
)

func backends(t *testing.T) map[string]interface {
	Store
	Leaser
} {
	t.Helper()

	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]interface {
		Store
		Leaser
	}{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStore_UpdateAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, "run-1"))

			ok, err := s.Update(ctx, "run-1", Fields{
				"status":           model.StatusInProgress,
				"context_snapshot": map[string]interface{}{"phase": "started"},
			}, nil)
			require.NoError(t, err)
			assert.True(t, ok)

			row, err := s.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusInProgress, row.Status)
			assert.Equal(t, "started", row.ContextSnapshot["phase"])
		})
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, "run-1"))

			written := map[string]interface{}{
				"phase":  "paused",
				"detail": map[string]interface{}{"reason": "weak price"},
			}
			ok, err := s.Update(ctx, "run-1", Fields{"context_snapshot": written}, nil)
			require.NoError(t, err)
			require.True(t, ok)

			// Mutating the caller's map after the write must not reach the row.
			written["phase"] = "tampered"

			row, err := s.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "paused", row.ContextSnapshot["phase"])

			// Mutating a returned row, nested maps included, must not leak
			// into later reads.
			row.ContextSnapshot["phase"] = "scribbled"
			row.ContextSnapshot["detail"].(map[string]interface{})["reason"] = "scribbled"

			again, err := s.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "paused", again.ContextSnapshot["phase"])
			assert.Equal(t, "weak price", again.ContextSnapshot["detail"].(map[string]interface{})["reason"])
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "absent")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_CASExactlyOneWinner(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, "run-1"))
			_, err := s.Update(ctx, "run-1", Fields{
				"status":         model.StatusWaitingApproval,
				"approval_nonce": "nonce-1",
			}, nil)
			require.NoError(t, err)

			// Two concurrent approvals with the same nonce: the CAS
			// precondition lets exactly one through.
			pre := &Precondition{Status: model.StatusWaitingApproval, ApprovalNonce: "nonce-1"}
			results := make([]bool, 2)
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := s.Update(ctx, "run-1", Fields{
						"status":         model.StatusApproved,
						"approval_nonce": "",
					}, pre)
					assert.NoError(t, err)
					results[i] = ok
				}(i)
			}
			wg.Wait()

			assert.NotEqual(t, results[0], results[1], "exactly one CAS must win")

			row, err := s.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusApproved, row.Status)
			assert.Empty(t, row.ApprovalNonce)
		})
	}
}

func TestStore_CASWrongNonceLoses(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateRun(ctx, "run-1"))
			_, err := s.Update(ctx, "run-1", Fields{
				"status":         model.StatusWaitingApproval,
				"approval_nonce": "nonce-1",
			}, nil)
			require.NoError(t, err)

			ok, err := s.Update(ctx, "run-1", Fields{"status": model.StatusApproved},
				&Precondition{Status: model.StatusWaitingApproval, ApprovalNonce: "stale"})
			require.NoError(t, err)
			assert.False(t, ok)

			row, err := s.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusWaitingApproval, row.Status, "lost CAS must not mutate state")
		})
	}
}

func TestStore_LeaseExclusive(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			token, ok, err := s.AcquireLease(ctx, "run-1", "worker-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NotEmpty(t, token)

			// Second worker cannot take an unexpired lease.
			_, ok, err = s.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.ReleaseLease(ctx, "run-1", token))
			_, ok, err = s.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_ExpiredLeaseIsFree(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.AcquireLease(ctx, "run-1", "worker-a", -time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			_, ok, err = s.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "expired lease must be acquirable")
		})
	}
}

func TestStore_ForceUnlock(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.AcquireLease(ctx, "run-1", "worker-a", time.Hour)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, s.ForceUnlock(ctx, "run-1", "oncall@example.com", "worker wedged"))

			_, ok, err = s.AcquireLease(ctx, "run-1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestMemory_ForceUnlockAudited(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, _, err := m.AcquireLease(ctx, "run-1", "worker-a", time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.ForceUnlock(ctx, "run-1", "oncall@example.com", "worker wedged"))

	events := m.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "force_unlock", events[0].EventType)
	assert.Equal(t, "oncall@example.com", events[0].Payload["operator"])
	assert.NotEmpty(t, events[0].ActionID)
}

func TestSQLite_EventCount(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), time.Second)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, "run-1", "status_change", map[string]interface{}{"to": "in_progress"}))
	require.NoError(t, s.InsertEvent(ctx, "run-1", "approved", nil))

	n, err := s.EventCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNoop_AssumesSuccess(t *testing.T) {
	n := NewNoop()
	ctx := context.Background()

	ok, err := n.Update(ctx, "run-1", Fields{"status": model.StatusDone}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = n.Get(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound, "noop store has no state; callers keep local truth")
}
