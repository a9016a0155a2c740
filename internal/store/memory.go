package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/evigate/internal/model"
)

// Event is one immutable audit record.
type Event struct {
	RunID     string                 `json:"run_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ActionID  string                 `json:"action_id"`
	CreatedAt time.Time              `json:"created_at"`
}

// Memory is an in-process store with real CAS semantics. Used by tests and
// dry runs.
type Memory struct {
	mu     sync.Mutex
	rows   map[string]*Row
	events []Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*Row)}
}

func (m *Memory) Get(ctx context.Context, runID string) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[runID]
	if !ok {
		return Row{}, ErrNotFound
	}
	out := *row
	out.ContextSnapshot = model.CloneSnapshot(row.ContextSnapshot)
	return out, nil
}

func (m *Memory) Update(ctx context.Context, runID string, fields Fields, pre *Precondition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[runID]
	if !ok {
		if pre != nil {
			return false, nil
		}
		row = &Row{RunID: runID, Status: model.StatusPending}
		m.rows[runID] = row
	}

	if pre != nil {
		if row.Status != pre.Status || row.ApprovalNonce != pre.ApprovalNonce {
			return false, nil
		}
	}

	if err := applyFields(row, fields); err != nil {
		return false, err
	}
	row.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) InsertEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, Event{
		RunID:     runID,
		EventType: eventType,
		Payload:   payload,
		ActionID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Events returns a copy of the audit log, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) Close() error {
	return nil
}

// CreateRun implements Leaser.
func (m *Memory) CreateRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[runID]; !ok {
		m.rows[runID] = &Row{RunID: runID, Status: model.StatusPending, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

// AcquireLease implements Leaser.
func (m *Memory) AcquireLease(ctx context.Context, runID, owner string, d time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[runID]
	if !ok {
		row = &Row{RunID: runID, Status: model.StatusPending}
		m.rows[runID] = row
	}

	now := time.Now().UTC()
	if row.LeaseToken != "" && row.LeaseExpiry.After(now) {
		return "", false, nil
	}
	row.LeaseToken = uuid.NewString()
	row.LeaseExpiry = now.Add(d)
	return row.LeaseToken, true, nil
}

// ReleaseLease implements Leaser.
func (m *Memory) ReleaseLease(ctx context.Context, runID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[runID]
	if !ok || row.LeaseToken != token {
		return nil
	}
	row.LeaseToken = ""
	row.LeaseExpiry = time.Time{}
	return nil
}

// ForceUnlock implements Leaser.
func (m *Memory) ForceUnlock(ctx context.Context, runID, operator, reason string) error {
	m.mu.Lock()
	row, ok := m.rows[runID]
	if ok {
		row.LeaseToken = ""
		row.LeaseExpiry = time.Time{}
	}
	m.mu.Unlock()

	return m.InsertEvent(ctx, runID, "force_unlock", map[string]interface{}{
		"operator": operator,
		"reason":   reason,
	})
}

// applyFields writes recognized field keys onto a row.
func applyFields(row *Row, fields Fields) error {
	for key, value := range fields {
		switch key {
		case "status":
			switch v := value.(type) {
			case model.RunStatus:
				row.Status = v
			case string:
				row.Status = model.RunStatus(v)
			default:
				return fmt.Errorf("store: bad status value %T", value)
			}
		case "approval_nonce":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("store: bad approval_nonce value %T", value)
			}
			row.ApprovalNonce = s
		case "refetch_attempted":
			b, ok := value.(bool)
			if !ok {
				return fmt.Errorf("store: bad refetch_attempted value %T", value)
			}
			row.RefetchAttempted = b
		case "worker_health":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("store: bad worker_health value %T", value)
			}
			row.WorkerHealth = s
		case "context_snapshot":
			snap, err := snapshotMap(value)
			if err != nil {
				return err
			}
			row.ContextSnapshot = snap
		default:
			return fmt.Errorf("store: unknown field %q", key)
		}
	}
	return nil
}

func snapshotMap(value interface{}) (map[string]interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		// Copy so the row never aliases a map the caller keeps mutating.
		return model.CloneSnapshot(v), nil
	case string:
		var snap map[string]interface{}
		if err := json.Unmarshal([]byte(v), &snap); err != nil {
			return nil, fmt.Errorf("store: bad context_snapshot json: %w", err)
		}
		return snap, nil
	default:
		return nil, fmt.Errorf("store: bad context_snapshot value %T", value)
	}
}
