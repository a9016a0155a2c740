package store

import "context"

// Noop is the store used when persistence is disabled. Writes assume
// success and the event spool remains the system of record. Get reports
// ErrNotFound so callers keep trusting their local state.
type Noop struct{}

// NewNoop creates the assume-success store.
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Get(ctx context.Context, runID string) (Row, error) {
	return Row{}, ErrNotFound
}

func (n *Noop) Update(ctx context.Context, runID string, fields Fields, pre *Precondition) (bool, error) {
	return true, nil
}

func (n *Noop) InsertEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error {
	return nil
}

func (n *Noop) Close() error {
	return nil
}
