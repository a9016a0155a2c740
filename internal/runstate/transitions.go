package runstate

import (
	"errors"
	"fmt"

	"github.com/ppiankov/evigate/internal/model"
)

// ErrInvalidTransition is returned when a status change is not an edge of
// the lifecycle graph. The attempt leaves the run unchanged.
var ErrInvalidTransition = errors.New("runstate: invalid transition")

// validTransitions lists every legal edge. Anything absent is rejected.
var validTransitions = map[model.RunStatus][]model.RunStatus{
	model.StatusPending:         {model.StatusInProgress, model.StatusAborted, model.StatusFailed},
	model.StatusInProgress:      {model.StatusWaitingApproval, model.StatusDone, model.StatusAborted, model.StatusFailed},
	model.StatusWaitingApproval: {model.StatusInProgress, model.StatusApproved, model.StatusAborted, model.StatusFailed},
	model.StatusApproved:        {model.StatusInProgress, model.StatusDone, model.StatusAborted, model.StatusFailed},
	model.StatusDone:            {},
	model.StatusAborted:         {},
	model.StatusFailed:          {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.RunStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition wraps ErrInvalidTransition with the offending edge.
func checkTransition(from, to model.RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
