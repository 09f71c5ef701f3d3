package core

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not permitted by
// the task lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// IsTerminal reports whether the status is terminal. A terminal task never
// changes status again; starting a new run requires a cleanup first.
func IsTerminal(s TaskStatus) bool {
	switch s {
	case StatusCompleted, StatusAborted:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task is expected to make progress. Heartbeat
// stall detection only applies to active statuses; a paused task is idle on
// purpose.
func IsActive(s TaskStatus) bool {
	switch s {
	case StatusRunning, StatusRetryPending, StatusRecovering:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a permitted lifecycle change.
// Every status may move to StatusAborted except the terminal ones.
func CanTransition(from, to TaskStatus) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StatusAborted {
		return true
	}
	switch from {
	case StatusPlanning:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusRetryPending || to == StatusPaused || to == StatusCompleted
	case StatusRetryPending:
		return to == StatusRunning || to == StatusPaused
	case StatusPaused:
		return to == StatusRecovering || to == StatusRunning
	case StatusRecovering:
		return to == StatusRunning || to == StatusPaused
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition (wrapped with both statuses)
// when from -> to is not permitted.
func ValidateTransition(from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
