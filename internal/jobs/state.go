package jobs

import (
	"strings"

	"mediagen/internal/models"
)

// State is the normalised job state shared by every job kind.
type State string

const (
	StateUnknown         State = "UNKNOWN"
	StatePending         State = "PENDING"
	StateStarted         State = "STARTED"
	StateAttemptFailed   State = "ATTEMPT_FAILED"
	StateCompleteFailure State = "COMPLETE_FAILURE"
	StateDead            State = "DEAD"
	StateCompleteSuccess State = "COMPLETE_SUCCESS"
)

// IsTerminal reports whether no further transition can happen from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleteSuccess, StateCompleteFailure, StateDead:
		return true
	default:
		return false
	}
}

// ParseState maps a server status string to a State. Matching is case-insensitive and
// anything unrecognised becomes StateUnknown.
func ParseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case models.StatusPending:
		return StatePending
	case models.StatusStarted:
		return StateStarted
	case models.StatusAttemptFailed:
		return StateAttemptFailed
	case models.StatusCompleteFailure:
		return StateCompleteFailure
	case models.StatusDead:
		return StateDead
	case models.StatusCompleteSuccess:
		return StateCompleteSuccess
	default:
		return StateUnknown
	}
}
