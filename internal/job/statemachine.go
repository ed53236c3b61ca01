package job

import "fmt"

// transitions enumerates every allowed (from, to) edge (§4.1 "Allowed
// transitions"). Terminal statuses have no outgoing edges (other than the
// blanket "any non-terminal -> cancelled" rule handled in IsValid).
var transitions = map[Status][]Status{
	StatusPending:          {StatusPlanning, StatusCancelled},
	StatusPlanning:         {StatusValidating, StatusCancelled, StatusFailed},
	StatusValidating:       {StatusExecuting, StatusAwaitingApproval, StatusPlanning, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusExecuting, StatusCancelled, StatusFailed},
	StatusExecuting:        {StatusCompleted, StatusFailed, StatusCancelled},
}

// InvalidTransitionError reports a disallowed (from, to) edge (§4.1).
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job: invalid transition %s -> %s", e.From, e.To)
}

// IsValid reports whether moving a Job from `from` to `to` is allowed.
func IsValid(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an *InvalidTransitionError if from->to is not an
// allowed edge, nil otherwise.
func CheckTransition(from, to Status) error {
	if !IsValid(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
