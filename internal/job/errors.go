package job

import "errors"

// ErrStateConflict is returned by Transition when the Job's current status
// does not match the expected `from` status (§4.1).
var ErrStateConflict = errors.New("job: state conflict")

// ErrNotFound is returned when a Job ID does not exist.
var ErrNotFound = errors.New("job: not found")

// StateConflictError wraps ErrStateConflict with the observed status.
type StateConflictError struct {
	JobID    string
	Expected Status
	Actual   Status
}

func (e *StateConflictError) Error() string {
	return "job: state conflict on " + e.JobID + ": expected " + string(e.Expected) + ", got " + string(e.Actual)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }
