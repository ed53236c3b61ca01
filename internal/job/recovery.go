package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RecoveryAction describes what Recover did to a single stale Job.
type RecoveryAction struct {
	JobID  string `json:"jobId"`
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason"`
}

// RecoveryResult summarizes a startup recovery pass (§4.1 "Recovery").
type RecoveryResult struct {
	Inspected int              `json:"inspected"`
	Actions   []RecoveryAction `json:"actions"`
}

// Recover inspects every non-terminal Job and reverts any whose claim has
// gone stale — ClaimedAt older than staleAfter — to a safe prior boundary,
// clearing ClaimedBy in every case:
//
//   - planning or validating: the planner/validator never finished, and no
//     approved Plan can be trusted across a restart, so the Job goes back to
//     pending to be re-planned from scratch.
//   - executing with a stored Validation: execution was interrupted but the
//     Plan was already approved, so the Job goes back to awaiting_approval
//     rather than blindly resuming mid-execution.
//   - executing, maxAttempts already exhausted: the Job is failed with
//     reason "interrupted" instead of being retried again.
//   - awaiting_approval: this is an expected waiting state, not a crash
//     symptom; only the stale claim is cleared, status is untouched.
//
// Recovery bypasses the normal forward-only transition graph (it moves Jobs
// backward), so it writes status directly under CAS rather than going
// through Transition/CheckTransition.
func (s *Store) Recover(ctx context.Context, staleAfter time.Duration) (*RecoveryResult, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs for recovery: %w", err)
	}

	result := &RecoveryResult{}
	now := time.Now().UTC()

	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.SchemaVersion > CurrentSchemaVersion {
			continue
		}
		if j.ClaimedAt == nil || now.Sub(*j.ClaimedAt) < staleAfter {
			continue
		}
		result.Inspected++

		action, err := s.recoverOne(ctx, j.ID, now)
		if err != nil {
			return result, fmt.Errorf("recover job %s: %w", j.ID, err)
		}
		if action != nil {
			result.Actions = append(result.Actions, *action)
		}
	}
	return result, nil
}

// recoverOne re-fetches the Job under its current revision and applies the
// revert decision via a single CAS write, retrying once if another writer
// (unlikely during startup recovery, but not impossible) won the race.
func (s *Store) recoverOne(ctx context.Context, id string, now time.Time) (*RecoveryAction, error) {
	for attempt := 0; attempt < 2; attempt++ {
		j, rev, err := s.getWithRevision(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() || j.ClaimedAt == nil || now.Sub(*j.ClaimedAt) < 0 {
			return nil, nil
		}

		from := j.Status
		action := decideRecovery(j, now)
		if action == nil {
			return nil, nil
		}

		j.Status = action.To
		j.ClaimedBy = ""
		j.ClaimedAt = nil
		if action.To == StatusFailed {
			j.Error = &Error{Kind: "interrupted", Message: action.Reason, Retriable: false}
			completed := now
			j.CompletedAt = &completed
		}

		data, err := json.Marshal(j)
		if err != nil {
			return nil, fmt.Errorf("marshal job: %w", err)
		}
		if _, err := s.kv.Update(ctx, id, data, rev); err != nil {
			if isRevisionConflict(err) {
				continue // raced with a live writer; re-fetch and retry once
			}
			return nil, err
		}

		if action.To != from {
			s.emit(id, from, action.To)
		}
		action.JobID = id
		action.From = from
		return action, nil
	}
	return nil, fmt.Errorf("recover job %s: revision conflict on every attempt", id)
}

// decideRecovery applies the recovery mapping described on Recover. For
// awaiting_approval it returns an action whose To is the current status, so
// the caller only clears the stale claim; it returns nil for statuses the
// mapping does not cover.
func decideRecovery(j *Job, now time.Time) *RecoveryAction {
	switch j.Status {
	case StatusPlanning, StatusValidating:
		return &RecoveryAction{To: StatusPending, Reason: "claim stale during planning/validation; re-plan from scratch"}
	case StatusExecuting:
		if attemptCount(j) >= j.MaxAttempts {
			return &RecoveryAction{To: StatusFailed, Reason: "interrupted"}
		}
		if j.Validation != nil {
			return &RecoveryAction{To: StatusAwaitingApproval, Reason: "execution interrupted after approval; awaiting re-approval before resuming"}
		}
		return &RecoveryAction{To: StatusPending, Reason: "execution interrupted before any approval record; re-plan from scratch"}
	case StatusAwaitingApproval:
		return &RecoveryAction{To: StatusAwaitingApproval, Reason: "stale claim cleared; still awaiting operator approval"}
	default:
		return nil
	}
}

// attemptCount derives how many execution attempts a Job has consumed from
// its recorded step results, since FailureState tracks plan revisions and
// fast-path retries separately from execution attempts. StepResult.Attempt
// is zero-based, so the count is the highest recorded attempt plus one.
func attemptCount(j *Job) int {
	count := 0
	for _, r := range j.Result {
		if r.Attempt+1 > count {
			count = r.Attempt + 1
		}
	}
	return count
}
