package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// setClaimed force-writes a job directly into the given status with a
// ClaimedAt far enough in the past to be stale, bypassing the normal
// transition graph the way a crash-then-restart would.
func setClaimed(t *testing.T, ctx context.Context, store *Store, j *Job, status Status, claimedAgo time.Duration, validation *Validation, result []StepResult) {
	t.Helper()
	_, rev, err := store.getWithRevision(ctx, j.ID)
	if err != nil {
		t.Fatalf("getWithRevision: %v", err)
	}
	j.Status = status
	j.ClaimedBy = "crashed-worker"
	claimedAt := time.Now().UTC().Add(-claimedAgo)
	j.ClaimedAt = &claimedAt
	j.Validation = validation
	j.Result = result

	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := store.kv.Update(ctx, j.ID, data, rev); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestRecover_PlanningRevertsToPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	setClaimed(t, ctx, store, j, StatusPlanning, time.Hour, nil, nil)

	result, err := store.Recover(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.Inspected != 1 || len(result.Actions) != 1 {
		t.Fatalf("expected one recovered job, got %+v", result)
	}
	if result.Actions[0].To != StatusPending {
		t.Fatalf("expected revert to pending, got %s", result.Actions[0].To)
	}

	reloaded, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != StatusPending || reloaded.ClaimedBy != "" {
		t.Fatalf("expected pending with cleared claim, got %+v", reloaded)
	}
}

func TestRecover_ExecutingWithValidationGoesToAwaitingApproval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	setClaimed(t, ctx, store, j, StatusExecuting, time.Hour,
		&Validation{Verdict: VerdictApproved, OverallRisk: RiskLow},
		[]StepResult{{StepID: "s1", Attempt: 1}})

	result, err := store.Recover(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(result.Actions) != 1 || result.Actions[0].To != StatusAwaitingApproval {
		t.Fatalf("expected revert to awaiting_approval, got %+v", result.Actions)
	}
}

func TestRecover_ExecutingExhaustedAttemptsFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	setClaimed(t, ctx, store, j, StatusExecuting, time.Hour,
		&Validation{Verdict: VerdictApproved, OverallRisk: RiskLow},
		[]StepResult{{StepID: "s1", Attempt: 1}, {StepID: "s1", Attempt: 2}})

	result, err := store.Recover(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(result.Actions) != 1 || result.Actions[0].To != StatusFailed {
		t.Fatalf("expected revert to failed, got %+v", result.Actions)
	}

	reloaded, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Error == nil || reloaded.Error.Kind != "interrupted" {
		t.Fatalf("expected interrupted error, got %+v", reloaded.Error)
	}
}

func TestRecover_AwaitingApprovalOnlyClearsClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	setClaimed(t, ctx, store, j, StatusAwaitingApproval, time.Hour, nil, nil)

	result, err := store.Recover(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(result.Actions) != 1 || result.Actions[0].To != StatusAwaitingApproval {
		t.Fatalf("expected status unchanged at awaiting_approval, got %+v", result.Actions)
	}

	reloaded, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.ClaimedBy != "" {
		t.Fatalf("expected claim cleared, got %+v", reloaded)
	}
}

func TestRecover_IgnoresFreshClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	setClaimed(t, ctx, store, j, StatusPlanning, time.Second, nil, nil)

	result, err := store.Recover(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.Inspected != 0 {
		t.Fatalf("expected a fresh claim to be left alone, got %+v", result)
	}
}
