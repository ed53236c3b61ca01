package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.Status != StatusPending {
		t.Fatalf("expected pending, got %s", j.Status)
	}

	got, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != j.ID {
		t.Fatalf("expected %s, got %s", j.ID, got.ID)
	}
}

func TestStore_CreateJob_DedupReturnsExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser, DedupFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	second, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser, DedupFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("CreateJob (dedup): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected dedup to return %s, got a new job %s", first.ID, second.ID)
	}

	if _, err := store.Transition(ctx, first.ID, StatusPending, StatusPlanning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := store.Transition(ctx, first.ID, StatusPlanning, StatusFailed, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	third, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser, DedupFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("CreateJob (post-terminal): %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("expected a fresh job once the prior dedup match reached a terminal status")
	}
}

func TestStore_Transition_RejectsInvalidEdge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	_, err = store.Transition(ctx, j.ID, StatusPending, StatusExecuting, nil)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidTransitionError, got %v", err)
	}
}

func TestStore_Transition_RejectsStaleExpectedStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.Transition(ctx, j.ID, StatusPending, StatusPlanning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// The job is now "planning"; asking to move it from "pending" must fail
	// with StateConflict even though pending->planning is itself a valid edge.
	_, err = store.Transition(ctx, j.ID, StatusPending, StatusPlanning, nil)
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *StateConflictError, got %v", err)
	}
	if conflict.Expected != StatusPending || conflict.Actual != StatusPlanning {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}
}

func TestStore_Transition_WritesArtifactsAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.Transition(ctx, j.ID, StatusPending, StatusPlanning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	plan := &Plan{ID: "plan-1", JobID: j.ID, Steps: []Step{{ID: "s1", Gear: "fs", Action: "read"}}}
	updated, err := store.Transition(ctx, j.ID, StatusPlanning, StatusValidating, &Artifacts{Plan: plan})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.Plan == nil || updated.Plan.ID != "plan-1" {
		t.Fatalf("expected plan artifact to be persisted, got %+v", updated.Plan)
	}

	reloaded, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != StatusValidating || reloaded.Plan == nil {
		t.Fatalf("expected persisted validating status with plan, got %+v", reloaded)
	}
}

func TestStore_Claim_EachJobClaimedExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const numJobs = 20
	ids := make(map[string]bool, numJobs)
	for i := 0; i < numJobs; i++ {
		j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		ids[j.ID] = true
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string) // jobID -> workerID
		wg      sync.WaitGroup
	)

	const numWorkers = 8
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		workerID := workerName(w)
		go func() {
			defer wg.Done()
			for {
				j, err := store.Claim(ctx, workerID)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[j.ID]; ok {
					t.Errorf("job %s claimed twice: by %s and %s", j.ID, prev, workerID)
				}
				claimed[j.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(claimed) != numJobs {
		t.Fatalf("expected all %d jobs claimed, got %d", numJobs, len(claimed))
	}
}

func workerName(i int) string {
	return "worker-" + string(rune('A'+i))
}

func TestStore_Claim_PriorityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser, Priority: PriorityLow})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	critical, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser, Priority: PriorityCritical})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	claimed, err := store.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != critical.ID {
		t.Fatalf("expected critical-priority job %s claimed first, got %v", critical.ID, claimed)
	}

	_ = low
}

func TestStore_CancelJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ok, err := store.CancelJob(ctx, j.ID)
	if err != nil || !ok {
		t.Fatalf("CancelJob: ok=%v err=%v", ok, err)
	}

	ok, err = store.CancelJob(ctx, j.ID)
	if err != nil || ok {
		t.Fatalf("expected CancelJob to be a no-op on an already-terminal job, got ok=%v err=%v", ok, err)
	}
}

func TestStore_OnStatusChange_DeliversInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var count int32
	store.OnStatusChange(func(jobID string, from, to Status) {
		atomic.AddInt32(&count, 1)
	})

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.Transition(ctx, j.ID, StatusPending, StatusPlanning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := store.Transition(ctx, j.ID, StatusPlanning, StatusFailed, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&count) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Fatalf("expected 2 listener deliveries, got %d", got)
	}
}

func TestStore_OnStatusChange_UnsubscribeStopsDelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var count int32
	unsubscribe := store.OnStatusChange(func(jobID string, from, to Status) {
		atomic.AddInt32(&count, 1)
	})

	j, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.Transition(ctx, j.ID, StatusPending, StatusPlanning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&count) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected 1 listener delivery before unsubscribe, got %d", got)
	}

	unsubscribe()

	if _, err := store.Transition(ctx, j.ID, StatusPlanning, StatusFailed, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// Give dispatchLoop a moment to (not) deliver the post-unsubscribe event.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected delivery count to stay at 1 after unsubscribe, got %d", got)
	}
}

func TestStore_CountByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j2, err := store.CreateJob(ctx, CreateOptions{Source: SourceUser})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.Transition(ctx, j2.ID, StatusPending, StatusPlanning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	counts := store.CountByStatus()
	if counts[string(StatusPending)] != 1 || counts[string(StatusPlanning)] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
