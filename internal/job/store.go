package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Listener is invoked after every successful transition. Per §4.1, listeners
// must not block; the Store delivers them on a dedicated goroutine so a slow
// listener cannot stall a claim/transition call, while still preserving
// per-job (indeed, global) delivery order.
type Listener func(jobID string, from, to Status)

// Artifacts bundles the fields a transition may write atomically alongside
// the new status (§4.1 "Writes artifacts in the same atomic unit").
type Artifacts struct {
	Plan       *Plan
	Validation *Validation
	Result     []StepResult
	FastResult *FastResult
	Error      *Error
}

const bucketJobs = "AXIS_JOBS"

// Store is the persistent, crash-safe Job queue (§4.1), backed by a NATS
// JetStream KV bucket. Grounded on storage/entity.go's getOrCreateBucket +
// Create/Get/Put idiom; the state-machine CAS is implemented with
// JetStream's revision-checked Update in place of the teacher's unconditional
// Put, since transition() requires optimistic concurrency.
type Store struct {
	kv jetstream.KeyValue

	mu             sync.Mutex
	listeners      map[int]Listener
	nextListenerID int

	events chan transitionEvent
	done   chan struct{}
}

type transitionEvent struct {
	jobID string
	from  Status
	to    Status
}

// NewStore creates (or reuses) the AXIS_JOBS bucket and starts the listener
// dispatch goroutine.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	kv, err := js.KeyValue(ctx, bucketJobs)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucketJobs,
			Description: "Axis job queue",
			History:     5,
		})
		if err != nil {
			return nil, fmt.Errorf("create jobs bucket: %w", err)
		}
	}
	s := &Store{
		kv:        kv,
		listeners: make(map[int]Listener),
		events:    make(chan transitionEvent, 4096),
		done:      make(chan struct{}),
	}
	go s.dispatchLoop()
	return s, nil
}

// Close stops the listener dispatch goroutine.
func (s *Store) Close() {
	close(s.events)
	<-s.done
}

func (s *Store) dispatchLoop() {
	defer close(s.done)
	for ev := range s.events {
		s.mu.Lock()
		listeners := make([]Listener, 0, len(s.listeners))
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
		s.mu.Unlock()
		for _, l := range listeners {
			l(ev.jobID, ev.from, ev.to)
		}
	}
}

// OnStatusChange subscribes listener to every future transition and returns
// an unsubscribe function. Subscribers that live for the process's whole
// lifetime (e.g. workerpool.Pool's own cancel-on-cancelled hook) may discard
// it; per-connection subscribers (e.g. the bridge's WebSocket watch) must
// call it when they're done, or the closure — and whatever it closed over —
// leaks for as long as the Store is open.
func (s *Store) OnStatusChange(listener Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// CreateJob inserts a pending Job. If opts.DedupFingerprint matches a
// non-terminal job, that job is returned unchanged instead (§4.1).
func (s *Store) CreateJob(ctx context.Context, opts CreateOptions) (*Job, error) {
	if opts.DedupFingerprint != "" {
		if existing, err := s.findNonTerminalByFingerprint(ctx, opts.DedupFingerprint); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	j := New(opts)
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.kv.Create(ctx, j.ID, data); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	return j, nil
}

func (s *Store) findNonTerminalByFingerprint(ctx context.Context, fingerprint string) (*Job, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list job keys: %w", err)
	}
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var j Job
		if err := json.Unmarshal(entry.Value(), &j); err != nil {
			continue
		}
		if j.DedupFingerprint == fingerprint && !j.Status.Terminal() {
			return &j, nil
		}
	}
	return nil, nil
}

// getWithRevision retrieves a Job by ID along with its KV revision, for callers that
// need to perform their own CAS (e.g. recovery).
func (s *Store) getWithRevision(ctx context.Context, id string) (*Job, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get job: %w", err)
	}
	var j Job
	if err := json.Unmarshal(entry.Value(), &j); err != nil {
		return nil, 0, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, entry.Revision(), nil
}

// Get retrieves a Job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	j, _, err := s.getWithRevision(ctx, id)
	return j, err
}

// List returns every Job in the store. Used by recovery and CountByStatus;
// acceptable at single-user scale, matching ListProposals's full-scan idiom.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list job keys: %w", err)
	}
	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var j Job
		if err := json.Unmarshal(entry.Value(), &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// CountByStatus implements audit.JobStatusCounter (§6 metrics exposition).
func (s *Store) CountByStatus() map[string]int {
	jobs, err := s.List(context.Background())
	if err != nil {
		return nil
	}
	counts := make(map[string]int)
	for _, j := range jobs {
		counts[string(j.Status)]++
	}
	return counts
}

// Claim atomically selects one pending Job in priority-then-FIFO order not
// currently claimed, transitions it to planning, and returns it. Returns
// (nil, nil) if none is available.
func (s *Store) Claim(ctx context.Context, workerID string) (*Job, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var pending []*Job
	for _, j := range jobs {
		if j.Status == StatusPending && j.ClaimedBy == "" {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		if pending[i].Priority.Rank() != pending[k].Priority.Rank() {
			return pending[i].Priority.Rank() < pending[k].Priority.Rank()
		}
		return pending[i].ID < pending[k].ID // time-sortable ID => FIFO
	})

	for _, candidate := range pending {
		claimed, err := s.tryClaim(ctx, candidate.ID, workerID)
		if err != nil {
			if isRevisionConflict(err) {
				continue // another worker won the race; try the next candidate
			}
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

func (s *Store) tryClaim(ctx context.Context, id, workerID string) (*Job, error) {
	j, rev, err := s.getWithRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusPending || j.ClaimedBy != "" {
		return nil, nil
	}

	now := time.Now().UTC()
	j.Status = StatusPlanning
	j.ClaimedBy = workerID
	j.ClaimedAt = &now

	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.kv.Update(ctx, id, data, rev); err != nil {
		return nil, err
	}
	s.emit(id, StatusPending, StatusPlanning)
	return j, nil
}

// Transition performs the atomic compare-and-swap described in §4.1: it
// fails with ErrStateConflict if the Job's current status isn't `from`, and
// commits the new status plus any artifacts in one KV write.
func (s *Store) Transition(ctx context.Context, jobID string, from, to Status, artifacts *Artifacts) (*Job, error) {
	if err := CheckTransition(from, to); err != nil {
		return nil, err
	}

	j, rev, err := s.getWithRevision(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != from {
		return nil, &StateConflictError{JobID: jobID, Expected: from, Actual: j.Status}
	}

	j.Status = to
	if artifacts != nil {
		if artifacts.Plan != nil {
			j.Plan = artifacts.Plan
		}
		if artifacts.Validation != nil {
			j.Validation = artifacts.Validation
		}
		if artifacts.Result != nil {
			j.Result = artifacts.Result
		}
		if artifacts.FastResult != nil {
			j.FastResult = artifacts.FastResult
		}
		if artifacts.Error != nil {
			j.Error = artifacts.Error
		}
	}
	if to.Terminal() {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.ClaimedBy = ""
	}

	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.kv.Update(ctx, jobID, data, rev); err != nil {
		if isRevisionConflict(err) {
			return nil, &StateConflictError{JobID: jobID, Expected: from, Actual: j.Status}
		}
		return nil, fmt.Errorf("update job: %w", err)
	}

	s.emit(jobID, from, to)
	return j, nil
}

// CancelJob transitions any non-terminal Job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID string) (bool, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.Status.Terminal() {
		return false, nil
	}
	if _, err := s.Transition(ctx, jobID, j.Status, StatusCancelled, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) emit(jobID string, from, to Status) {
	select {
	case s.events <- transitionEvent{jobID: jobID, from: from, to: to}:
	default:
		// Buffer full: drop rather than block the commit path. A production
		// deployment sizes the buffer to its listener count and job rate;
		// the listener pipeline intentionally trades durability for the
		// spec's "listeners must not block" guarantee.
	}
}

// isRevisionConflict reports whether err came from a JetStream KV Update
// whose expected revision no longer matched (i.e. a concurrent writer won).
// jetstream.Update wraps this as an APIError containing "wrong last
// sequence" / code 10071; matching on the message keeps the store decoupled
// from the exact error type across nats.go versions.
func isRevisionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "wrong last sequence") || contains(msg, "10071") || contains(msg, "key exists")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
