package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"axis.run/meridian/internal/job"
	"axis.run/meridian/internal/policy"
	"axis.run/meridian/pkg/envelope"
)

// newTestStore spins an embedded NATS server, mirroring
// internal/job/testnats_test.go's unexported helper (not reusable across
// package boundaries).
func newTestStore(t *testing.T) *job.Store {
	t.Helper()

	opts := &server.Options{Port: -1, JetStream: true, NoLog: true, NoSigs: true, StoreDir: t.TempDir()}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	store, err := job.NewStore(context.Background(), js)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// scriptedDispatcher replies to each Dispatch call by popping the next
// scripted reply (or error) for that message type, tracked independently
// per envelope.MessageType so a test can script a whole Job's plan/validate/
// execute/reflect sequence up front.
type scriptedDispatcher struct {
	replies map[envelope.MessageType][]scriptedReply
	calls   map[envelope.MessageType]int
}

type scriptedReply struct {
	payload any
	err     error
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{replies: map[envelope.MessageType][]scriptedReply{}, calls: map[envelope.MessageType]int{}}
}

func (d *scriptedDispatcher) on(msgType envelope.MessageType, payload any) *scriptedDispatcher {
	d.replies[msgType] = append(d.replies[msgType], scriptedReply{payload: payload})
	return d
}

func (d *scriptedDispatcher) onError(msgType envelope.MessageType, err error) *scriptedDispatcher {
	d.replies[msgType] = append(d.replies[msgType], scriptedReply{err: err})
	return d
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, msgType envelope.MessageType, to, jobID string, payload json.RawMessage, cancel <-chan struct{}) (envelope.AxisMessage, error) {
	idx := d.calls[msgType]
	d.calls[msgType] = idx + 1

	scripts := d.replies[msgType]
	if idx >= len(scripts) {
		// Repeat the last scripted reply (e.g. reflect.request isn't always
		// pre-scripted per call in every scenario).
		idx = len(scripts) - 1
	}
	s := scripts[idx]
	if s.err != nil {
		return envelope.AxisMessage{}, s.err
	}
	data, err := json.Marshal(s.payload)
	if err != nil {
		return envelope.AxisMessage{}, err
	}
	return envelope.AxisMessage{ID: "reply-" + jobID, Payload: data}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff.BaseMs = 1
	cfg.Backoff.CapMs = 2
	cfg.Backoff.JitterMs = 0
	cfg.Rand01 = func() float64 { return 0 }
	return cfg
}

func newPlanningJob(t *testing.T, store *job.Store) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := store.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, MaxAttempts: 3, Metadata: map[string]any{"userMessage": "do the thing"}})
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, "test-worker")
	require.NoError(t, err)
	require.Equal(t, j.ID, claimed.ID)
	return claimed
}

func TestOrchestrator_FastPath_CompletesWithoutValidatorOrExecution(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	dispatcher := newScriptedDispatcher().
		on(envelope.TypePlanRequest, PlanReply{Path: PlanPathFast, Text: "the answer is 42"})
	orch := New(store, dispatcher, nil, nil, nil, testConfig())

	require.NoError(t, orch.Run(context.Background(), j, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.FastResult)
	require.Equal(t, "the answer is 42", got.FastResult.Text)
}

func TestOrchestrator_FullPath_LowRisk_CompletesAfterExecution(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	plan := &job.Plan{ID: "plan-1", JobID: j.ID, Steps: []job.Step{
		{ID: "s1", Gear: "files", Action: "read", RiskLevel: job.RiskLow},
	}}
	dispatcher := newScriptedDispatcher().
		on(envelope.TypePlanRequest, PlanReply{Path: PlanPathFull, Plan: plan}).
		on(envelope.TypeValidateRequest, ValidateReply{Verdict: job.VerdictApproved, OverallRisk: job.RiskLow, Steps: []job.StepVerdict{{StepID: "s1", Verdict: job.VerdictApproved}}}).
		on(envelope.TypeExecuteRequest, ExecuteReply{StepID: "s1", Result: map[string]any{"ok": true}, DurationMs: 5}).
		on(envelope.TypeReflectRequest, map[string]any{})

	orch := New(store, dispatcher, nil, nil, nil, testConfig())
	require.NoError(t, orch.Run(context.Background(), j, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Len(t, got.Result, 1)
	require.Nil(t, got.Result[0].Error)
}

func TestOrchestrator_ApprovalGate_StopsAtAwaitingApproval(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	plan := &job.Plan{ID: "plan-1", JobID: j.ID, Steps: []job.Step{
		{ID: "s1", Gear: "shell", Action: "exec", RiskLevel: job.RiskHigh},
	}}
	dispatcher := newScriptedDispatcher().
		on(envelope.TypePlanRequest, PlanReply{Path: PlanPathFull, Plan: plan}).
		on(envelope.TypeValidateRequest, ValidateReply{Verdict: job.VerdictNeedsUserApproval, OverallRisk: job.RiskHigh})

	orch := New(store, dispatcher, nil, nil, nil, testConfig())
	require.NoError(t, orch.Run(context.Background(), j, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusAwaitingApproval, got.Status)
}

func TestOrchestrator_NeedsRevision_RepansUntilApprovedThenCompletes(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	firstPlan := &job.Plan{ID: "plan-1", JobID: j.ID, Steps: []job.Step{{ID: "s1", Gear: "files", Action: "write", RiskLevel: job.RiskMedium}}}
	secondPlan := &job.Plan{ID: "plan-2", JobID: j.ID, Steps: []job.Step{{ID: "s1", Gear: "files", Action: "read", RiskLevel: job.RiskLow}}}

	dispatcher := newScriptedDispatcher().
		on(envelope.TypePlanRequest, PlanReply{Path: PlanPathFull, Plan: firstPlan}).
		on(envelope.TypePlanRequest, PlanReply{Path: PlanPathFull, Plan: secondPlan}).
		on(envelope.TypeValidateRequest, ValidateReply{Verdict: job.VerdictNeedsRevision, OverallRisk: job.RiskMedium}).
		on(envelope.TypeValidateRequest, ValidateReply{Verdict: job.VerdictApproved, OverallRisk: job.RiskLow, Steps: []job.StepVerdict{{StepID: "s1", Verdict: job.VerdictApproved}}}).
		on(envelope.TypeExecuteRequest, ExecuteReply{StepID: "s1", Result: map[string]any{"ok": true}}).
		on(envelope.TypeReflectRequest, map[string]any{})

	orch := New(store, dispatcher, nil, nil, nil, testConfig())
	require.NoError(t, orch.Run(context.Background(), j, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, 1, got.FailureState.RevisionCount)
}

// TestOrchestrator_StepRetriesOn503ThenSucceeds fails the first
// execute.request with a classified 503 (retriable) then succeeds,
// exercising §4.7's backoff-and-retry path without involving the real
// classify.BreakerRegistry.
func TestOrchestrator_StepRetriesOn503ThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	plan := &job.Plan{ID: "plan-1", JobID: j.ID, Steps: []job.Step{{ID: "s1", Gear: "http", Action: "fetch", RiskLevel: job.RiskLow}}}
	dispatcher := newScriptedDispatcher().
		on(envelope.TypePlanRequest, PlanReply{Path: PlanPathFull, Plan: plan}).
		on(envelope.TypeValidateRequest, ValidateReply{Verdict: job.VerdictApproved, OverallRisk: job.RiskLow, Steps: []job.StepVerdict{{StepID: "s1", Verdict: job.VerdictApproved}}}).
		on(envelope.TypeExecuteRequest, ExecuteReply{StepID: "s1", Error: &ExecuteErrInfo{Code: "503", Message: "service unavailable", Retriable: true}}).
		on(envelope.TypeExecuteRequest, ExecuteReply{StepID: "s1", Result: map[string]any{"ok": true}}).
		on(envelope.TypeReflectRequest, map[string]any{})

	orch := New(store, dispatcher, nil, nil, nil, testConfig())
	require.NoError(t, orch.Run(context.Background(), j, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Len(t, got.Result, 1)
	require.Equal(t, 1, got.Result[0].Attempt)
}

func TestOrchestrator_NonRetriable403FailsJobImmediately(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	plan := &job.Plan{ID: "plan-1", JobID: j.ID, Steps: []job.Step{{ID: "s1", Gear: "http", Action: "fetch", RiskLevel: job.RiskLow}}}
	dispatcher := newScriptedDispatcher().
		on(envelope.TypePlanRequest, PlanReply{Path: PlanPathFull, Plan: plan}).
		on(envelope.TypeValidateRequest, ValidateReply{Verdict: job.VerdictApproved, OverallRisk: job.RiskLow, Steps: []job.StepVerdict{{StepID: "s1", Verdict: job.VerdictApproved}}}).
		on(envelope.TypeExecuteRequest, ExecuteReply{StepID: "s1", Error: &ExecuteErrInfo{Code: "403", Message: "forbidden", Retriable: false}})

	orch := New(store, dispatcher, nil, nil, nil, testConfig())
	require.NoError(t, orch.Run(context.Background(), j, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "step_failed", got.Error.Kind)
}

// TestOrchestrator_Resume_RunsExecuteAndReflectFromAnApprovedJob exercises
// the path bridge.handleApprove relies on: a Job already sitting in
// executing, with its Plan frozen from the validate stage, is driven to
// completion without Resume re-planning or re-validating it.
func TestOrchestrator_Resume_RunsExecuteAndReflectFromAnApprovedJob(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	plan := &job.Plan{ID: "plan-1", JobID: j.ID, Steps: []job.Step{
		{ID: "s1", Gear: "shell", Action: "exec", RiskLevel: job.RiskHigh},
	}}
	_, err := store.Transition(context.Background(), j.ID, job.StatusPlanning, job.StatusValidating, &job.Artifacts{Plan: plan})
	require.NoError(t, err)
	approved, err := store.Transition(context.Background(), j.ID, job.StatusValidating, job.StatusExecuting, nil)
	require.NoError(t, err)

	dispatcher := newScriptedDispatcher().
		on(envelope.TypeExecuteRequest, ExecuteReply{StepID: "s1", Result: map[string]any{"ok": true}}).
		on(envelope.TypeReflectRequest, map[string]any{})

	orch := New(store, dispatcher, nil, nil, nil, testConfig())
	require.NoError(t, orch.Resume(context.Background(), approved, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Len(t, got.Result, 1)
	require.Nil(t, got.Result[0].Error)
}

func TestOrchestrator_Resume_FailsJobWhenPlanMissing(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	_, err := store.Transition(context.Background(), j.ID, job.StatusPlanning, job.StatusValidating, nil)
	require.NoError(t, err)
	approved, err := store.Transition(context.Background(), j.ID, job.StatusValidating, job.StatusExecuting, nil)
	require.NoError(t, err)

	orch := New(store, newScriptedDispatcher(), nil, nil, nil, testConfig())
	require.NoError(t, orch.Resume(context.Background(), approved, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, "resume_missing_plan", got.Error.Kind)
}

func TestOrchestrator_LocalValidator_UsesRuleBasedClassificationWhenSet(t *testing.T) {
	store := newTestStore(t)
	j := newPlanningJob(t, store)

	plan := &job.Plan{ID: "plan-1", JobID: j.ID, Steps: []job.Step{{ID: "s1", Gear: "files", Action: "read_file", RiskLevel: job.RiskLow}}}
	dispatcher := newScriptedDispatcher().
		on(envelope.TypePlanRequest, PlanReply{Path: PlanPathFull, Plan: plan}).
		on(envelope.TypeExecuteRequest, ExecuteReply{StepID: "s1", Result: map[string]any{"ok": true}}).
		on(envelope.TypeReflectRequest, map[string]any{})

	orch := New(store, dispatcher, policy.NewClassifier(policy.DefaultRules()), nil, nil, testConfig())
	require.NoError(t, orch.Run(context.Background(), j, nil))

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)

	// SetLocalValidator swaps the classifier out; a subsequent validate()
	// reads the new value, proving the hot-reload path (internal/lifecycle's
	// watchPolicyRules) actually changes behavior rather than a stale copy.
	orch.SetLocalValidator(nil)
	require.Nil(t, orch.localValidator.Load())
}
