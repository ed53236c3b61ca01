package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"axis.run/meridian/internal/audit"
	"axis.run/meridian/internal/classify"
	"axis.run/meridian/internal/job"
	"axis.run/meridian/internal/policy"
	"axis.run/meridian/pkg/envelope"
)

// tracer emits one span per pipeline stage (plan/validate/approve/execute/
// reflect), correlated by Job ID (§9.1, SPEC_FULL.md domain stack). With no
// SDK configured, otel's default TracerProvider is a no-op, so this never
// requires a collector to be present.
var tracer = otel.Tracer("axis.run/meridian/internal/pipeline")

// Config holds the Orchestrator's tunables (§4.3, §6 configuration options
// that bear on the pipeline specifically).
type Config struct {
	PlannerComponent       string
	ValidatorComponent     string
	ToolRuntimeComponent   string
	MemoryWriterComponent  string
	MaxFastPathRetries     int
	MaxRevisions           int
	Backoff                classify.BackoffConfig
	Rand01                 classify.Rand01
	// ToolNames and HasTools feed the fast-path verification's structural
	// checks (b) and (d); see verify.go.
	ToolNames []string
	HasTools  bool
}

// DefaultConfig returns the spec's documented pipeline defaults.
func DefaultConfig() Config {
	return Config{
		PlannerComponent:      "planner",
		ValidatorComponent:    "validator",
		ToolRuntimeComponent:  "tool-runtime",
		MemoryWriterComponent: "memory-writer",
		MaxFastPathRetries:    2,
		MaxRevisions:          3,
		Backoff:               classify.DefaultBackoffConfig(),
		Rand01:                classify.DefaultRand01,
	}
}

// Orchestrator runs one Job end to end through plan, validate, approve,
// execute, and reflect (§4.3). It is stateless across calls to Run; all
// durable state lives in the job.Store.
type Orchestrator struct {
	store      *job.Store
	dispatcher Dispatcher

	// localValidator, when non-nil, makes validate() classify the stripped
	// plan in-process via the rule-based engine instead of dispatching
	// validate.request — this is the "no external LLM validator configured"
	// path from §4.3. Held behind an atomic.Pointer so SetLocalValidator can
	// swap it concurrently with in-flight Run calls, e.g. when
	// internal/lifecycle reloads the policy rules file on a fsnotify event.
	localValidator atomic.Pointer[policy.Classifier]

	// breakers, when non-nil, wraps every execute.request dispatch in the
	// target Gear's circuit breaker (§4.7, §9.1).
	breakers *classify.BreakerRegistry

	auditor audit.Writer
	cfg     Config
}

// New builds an Orchestrator. localValidator and breakers may be nil.
func New(store *job.Store, dispatcher Dispatcher, localValidator *policy.Classifier, breakers *classify.BreakerRegistry, auditor audit.Writer, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		breakers:   breakers,
		auditor:    auditor,
		cfg:        cfg,
	}
	if localValidator != nil {
		o.localValidator.Store(localValidator)
	}
	return o
}

// SetLocalValidator swaps the in-process rule-based validator used by
// validate(). Safe to call concurrently with Run; takes effect on the next
// Job that reaches the validate phase. Passing nil reverts to dispatching
// validate.request across the information barrier.
func (o *Orchestrator) SetLocalValidator(c *policy.Classifier) {
	o.localValidator.Store(c)
}

// Run drives j from its current (planning) status to a terminal status, or
// to awaiting_approval if the plan needs sign-off. A non-nil return means an
// infrastructure failure occurred committing a transition; a Job-level
// failure (bad plan, step error, rejected verdict, exhausted revisions) is
// captured as part of the Job itself and reported via a nil return.
func (o *Orchestrator) Run(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
	ctx, jobSpan := tracer.Start(ctx, "pipeline.job", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer jobSpan.End()

	for {
		if isCancelled(cancel) {
			_, err := o.store.CancelJob(ctx, j.ID)
			return err
		}

		fastDone, plan, err := o.planStage(ctx, j, cancel)
		if err != nil {
			return o.fail(ctx, j, job.StatusPlanning, "plan_dispatch_failed", err)
		}
		if fastDone {
			return nil
		}

		j.Plan = plan
		if _, err := o.store.Transition(ctx, j.ID, job.StatusPlanning, job.StatusValidating, &job.Artifacts{Plan: plan}); err != nil {
			return err
		}

		verdict, overallRisk, stepVerdicts, err := o.validateStage(ctx, j, cancel)
		if err != nil {
			return o.fail(ctx, j, job.StatusValidating, "validate_dispatch_failed", err)
		}
		validation := &job.Validation{Verdict: verdict, OverallRisk: overallRisk, Steps: stepVerdicts}

		switch verdict {
		case job.VerdictApproved:
			if _, err := o.store.Transition(ctx, j.ID, job.StatusValidating, job.StatusExecuting, &job.Artifacts{Validation: validation}); err != nil {
				return err
			}
			return o.executeStage(ctx, j, cancel)

		case job.VerdictNeedsUserApproval:
			_, approveSpan := tracer.Start(ctx, "pipeline.approve", trace.WithAttributes(attribute.String("job.id", j.ID)))
			_, err := o.store.Transition(ctx, j.ID, job.StatusValidating, job.StatusAwaitingApproval, &job.Artifacts{Validation: validation})
			if err != nil {
				approveSpan.RecordError(err)
				approveSpan.SetStatus(codes.Error, err.Error())
			}
			approveSpan.End()
			return err

		case job.VerdictNeedsRevision:
			j.FailureState.RevisionCount++
			if j.FailureState.RevisionCount > o.cfg.MaxRevisions {
				return o.fail(ctx, j, job.StatusValidating, "plan_revision_exhausted", fmt.Errorf("exceeded max revisions (%d)", o.cfg.MaxRevisions))
			}
			if _, err := o.store.Transition(ctx, j.ID, job.StatusValidating, job.StatusPlanning, &job.Artifacts{Validation: validation}); err != nil {
				return err
			}
			continue

		case job.VerdictRejected:
			return o.fail(ctx, j, job.StatusValidating, "plan_rejected", fmt.Errorf("validator rejected the plan"))

		default:
			return o.fail(ctx, j, job.StatusValidating, "validate_unknown_verdict", fmt.Errorf("unrecognized verdict %q", verdict))
		}
	}
}

// Resume drives a Job that is already past validation — an external
// approval event moved it from awaiting_approval to executing — through
// execute and reflect, picking up the Plan frozen on it at validation time.
// It satisfies workerpool.Runner alongside Run, so the same worker pool
// that drives freshly claimed Jobs also drives approved ones back to a
// terminal status (§6 "approval transitions it to executing").
func (o *Orchestrator) Resume(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
	ctx, jobSpan := tracer.Start(ctx, "pipeline.job", trace.WithAttributes(attribute.String("job.id", j.ID), attribute.Bool("resumed", true)))
	defer jobSpan.End()

	if j.Plan == nil {
		return o.fail(ctx, j, job.StatusExecuting, "resume_missing_plan", fmt.Errorf("job %s has no plan to resume execution from", j.ID))
	}
	return o.executeStage(ctx, j, cancel)
}

// planStage wraps planWithFastPathRetry in a "pipeline.plan" span.
func (o *Orchestrator) planStage(ctx context.Context, j *job.Job, cancel <-chan struct{}) (bool, *job.Plan, error) {
	ctx, span := tracer.Start(ctx, "pipeline.plan", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer span.End()
	fastDone, plan, err := o.planWithFastPathRetry(ctx, j, cancel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return fastDone, plan, err
}

// validateStage wraps validate in a "pipeline.validate" span.
func (o *Orchestrator) validateStage(ctx context.Context, j *job.Job, cancel <-chan struct{}) (job.Verdict, job.RiskLevel, []job.StepVerdict, error) {
	ctx, span := tracer.Start(ctx, "pipeline.validate", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer span.End()
	verdict, risk, steps, err := o.validate(ctx, j, cancel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("verdict", string(verdict)), attribute.String("risk", string(risk)))
	}
	return verdict, risk, steps, err
}

// executeStage wraps execute in a "pipeline.execute" span.
func (o *Orchestrator) executeStage(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
	ctx, span := tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer span.End()
	err := o.execute(ctx, j, cancel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// planWithFastPathRetry dispatches plan.request, retrying with
// forceFullPath on a fast-path verification failure up to
// cfg.MaxFastPathRetries times (§4.3 step 2). fastDone is true once the Job
// has reached a terminal status inside this call (completed on a verified
// fast-path reply, or failed on exhausted retries); callers must stop
// driving the Job further in that case.
func (o *Orchestrator) planWithFastPathRetry(ctx context.Context, j *job.Job, cancel <-chan struct{}) (fastDone bool, plan *job.Plan, err error) {
	req := PlanRequest{
		JobID:            j.ID,
		FailureState:     j.FailureState,
		CumulativeTokens: cumulativeTokens(j),
	}
	if um, ok := j.Metadata["userMessage"].(string); ok {
		req.UserMessage = um
	}

	for {
		payload, merr := marshalPayload(req)
		if merr != nil {
			return false, nil, merr
		}
		reply, derr := o.dispatcher.Dispatch(ctx, envelope.TypePlanRequest, o.cfg.PlannerComponent, j.ID, payload, cancel)
		if derr != nil {
			return false, nil, derr
		}
		var pr PlanReply
		if uerr := json.Unmarshal(reply.Payload, &pr); uerr != nil {
			return false, nil, fmt.Errorf("pipeline: decode plan reply: %w", uerr)
		}

		if pr.Path == PlanPathFull {
			if pr.Plan == nil {
				return false, nil, fmt.Errorf("pipeline: full-path plan reply missing plan")
			}
			return false, pr.Plan, nil
		}

		if verr := VerifyFastPath(pr.Text, o.cfg.ToolNames, o.cfg.HasTools); verr == nil {
			if ferr := o.finishFastPath(ctx, j, pr.Text); ferr != nil {
				return true, nil, ferr
			}
			return true, nil, nil
		}

		j.FailureState.FastPathRetries++
		if j.FailureState.FastPathRetries > o.cfg.MaxFastPathRetries {
			if ferr := o.fail(ctx, j, job.StatusPlanning, "fast_path_verification", fmt.Errorf("fast-path verification failed %d time(s)", j.FailureState.FastPathRetries)); ferr != nil {
				return true, nil, ferr
			}
			return true, nil, nil
		}
		req.ForceFullPath = true
	}
}

func (o *Orchestrator) finishFastPath(ctx context.Context, j *job.Job, text string) error {
	artifacts := &job.Artifacts{FastResult: &job.FastResult{Path: string(PlanPathFast), Text: text}}
	_, err := o.store.Transition(ctx, j.ID, job.StatusPlanning, job.StatusValidating, nil)
	if err != nil {
		return err
	}
	_, err = o.store.Transition(ctx, j.ID, job.StatusValidating, job.StatusExecuting, nil)
	if err != nil {
		return err
	}
	_, err = o.store.Transition(ctx, j.ID, job.StatusExecuting, job.StatusCompleted, artifacts)
	return err
}

// validate dispatches validate.request across the information barrier (or,
// when localValidator is configured, classifies the stripped plan in
// process) and returns the decomposed verdict.
func (o *Orchestrator) validate(ctx context.Context, j *job.Job, cancel <-chan struct{}) (job.Verdict, job.RiskLevel, []job.StepVerdict, error) {
	stripped := j.Plan.Strip()

	if lv := o.localValidator.Load(); lv != nil {
		inputs := make([]policy.StepInput, len(stripped.Steps))
		for i, s := range stripped.Steps {
			inputs[i] = policy.StepInput{ID: s.ID, Gear: s.Gear, Action: s.Action, DeclaredRisk: policy.RiskLevel(s.RiskLevel)}
		}
		verdicts := lv.ClassifyPlan(inputs)
		verdict := translateVerdict(policy.Decide(verdicts))
		overall := job.RiskLevel(policy.OverallRisk(verdicts))
		return verdict, overall, translateStepVerdicts(verdicts, verdict), nil
	}

	payload, dropped, err := buildValidateRequestPayload(ValidateRequest{Plan: stripped})
	if err != nil {
		return "", "", nil, err
	}
	if len(dropped) > 0 {
		o.writeAudit(ctx, j.ID, "validate.barrier_violation", map[string]any{"droppedKeys": dropped})
	}

	reply, err := o.dispatcher.Dispatch(ctx, envelope.TypeValidateRequest, o.cfg.ValidatorComponent, j.ID, payload, cancel)
	if err != nil {
		return "", "", nil, err
	}
	var vr ValidateReply
	if err := json.Unmarshal(reply.Payload, &vr); err != nil {
		return "", "", nil, fmt.Errorf("pipeline: decode validate reply: %w", err)
	}
	return vr.Verdict, vr.OverallRisk, vr.Steps, nil
}

func translateVerdict(v policy.Verdict) job.Verdict {
	if v == policy.VerdictNeedsUserApproval {
		return job.VerdictNeedsUserApproval
	}
	return job.VerdictApproved
}

// translateStepVerdicts projects the rule-based engine's per-step category
// verdicts into job.StepVerdict, using the plan-wide verdict for each step
// since the local classifier (unlike an LLM validator) only ever approves or
// escalates to user approval as a whole, not per individual step.
func translateStepVerdicts(verdicts []policy.StepVerdict, planVerdict job.Verdict) []job.StepVerdict {
	out := make([]job.StepVerdict, len(verdicts))
	for i, v := range verdicts {
		out[i] = job.StepVerdict{
			StepID:    v.StepID,
			Verdict:   planVerdict,
			Category:  string(v.Category),
			RiskLevel: job.RiskLevel(v.RiskLevel),
			Reasoning: v.Reasoning,
		}
	}
	return out
}

// execute runs the plan's steps strictly in order (§5 "Within a single Job,
// all pipeline steps are strictly sequential"), retrying each per §4.7, then
// commits the terminal transition and fires reflect.request.
func (o *Orchestrator) execute(ctx context.Context, j *job.Job, cancel <-chan struct{}) error {
	results := make([]job.StepResult, 0, len(j.Plan.Steps))

	for _, step := range j.Plan.Steps {
		if isCancelled(cancel) {
			_, err := o.store.Transition(ctx, j.ID, job.StatusExecuting, job.StatusCancelled, &job.Artifacts{Result: results})
			return err
		}

		result, ok := o.executeStep(ctx, j, step, cancel)
		results = append(results, result)
		if !ok {
			errArtifact := &job.Error{
				Kind:      "step_failed",
				Message:   fmt.Sprintf("step %s (%s/%s): %s", step.ID, step.Gear, step.Action, stepErrorMessage(result)),
				Retriable: false,
			}
			_, err := o.store.Transition(ctx, j.ID, job.StatusExecuting, job.StatusFailed, &job.Artifacts{Result: results, Error: errArtifact})
			return err
		}
	}

	if _, err := o.store.Transition(ctx, j.ID, job.StatusExecuting, job.StatusCompleted, &job.Artifacts{Result: results}); err != nil {
		return err
	}
	o.reflect(ctx, j, results)
	return nil
}

func stepErrorMessage(r job.StepResult) string {
	if r.Error == nil {
		return "unknown error"
	}
	return r.Error.Message
}

// executeStep dispatches one step's execute.request, retrying per the §4.7
// classifier/backoff contract until the step succeeds, is classified
// non-retriable, or exhausts the Job's maxAttempts. ok is false when the
// step's failure should fail the whole Job.
func (o *Orchestrator) executeStep(ctx context.Context, j *job.Job, step job.Step, cancel <-chan struct{}) (job.StepResult, bool) {
	req := ExecuteRequest{Gear: step.Gear, Action: step.Action, Parameters: step.Parameters, StepID: step.ID}
	payload, err := marshalPayload(req)
	if err != nil {
		return job.StepResult{StepID: step.ID, Error: &job.StepError{Code: "marshal_error", Message: err.Error()}}, false
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		var reply envelope.AxisMessage
		dispatchErr := o.runThroughBreaker(step.Gear, func() error {
			r, derr := o.dispatcher.Dispatch(ctx, envelope.TypeExecuteRequest, o.cfg.ToolRuntimeComponent, j.ID, payload, cancel)
			reply = r
			return derr
		})
		duration := time.Since(start).Milliseconds()

		if dispatchErr != nil {
			// No reply at all (transport/breaker failure): fail safe toward
			// retriable, matching §4.7's "unknown shape -> retriable".
			decision := classify.ShouldRetry(classify.KindRetriable, attempt, j.MaxAttempts, o.cfg.Backoff, o.cfg.Rand01)
			result := job.StepResult{StepID: step.ID, Attempt: attempt, DurationMs: duration, Error: &job.StepError{Code: "dispatch_error", Message: dispatchErr.Error(), Retriable: decision.Classified.Retriable()}}
			if decision.ShouldRetry && waitOrCancel(ctx, cancel, decision.DelayMs) {
				continue
			}
			return result, false
		}

		var er ExecuteReply
		if uerr := json.Unmarshal(reply.Payload, &er); uerr != nil {
			return job.StepResult{StepID: step.ID, Attempt: attempt, DurationMs: duration, Error: &job.StepError{Code: "decode_error", Message: uerr.Error()}}, false
		}
		if er.Error == nil {
			return job.StepResult{StepID: step.ID, Attempt: attempt, DurationMs: er.DurationMs, Result: er.Result}, true
		}

		kind := classify.KindNonRetriableClient
		if er.Error.Retriable {
			kind = classify.KindRetriable
		}
		decision := classify.ShouldRetry(kind, attempt, j.MaxAttempts, o.cfg.Backoff, o.cfg.Rand01)
		result := job.StepResult{StepID: step.ID, Attempt: attempt, DurationMs: duration, Error: &job.StepError{Code: er.Error.Code, Message: er.Error.Message, Retriable: er.Error.Retriable}}
		if decision.ShouldRetry && waitOrCancel(ctx, cancel, decision.DelayMs) {
			continue
		}
		return result, false
	}
}

func (o *Orchestrator) runThroughBreaker(gear string, fn func() error) error {
	if o.breakers == nil {
		return fn()
	}
	return o.breakers.Execute(gear, fn)
}

// reflect dispatches reflect.request to the memory writer unless the plan
// opted out (§4.3 step 6). Failure is logged via audit but never affects the
// already-committed terminal status.
func (o *Orchestrator) reflect(ctx context.Context, j *job.Job, results []job.StepResult) {
	ctx, span := tracer.Start(ctx, "pipeline.reflect", trace.WithAttributes(attribute.String("job.id", j.ID)))
	defer span.End()

	if j.Plan != nil && j.Plan.JournalSkip {
		return
	}
	outcome := "completed"
	for _, r := range results {
		if r.Error != nil {
			outcome = "failed"
			break
		}
	}
	payload, err := marshalPayload(ReflectRequest{JobID: j.ID, Summary: summarizePlan(j.Plan), Outcome: outcome})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.writeAudit(ctx, j.ID, "reflect.marshal_failed", map[string]any{"error": err.Error()})
		return
	}
	if _, err := o.dispatcher.Dispatch(ctx, envelope.TypeReflectRequest, o.cfg.MemoryWriterComponent, j.ID, payload, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.writeAudit(ctx, j.ID, "reflect.dispatch_failed", map[string]any{"error": err.Error()})
	}
}

func summarizePlan(p *job.Plan) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("plan %s: %d step(s)", p.ID, len(p.Steps))
}

func (o *Orchestrator) fail(ctx context.Context, j *job.Job, from job.Status, kind string, cause error) error {
	_, err := o.store.Transition(ctx, j.ID, from, job.StatusFailed, &job.Artifacts{Error: &job.Error{Kind: kind, Message: cause.Error()}})
	return err
}

func (o *Orchestrator) writeAudit(ctx context.Context, jobID, action string, details map[string]any) {
	if o.auditor == nil {
		return
	}
	_ = o.auditor.Write(ctx, audit.Entry{Actor: "pipeline", Action: action, JobID: jobID, Details: details})
}

func isCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func waitOrCancel(ctx context.Context, cancel <-chan struct{}, delayMs int64) bool {
	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancel:
		return false
	case <-ctx.Done():
		return false
	}
}

func cumulativeTokens(j *job.Job) int64 {
	if v, ok := j.Metadata["cumulativeTokens"].(float64); ok {
		return int64(v)
	}
	return 0
}
