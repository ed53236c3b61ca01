// Package job implements the Job state machine and queue described in
// spec §3 and §4.1: persistent job records, atomic status transitions, and
// crash recovery.
//
// Grounded on storage/entity.go's NATS-KV-backed Store (Create/Get/Put,
// bucket-per-entity-type, optimistic concurrency via JetStream revisions).
package job

import (
	"time"
)

// Status is one of the eight states in the Job state machine.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusValidating       Status = "validating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal returns true for statuses a Job never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Source identifies what created a Job.
type Source string

const (
	SourceUser     Source = "user"
	SourceSchedule Source = "schedule"
	SourceWebhook  Source = "webhook"
	SourceSubJob   Source = "sub-job"
)

// Priority orders pending jobs within claim().
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// priorityRank gives lower numbers higher precedence in claim ordering.
var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Rank returns the claim-ordering precedence of p; unknown priorities sort
// after PriorityLow.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// RiskLevel is the per-step risk classification from §3/§4.3.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Step is one unit of work within a Plan.
type Step struct {
	ID          string         `json:"id"`
	Gear        string         `json:"gear"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Plan is the planner's structured output. Once validated it is frozen;
// retries produce a new Plan with a new ID (§3 invariant).
type Plan struct {
	ID          string         `json:"id"`
	JobID       string         `json:"jobId"`
	Steps       []Step         `json:"steps"`
	Reasoning   string         `json:"reasoning,omitempty"`
	JournalSkip bool           `json:"journalSkip,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StrippedStep is the information-barrier-safe projection of a Step (§4.3).
type StrippedStep struct {
	ID         string         `json:"id"`
	Gear       string         `json:"gear"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	RiskLevel  RiskLevel      `json:"riskLevel"`
}

// StrippedPlan is what crosses the information barrier to the validator.
type StrippedPlan struct {
	ID    string         `json:"id"`
	JobID string         `json:"jobId"`
	Steps []StrippedStep `json:"steps"`
}

// Strip projects p down to the validator-safe shape (§4.3 step 3).
func (p *Plan) Strip() StrippedPlan {
	steps := make([]StrippedStep, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = StrippedStep{ID: s.ID, Gear: s.Gear, Action: s.Action, Parameters: s.Parameters, RiskLevel: s.RiskLevel}
	}
	return StrippedPlan{ID: p.ID, JobID: p.JobID, Steps: steps}
}

// Verdict is the validator's overall call on a Plan.
type Verdict string

const (
	VerdictApproved           Verdict = "approved"
	VerdictNeedsRevision      Verdict = "needs_revision"
	VerdictNeedsUserApproval  Verdict = "needs_user_approval"
	VerdictRejected           Verdict = "rejected"
)

// StepVerdict is the validator's per-step result.
type StepVerdict struct {
	StepID    string    `json:"stepId"`
	Verdict   Verdict   `json:"verdict"`
	Category  string    `json:"category"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Reasoning string    `json:"reasoning,omitempty"`
}

// Validation is the validator's full reply.
type Validation struct {
	Verdict     Verdict       `json:"verdict"`
	OverallRisk RiskLevel     `json:"overallRisk"`
	Steps       []StepVerdict `json:"steps"`
}

// StepResult is one step's execution outcome.
type StepResult struct {
	StepID     string         `json:"stepId"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Error      *StepError     `json:"error,omitempty"`
	Attempt    int            `json:"attempt"`
}

// StepError carries a failed step's classification.
type StepError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// Error is the Job's terminal error, when one exists (§7).
type Error struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// FastResult carries a completed fast-path Job's plain-text planner reply
// (§4.3 scenario "Fast path": `result.path == "fast"`, `result.text`
// contains the reply). A full-path Job instead populates Plan/Result.
type FastResult struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// Job is the unit of work threaded through the pipeline.
type Job struct {
	ID                string         `json:"id"`
	SchemaVersion     int            `json:"schemaVersion"`
	Status            Status         `json:"status"`
	Source            Source         `json:"source"`
	Priority          Priority       `json:"priority"`
	ParentJobID       string         `json:"parentJobId,omitempty"`
	DedupFingerprint  string         `json:"dedupFingerprint,omitempty"`
	MaxAttempts       int            `json:"maxAttempts"`
	TimeoutMs         int64          `json:"timeoutMs"`
	Metadata          map[string]any `json:"metadata,omitempty"`

	Plan       *Plan         `json:"plan,omitempty"`
	Validation *Validation   `json:"validation,omitempty"`
	Result     []StepResult  `json:"result,omitempty"`
	FastResult *FastResult   `json:"fastResult,omitempty"`
	Error      *Error        `json:"error,omitempty"`

	ClaimedBy   string     `json:"claimedBy,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// FailureState accumulates revision/retry counters across a Job's
	// pipeline iterations (§4.3 step 4 "needs_revision").
	FailureState FailureState `json:"failureState"`
}

// FailureState tracks retry/revision bookkeeping that must survive across
// planner loop iterations within a single Job.
type FailureState struct {
	RevisionCount       int `json:"revisionCount"`
	FastPathRetries     int `json:"fastPathRetries"`
}

const CurrentSchemaVersion = 1

// CreateOptions are the caller-supplied fields for createJob.
type CreateOptions struct {
	Source           Source
	Priority         Priority
	ParentJobID      string
	DedupFingerprint string
	MaxAttempts      int
	TimeoutMs        int64
	Metadata         map[string]any
}

// New constructs a pending Job from opts, applying defaults.
func New(opts CreateOptions) *Job {
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	timeout := opts.TimeoutMs
	if timeout <= 0 {
		timeout = 5 * 60 * 1000
	}
	return &Job{
		ID:               NewID(),
		SchemaVersion:    CurrentSchemaVersion,
		Status:           StatusPending,
		Source:           opts.Source,
		Priority:         priority,
		ParentJobID:      opts.ParentJobID,
		DedupFingerprint: opts.DedupFingerprint,
		MaxAttempts:      maxAttempts,
		TimeoutMs:        timeout,
		Metadata:         opts.Metadata,
		CreatedAt:        time.Now().UTC(),
	}
}
