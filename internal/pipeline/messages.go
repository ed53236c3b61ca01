package pipeline

import (
	"axis.run/meridian/internal/job"
)

// PlanRequest is the payload sent to the planner component (§4.3 step 1).
type PlanRequest struct {
	UserMessage         string         `json:"userMessage"`
	JobID               string         `json:"jobId"`
	ConversationHistory []string       `json:"conversationHistory,omitempty"`
	RelevantMemories    []string       `json:"relevantMemories,omitempty"`
	ActiveJobs          []string       `json:"activeJobs,omitempty"`
	FailureState        job.FailureState `json:"failureState"`
	CumulativeTokens    int64          `json:"cumulativeTokens,omitempty"`
	ForceFullPath       bool           `json:"forceFullPath,omitempty"`
}

// PlanPath is the planner's reply discriminant.
type PlanPath string

const (
	PlanPathFast PlanPath = "fast"
	PlanPathFull PlanPath = "full"
)

// PlanReply is the planner's typed reply: exactly one of Text (fast path) or
// Plan (full path) is populated, selected by Path.
type PlanReply struct {
	Path PlanPath  `json:"path"`
	Text string    `json:"text,omitempty"`
	Plan *job.Plan `json:"plan,omitempty"`
}

// ValidateRequest carries only the stripped plan across the information
// barrier (§4.3 step 3, §8 "Information barrier" property).
type ValidateRequest struct {
	Plan job.StrippedPlan `json:"plan"`
}

// forbiddenValidatorKeys are payload keys that must never cross the
// information barrier, regardless of how a ValidateRequest got built (§4.3:
// "if the envelope payload contains any forbidden key ... log a
// barrier-violation warning and drop those keys").
var forbiddenValidatorKeys = []string{"userMessage", "conversationHistory", "journalData", "gearCatalog"}

// ValidateReply is the validator's typed reply.
type ValidateReply struct {
	Verdict     job.Verdict       `json:"verdict"`
	OverallRisk job.RiskLevel     `json:"overallRisk"`
	Steps       []job.StepVerdict `json:"steps"`
}

// ExecuteRequest is dispatched once per plan step (§4.3 step 5).
type ExecuteRequest struct {
	Gear       string         `json:"gear"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	StepID     string         `json:"stepId"`
}

// ExecuteReply is the tool runtime's typed reply: Error is populated instead
// of Result/DurationMs on failure (§6 "Tool runtime").
type ExecuteReply struct {
	Result     map[string]any  `json:"result,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	StepID     string          `json:"stepId"`
	Error      *ExecuteErrInfo `json:"error,omitempty"`
}

// ExecuteErrInfo is the failure shape a tool runtime reply carries.
type ExecuteErrInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// ReflectRequest is dispatched to the memory writer after a full-path Job
// completes, unless the plan's journalSkip is set (§4.3 step 6). A Job that
// fails is not reflected.
type ReflectRequest struct {
	JobID   string `json:"jobId"`
	Summary string `json:"summary"`
	Outcome string `json:"outcome"`
}
