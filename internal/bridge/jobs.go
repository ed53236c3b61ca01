package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"axis.run/meridian/internal/job"
)

// createJobRequest is the wire shape for job submission (§6 "Job
// submission (consumed)"). The caller is responsible for writing the raw
// user content into message storage under the returned jobId; Axis's core
// only threads metadata through the Job record itself.
type createJobRequest struct {
	Source           job.Source     `json:"source"`
	Priority         job.Priority   `json:"priority,omitempty"`
	ParentJobID      string         `json:"parentJobId,omitempty"`
	DedupFingerprint string         `json:"dedupFingerprint,omitempty"`
	MaxAttempts      int            `json:"maxAttempts,omitempty"`
	TimeoutMs        int64          `json:"timeoutMs,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Source == "" {
		req.Source = job.SourceUser
	}

	j, err := s.store.CreateJob(r.Context(), job.CreateOptions{
		Source:           req.Source,
		Priority:         req.Priority,
		ParentJobID:      req.ParentJobID,
		DedupFingerprint: req.DedupFingerprint,
		MaxAttempts:      req.MaxAttempts,
		TimeoutMs:        req.TimeoutMs,
		Metadata:         req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	j, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if err == job.ErrNotFound {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleApprove implements §6's approval-event contract: the external API
// has already validated the one-shot approval nonce; the core only sees the
// transition itself. Once the Job record is flipped to executing, the rest
// of the pipeline (execute, reflect) still has to actually run — the
// resumer takes over from here, the same way the worker pool takes over a
// freshly claimed pending Job.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	j, err := s.store.Transition(r.Context(), jobID, job.StatusAwaitingApproval, job.StatusExecuting, nil)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := s.resumer.Resume(context.Background(), jobID); err != nil {
		s.logger.Error("resume after approval failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, j)
}

// handleReject implements the reject half of the same contract: transition
// to failed with error kind plan_rejected.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	j, err := s.store.Transition(r.Context(), jobID, job.StatusAwaitingApproval, job.StatusFailed, &job.Artifacts{
		Error: &job.Error{Kind: "plan_rejected", Message: "plan rejected by approver"},
	})
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	cancelled, err := s.store.CancelJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
