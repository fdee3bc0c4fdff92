package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/execution/plan"
	"github.com/kilnlabs/kiln-go/internal/execution/state"
	"github.com/kilnlabs/kiln-go/internal/platform/auth"
	"github.com/kilnlabs/kiln-go/internal/service/artifacts"
)

// requireJobIdentity matches the caller's job token scope against the path
// job id. Tokens are minted per job at dispatch, so a worker can only read
// and report the job it was handed.
func (api *builddAPI) requireJobIdentity(w http.ResponseWriter, r *http.Request, jobID string) bool {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return false
	}
	tokenJobID, _, ok := auth.ParseJobTokenSubject(identity.Subject)
	if !ok || tokenJobID != jobID {
		api.writeError(w, r, http.StatusForbidden, "job_scope_mismatch")
		return false
	}
	return true
}

type internalJobResponse struct {
	jobResponse
	SpecHash   string          `json:"spec_hash"`
	Plan       json.RawMessage `json:"plan"`
	PlanSHA256 string          `json:"plan_sha256"`
}

func (api *builddAPI) handleInternalGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	if !api.requireJobIdentity(w, r, jobID) {
		return
	}
	job, err := api.jobRepo.GetJob(r.Context(), jobID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	build, err := api.buildRepo.GetBuild(r.Context(), job.BuildID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	digest := sha256.Sum256(job.PlanJSON)
	api.writeJSON(w, http.StatusOK, internalJobResponse{
		jobResponse: jobToResponse(job),
		SpecHash:    build.SpecHash,
		Plan:        json.RawMessage(job.PlanJSON),
		PlanSHA256:  hex.EncodeToString(digest[:]),
	})
}

type stepReportRequest struct {
	StepName     string     `json:"step_name"`
	Attempt      int        `json:"attempt"`
	Outcome      string     `json:"outcome"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (api *builddAPI) handleInternalReportStep(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	if !api.requireJobIdentity(w, r, jobID) {
		return
	}
	var req stepReportRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	job, err := api.jobRepo.GetJob(r.Context(), jobID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	build, err := api.buildRepo.GetBuild(r.Context(), job.BuildID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	// The spec hash is stamped from the build record, not taken from the
	// worker, so step rows always trace back to the spec that planned them.
	execution := domain.StepExecution{
		JobID:        jobID,
		StepName:     strings.TrimSpace(req.StepName),
		Attempt:      req.Attempt,
		Outcome:      domain.StepOutcome(strings.ToLower(strings.TrimSpace(req.Outcome))),
		StartedAt:    req.StartedAt.UTC(),
		EndedAt:      req.EndedAt,
		ExitCode:     req.ExitCode,
		ErrorCode:    strings.TrimSpace(req.ErrorCode),
		ErrorMessage: req.ErrorMessage,
		SpecHash:     build.SpecHash,
	}
	if err := execution.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_step")
		return
	}

	stored, inserted, err := api.stepRepo.InsertAttempt(r.Context(), execution)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if !inserted {
		api.writeJSON(w, http.StatusOK, map[string]any{
			"status": "duplicate",
			"step":   stepToResponse(stored),
		})
		return
	}

	jobStatus, err := api.foldStepReports(r, job)
	if err != nil {
		api.logger.Warn("fold step report", "job_id", jobID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusCreated, map[string]any{
		"status":     "recorded",
		"step":       stepToResponse(stored),
		"job_status": string(jobStatus),
	})
}

// foldStepReports re-derives the job state from everything reported so far
// and advances the job record toward it.
func (api *builddAPI) foldStepReports(r *http.Request, job domain.BuildJob) (domain.JobState, error) {
	jobPlan, err := plan.UnmarshalJobPlan(job.PlanJSON)
	if err != nil {
		return job.Status, err
	}
	executions, err := api.stepRepo.ListByJob(r.Context(), job.ID)
	if err != nil {
		return job.Status, err
	}
	derived := state.DeriveJobState(jobPlan.Steps, executions)
	return api.advanceJobState(r.Context(), r, job, derived)
}

// advanceJobState moves the job record forward to the derived state and
// folds terminal transitions into the build. Derivations that would move
// the job backwards are ignored; cancelation wins over late reports.
func (api *builddAPI) advanceJobState(ctx context.Context, r *http.Request, job domain.BuildJob, derived domain.JobState) (domain.JobState, error) {
	if derived == domain.JobStateQueued || derived == job.Status {
		return job.Status, nil
	}
	if !domain.CanTransitionJobState(job.Status, derived) {
		return job.Status, nil
	}
	now := time.Now().UTC()
	var startedAt, endedAt *time.Time
	if job.StartedAt == nil {
		startedAt = &now
	}
	if domain.IsTerminalJobState(derived) {
		endedAt = &now
	}
	if err := api.jobRepo.UpdateJobStatus(ctx, job.ID, derived, startedAt, endedAt); err != nil {
		return job.Status, err
	}
	if domain.IsTerminalJobState(derived) {
		auditCtx := api.auditContext(r)
		if auditCtx.Actor == "" {
			auditCtx.Actor = "worker"
		}
		if _, err := api.builds.FoldJobCompletion(ctx, job.BuildID, derived == domain.JobStateFailed, auditCtx); err != nil {
			return derived, err
		}
	}
	return derived, nil
}

type registerArtifactRequest struct {
	Kind        string         `json:"kind"`
	Filename    string         `json:"filename"`
	Subdir      string         `json:"subdir,omitempty"`
	SHA256      string         `json:"sha256"`
	SizeBytes   int64          `json:"size_bytes"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (api *builddAPI) handleInternalRegisterArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	if !api.requireJobIdentity(w, r, jobID) {
		return
	}
	var req registerArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.Filename) == "" || strings.TrimSpace(req.SHA256) == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_artifact")
		return
	}

	job, err := api.jobRepo.GetJob(r.Context(), jobID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	jobPlan, err := plan.UnmarshalJobPlan(job.PlanJSON)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	// Retention always comes from the stored plan; workers cannot extend or
	// shorten it.
	result, err := api.artifacts.Register(r.Context(), job, artifacts.RegisterInput{
		Kind:          req.Kind,
		Filename:      req.Filename,
		Subdir:        req.Subdir,
		SHA256:        req.SHA256,
		SizeBytes:     req.SizeBytes,
		ContentType:   req.ContentType,
		Metadata:      req.Metadata,
		RetentionDays: jobPlan.RetentionDays,
	}, api.artifactAuditContext(r))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_artifact")
		return
	}

	status := http.StatusOK
	bodyStatus := "duplicate"
	if result.Created {
		status = http.StatusCreated
		bodyStatus = "created"
		w.Header().Set("Location", "/artifacts/"+result.Artifact.ID)
	}
	api.writeJSON(w, status, map[string]any{
		"status":     bodyStatus,
		"artifact":   artifactToResponse(result.Artifact),
		"upload_url": result.UploadURL,
	})
}

type completeJobRequest struct {
	Status string `json:"status,omitempty"`
}

func (api *builddAPI) handleInternalCompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	if !api.requireJobIdentity(w, r, jobID) {
		return
	}
	var req completeJobRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	job, err := api.jobRepo.GetJob(r.Context(), jobID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	if domain.IsTerminalJobState(job.Status) {
		api.writeJSON(w, http.StatusOK, map[string]any{
			"job_id": job.ID,
			"status": string(job.Status),
		})
		return
	}

	jobPlan, err := plan.UnmarshalJobPlan(job.PlanJSON)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	executions, err := api.stepRepo.ListByJob(r.Context(), jobID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	// Completion trusts the reported step rows, not the worker's claim. A
	// worker that says it finished without terminal outcomes for every step
	// produced an incomplete record, which counts as a failure.
	derived := state.DeriveJobState(jobPlan.Steps, executions)
	if !domain.IsTerminalJobState(derived) {
		derived = domain.JobStateFailed
	}
	if claimed := domain.NormalizeJobState(req.Status); claimed != "" && claimed != derived {
		api.logger.Warn("completion claim disagrees with derived state",
			"job_id", jobID, "claimed", string(claimed), "derived", string(derived))
	}

	final, err := api.advanceJobState(r.Context(), r, job, derived)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"status": string(final),
	})
}
