package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/platform/auditlog"
	"github.com/kilnlabs/kiln-go/internal/platform/auth"
	"github.com/kilnlabs/kiln-go/internal/repo"
	"github.com/kilnlabs/kiln-go/internal/service/artifacts"
	"github.com/kilnlabs/kiln-go/internal/service/builds"
	"github.com/kilnlabs/kiln-go/internal/service/workflows"
)

type builddAPI struct {
	logger *slog.Logger

	workflows *workflows.Service
	builds    *builds.Service
	artifacts *artifacts.Service

	workflowRepo repo.WorkflowRepository
	buildRepo    repo.BuildRepository
	jobRepo      repo.JobRepository
	stepRepo     repo.StepExecutionRepository

	pushSecret string
	audit      auditlog.Appender
}

func newBuilddAPI(
	logger *slog.Logger,
	workflowSvc *workflows.Service,
	buildSvc *builds.Service,
	artifactSvc *artifacts.Service,
	workflowRepo repo.WorkflowRepository,
	buildRepo repo.BuildRepository,
	jobRepo repo.JobRepository,
	stepRepo repo.StepExecutionRepository,
	pushSecret string,
	audit auditlog.Appender,
) *builddAPI {
	return &builddAPI{
		logger:       logger,
		workflows:    workflowSvc,
		builds:       buildSvc,
		artifacts:    artifactSvc,
		workflowRepo: workflowRepo,
		buildRepo:    buildRepo,
		jobRepo:      jobRepo,
		stepRepo:     stepRepo,
		pushSecret:   strings.TrimSpace(pushSecret),
		audit:        audit,
	}
}

func (api *builddAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /workflows", api.handleListWorkflows)
	mux.HandleFunc("POST /workflows", api.handleRegisterWorkflow)
	mux.HandleFunc("GET /workflows/{workflow_id}", api.handleGetWorkflow)
	mux.HandleFunc("GET /workflows/{workflow_id}/versions", api.handleListWorkflowVersions)

	mux.HandleFunc("GET /builds", api.handleListBuilds)
	mux.HandleFunc("POST /builds", api.handleCreateBuild)
	mux.HandleFunc("GET /builds/{build_id}", api.handleGetBuild)
	// A ServeMux wildcard must span an entire path segment, so the ":cancel"
	// custom method cannot appear in the pattern itself; the suffix is split
	// off here and the remainder forwarded as the build_id path value.
	mux.HandleFunc("POST /builds/{build_id}", func(w http.ResponseWriter, r *http.Request) {
		buildID, isCancel := strings.CutSuffix(r.PathValue("build_id"), ":cancel")
		if !isCancel {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		r.SetPathValue("build_id", buildID)
		api.handleCancelBuild(w, r)
	})
	mux.HandleFunc("GET /builds/{build_id}/jobs", api.handleListBuildJobs)
	mux.HandleFunc("GET /builds/{build_id}/artifacts", api.handleListBuildArtifacts)

	mux.HandleFunc("GET /jobs/{job_id}", api.handleGetJob)
	mux.HandleFunc("GET /jobs/{job_id}/steps", api.handleListJobSteps)
	mux.HandleFunc("GET /jobs/{job_id}/plan", api.handleGetJobPlan)

	mux.HandleFunc("GET /artifacts/{artifact_id}", api.handleGetArtifact)
	mux.HandleFunc("GET /artifacts/{artifact_id}/download", api.handleDownloadArtifact)

	mux.HandleFunc("POST /hooks/push", api.handlePushHook)

	mux.HandleFunc("GET /internal/jobs/{job_id}", api.handleInternalGetJob)
	mux.HandleFunc("POST /internal/jobs/{job_id}/steps", api.handleInternalReportStep)
	mux.HandleFunc("POST /internal/jobs/{job_id}/artifacts", api.handleInternalRegisterArtifact)
	mux.HandleFunc("POST /internal/jobs/{job_id}/complete", api.handleInternalCompleteJob)
}

type workflowResponse struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Version    int64     `json:"version"`
	SpecHash   string    `json:"spec_hash"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by,omitempty"`
	SpecYAML   string    `json:"spec_yaml,omitempty"`
}

func workflowToResponse(wf domain.Workflow, includeSpec bool) workflowResponse {
	out := workflowResponse{
		WorkflowID: wf.ID,
		Name:       wf.Name,
		Version:    wf.Version,
		SpecHash:   wf.SpecHash,
		Active:     wf.Active,
		CreatedAt:  wf.CreatedAt,
		CreatedBy:  wf.CreatedBy,
	}
	if includeSpec {
		out.SpecYAML = string(wf.RawSpec)
	}
	return out
}

type buildResponse struct {
	BuildID         string     `json:"build_id"`
	WorkflowID      string     `json:"workflow_id"`
	WorkflowName    string     `json:"workflow_name"`
	WorkflowVersion int64      `json:"workflow_version"`
	SpecHash        string     `json:"spec_hash"`
	Repo            string     `json:"repo"`
	Branch          string     `json:"branch,omitempty"`
	Ref             string     `json:"ref,omitempty"`
	CommitSHA       string     `json:"commit_sha,omitempty"`
	DeliveryID      string     `json:"delivery_id,omitempty"`
	FailFast        bool       `json:"fail_fast"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
}

func buildToResponse(b domain.Build) buildResponse {
	return buildResponse{
		BuildID:         b.ID,
		WorkflowID:      b.WorkflowID,
		WorkflowName:    b.WorkflowName,
		WorkflowVersion: b.WorkflowVersion,
		SpecHash:        b.SpecHash,
		Repo:            b.Repo,
		Branch:          b.Branch,
		Ref:             b.Ref,
		CommitSHA:       b.CommitSHA,
		DeliveryID:      b.DeliveryID,
		FailFast:        b.FailFast,
		Status:          string(b.Status),
		CreatedAt:       b.CreatedAt,
		StartedAt:       b.StartedAt,
		EndedAt:         b.EndedAt,
		CreatedBy:       b.CreatedBy,
	}
}

type jobResponse struct {
	JobID            string     `json:"job_id"`
	BuildID          string     `json:"build_id"`
	Platform         string     `json:"platform"`
	CondaPlatform    string     `json:"conda_platform"`
	Image            string     `json:"image"`
	Status           string     `json:"status"`
	ExecutorKind     string     `json:"executor_kind,omitempty"`
	ExecutorRef      string     `json:"executor_ref,omitempty"`
	DispatchAttempts int        `json:"dispatch_attempts"`
	TimeoutSeconds   int        `json:"timeout_seconds"`
	QueuedAt         time.Time  `json:"queued_at"`
	DispatchedAt     *time.Time `json:"dispatched_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

func jobToResponse(j domain.BuildJob) jobResponse {
	return jobResponse{
		JobID:            j.ID,
		BuildID:          j.BuildID,
		Platform:         j.Platform,
		CondaPlatform:    j.CondaPlatform,
		Image:            j.Image,
		Status:           string(j.Status),
		ExecutorKind:     j.ExecutorKind,
		ExecutorRef:      j.ExecutorRef,
		DispatchAttempts: j.DispatchAttempts,
		TimeoutSeconds:   j.TimeoutSeconds,
		QueuedAt:         j.QueuedAt,
		DispatchedAt:     j.DispatchedAt,
		StartedAt:        j.StartedAt,
		EndedAt:          j.EndedAt,
	}
}

type stepExecutionResponse struct {
	StepName     string     `json:"step_name"`
	Attempt      int        `json:"attempt"`
	Outcome      string     `json:"outcome"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SpecHash     string     `json:"spec_hash,omitempty"`
}

func stepToResponse(s domain.StepExecution) stepExecutionResponse {
	return stepExecutionResponse{
		StepName:     s.StepName,
		Attempt:      s.Attempt,
		Outcome:      string(s.Outcome),
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		ExitCode:     s.ExitCode,
		ErrorCode:    s.ErrorCode,
		ErrorMessage: s.ErrorMessage,
		SpecHash:     s.SpecHash,
	}
}

type artifactResponse struct {
	ArtifactID     string     `json:"artifact_id"`
	BuildID        string     `json:"build_id"`
	JobID          string     `json:"job_id"`
	Kind           string     `json:"kind"`
	Filename       string     `json:"filename"`
	Subdir         string     `json:"subdir,omitempty"`
	ObjectKey      string     `json:"object_key"`
	SHA256         string     `json:"sha256"`
	SizeBytes      int64      `json:"size_bytes"`
	ContentType    string     `json:"content_type,omitempty"`
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedBy      string     `json:"created_by,omitempty"`
}

func artifactToResponse(a domain.Artifact) artifactResponse {
	return artifactResponse{
		ArtifactID:     a.ID,
		BuildID:        a.BuildID,
		JobID:          a.JobID,
		Kind:           a.Kind,
		Filename:       a.Filename,
		Subdir:         a.Subdir,
		ObjectKey:      a.ObjectKey,
		SHA256:         a.SHA256,
		SizeBytes:      a.SizeBytes,
		ContentType:    a.ContentType,
		RetentionUntil: a.RetentionUntil,
		CreatedAt:      a.CreatedAt,
		CreatedBy:      a.CreatedBy,
	}
}

func (api *builddAPI) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	rawSpec, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(strings.TrimSpace(string(rawSpec))) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "spec_required")
		return
	}

	result, err := api.workflows.Register(r.Context(), rawSpec, api.workflowAuditContext(r))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_spec")
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
		w.Header().Set("Location", "/workflows/"+result.Workflow.ID)
	}
	api.writeJSON(w, status, workflowToResponse(result.Workflow, true))
}

func (api *builddAPI) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	activeOnly := false
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("active"))) {
	case "1", "true", "yes", "on":
		activeOnly = true
	}

	listed, err := api.workflows.List(r.Context(), repo.WorkflowFilter{
		Name:       strings.TrimSpace(r.URL.Query().Get("name")),
		ActiveOnly: activeOnly,
		Limit:      limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]workflowResponse, 0, len(listed))
	for _, wf := range listed {
		out = append(out, workflowToResponse(wf, false))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (api *builddAPI) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := strings.TrimSpace(r.PathValue("workflow_id"))
	if workflowID == "" {
		api.writeError(w, r, http.StatusBadRequest, "workflow_id_required")
		return
	}
	wf, err := api.workflows.Get(r.Context(), workflowID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, workflowToResponse(wf, true))
}

func (api *builddAPI) handleListWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	workflowID := strings.TrimSpace(r.PathValue("workflow_id"))
	if workflowID == "" {
		api.writeError(w, r, http.StatusBadRequest, "workflow_id_required")
		return
	}
	wf, err := api.workflows.Get(r.Context(), workflowID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	versions, err := api.workflows.Versions(r.Context(), wf.Name)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]workflowResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, workflowToResponse(v, false))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"name": wf.Name, "versions": out})
}

type createBuildRequest struct {
	Workflow  string `json:"workflow"`
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

func (api *builddAPI) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Workflow) == "" {
		api.writeError(w, r, http.StatusBadRequest, "workflow_required")
		return
	}
	if strings.TrimSpace(req.Branch) == "" && strings.TrimSpace(req.CommitSHA) == "" {
		api.writeError(w, r, http.StatusBadRequest, "ref_required")
		return
	}

	build, err := api.builds.CreateManual(r.Context(), builds.CreateBuildInput{
		WorkflowName: req.Workflow,
		Branch:       req.Branch,
		CommitSHA:    req.CommitSHA,
	}, api.auditContext(r))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "workflow_not_found")
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}

	w.Header().Set("Location", "/builds/"+build.ID)
	api.writeJSON(w, http.StatusCreated, buildToResponse(build))
}

func (api *builddAPI) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && domain.NormalizeBuildState(status) == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}

	listed, err := api.buildRepo.ListBuilds(r.Context(), repo.BuildFilter{
		WorkflowID: strings.TrimSpace(r.URL.Query().Get("workflow_id")),
		Repo:       strings.TrimSpace(r.URL.Query().Get("repo")),
		Branch:     strings.TrimSpace(r.URL.Query().Get("branch")),
		Status:     status,
		Limit:      limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]buildResponse, 0, len(listed))
	for _, b := range listed {
		out = append(out, buildToResponse(b))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"builds": out})
}

func (api *builddAPI) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	buildID := strings.TrimSpace(r.PathValue("build_id"))
	if buildID == "" {
		api.writeError(w, r, http.StatusBadRequest, "build_id_required")
		return
	}
	build, err := api.buildRepo.GetBuild(r.Context(), buildID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, buildToResponse(build))
}

func (api *builddAPI) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	buildID := strings.TrimSpace(r.PathValue("build_id"))
	if buildID == "" {
		api.writeError(w, r, http.StatusBadRequest, "build_id_required")
		return
	}

	build, canceled, err := api.builds.CancelBuild(r.Context(), buildID, api.auditContext(r))
	if err != nil {
		if errors.Is(err, builds.ErrBuildTerminal) {
			api.writeError(w, r, http.StatusConflict, "build_terminal")
			return
		}
		api.writeNotFoundOrError(w, r, err)
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"build":            buildToResponse(build),
		"canceled_job_ids": canceled,
	})
}

func (api *builddAPI) handleListBuildJobs(w http.ResponseWriter, r *http.Request) {
	buildID := strings.TrimSpace(r.PathValue("build_id"))
	if buildID == "" {
		api.writeError(w, r, http.StatusBadRequest, "build_id_required")
		return
	}
	if _, err := api.buildRepo.GetBuild(r.Context(), buildID); err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	jobs, err := api.jobRepo.ListJobsByBuild(r.Context(), buildID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToResponse(j))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (api *builddAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	job, err := api.jobRepo.GetJob(r.Context(), jobID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (api *builddAPI) handleListJobSteps(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	if _, err := api.jobRepo.GetJob(r.Context(), jobID); err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	executions, err := api.stepRepo.ListByJob(r.Context(), jobID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]stepExecutionResponse, 0, len(executions))
	for _, s := range executions {
		out = append(out, stepToResponse(s))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}

func (api *builddAPI) handleGetJobPlan(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		api.writeError(w, r, http.StatusBadRequest, "job_id_required")
		return
	}
	job, err := api.jobRepo.GetJob(r.Context(), jobID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, json.RawMessage(job.PlanJSON))
}

func (api *builddAPI) handleListBuildArtifacts(w http.ResponseWriter, r *http.Request) {
	buildID := strings.TrimSpace(r.PathValue("build_id"))
	if buildID == "" {
		api.writeError(w, r, http.StatusBadRequest, "build_id_required")
		return
	}
	if _, err := api.buildRepo.GetBuild(r.Context(), buildID); err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 200), 1, 1000)
	listed, err := api.artifacts.List(r.Context(), repo.ArtifactFilter{
		BuildID: buildID,
		Kind:    strings.TrimSpace(r.URL.Query().Get("kind")),
		Limit:   limit,
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]artifactResponse, 0, len(listed))
	for _, a := range listed {
		out = append(out, artifactToResponse(a))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (api *builddAPI) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := strings.TrimSpace(r.PathValue("artifact_id"))
	if artifactID == "" {
		api.writeError(w, r, http.StatusBadRequest, "artifact_id_required")
		return
	}
	artifact, err := api.artifacts.Get(r.Context(), artifactID)
	if err != nil {
		api.writeNotFoundOrError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, artifactToResponse(artifact))
}

func (api *builddAPI) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := strings.TrimSpace(r.PathValue("artifact_id"))
	if artifactID == "" {
		api.writeError(w, r, http.StatusBadRequest, "artifact_id_required")
		return
	}
	result, err := api.artifacts.Download(r.Context(), artifactID, api.artifactAuditContext(r))
	if err != nil {
		if errors.Is(err, artifacts.ErrObjectNotUploaded) {
			api.writeError(w, r, http.StatusConflict, "artifact_not_uploaded")
			return
		}
		api.writeNotFoundOrError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"artifact_id":  result.Artifact.ID,
		"filename":     result.Artifact.Filename,
		"sha256":       result.Artifact.SHA256,
		"download_url": result.DownloadURL,
	})
}

func (api *builddAPI) auditContext(r *http.Request) builds.AuditContext {
	actor := ""
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		actor = identity.Subject
	}
	return builds.AuditContext{
		Actor:     actor,
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        requestIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Service:   "buildd",
	}
}

func (api *builddAPI) workflowAuditContext(r *http.Request) workflows.AuditContext {
	base := api.auditContext(r)
	return workflows.AuditContext{
		Actor:     base.Actor,
		RequestID: base.RequestID,
		IP:        base.IP,
		UserAgent: base.UserAgent,
		Service:   base.Service,
	}
}

func (api *builddAPI) artifactAuditContext(r *http.Request) artifacts.AuditContext {
	base := api.auditContext(r)
	return artifacts.AuditContext{
		Actor:     base.Actor,
		RequestID: base.RequestID,
		IP:        base.IP,
		UserAgent: base.UserAgent,
		Path:      base.Path,
		Service:   base.Service,
	}
}

func (api *builddAPI) writeNotFoundOrError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *builddAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *builddAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
