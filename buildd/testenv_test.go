package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/platform/auditlog"
	"github.com/kilnlabs/kiln-go/internal/platform/auth"
	"github.com/kilnlabs/kiln-go/internal/repo"
	"github.com/kilnlabs/kiln-go/internal/runtimeexec"
	"github.com/kilnlabs/kiln-go/internal/service/artifacts"
	"github.com/kilnlabs/kiln-go/internal/service/builds"
	"github.com/kilnlabs/kiln-go/internal/service/workflows"
	store "github.com/kilnlabs/kiln-go/internal/storage/objectstore"
)

const (
	testPushSecret     = "push-hook-test-secret"
	testJobTokenSecret = "job-token-test-secret"
)

const testSpecYAML = `
schema: kiln.workflow.v1
name: lkpy-conda
trigger:
  repo: lenskit/lkpy
  branches: [master]
matrix:
  - platform: ubuntu-latest
    conda_platform: linux-64
    image: condaforge/linux-anvil-cos7-x86_64
  - platform: macos-latest
    conda_platform: osx-64
    image: kiln/macos-conda-runner
  - platform: windows-latest
    conda_platform: win-64
    image: kiln/windows-conda-runner
build:
  recipe_dir: conda
  channels: [lenskit]
artifacts:
  retention_days: 30
fail_fast: false
`

type testEnv struct {
	handler http.Handler
	api     *builddAPI

	workflowRepo *fakeWorkflowRepo
	buildRepo    *fakeBuildRepo
	jobRepo      *fakeJobRepo
	stepRepo     *fakeStepRepo
	artifactRepo *fakeArtifactRepo
	pushRepo     *fakePushRepo
	objects      *fakeObjectStore
	audit        *fakeAppender

	buildSvc *builds.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	workflowRepo := &fakeWorkflowRepo{}
	buildRepo := &fakeBuildRepo{records: map[string]domain.Build{}}
	jobRepo := &fakeJobRepo{}
	stepRepo := &fakeStepRepo{}
	artifactRepo := &fakeArtifactRepo{}
	pushRepo := &fakePushRepo{seen: map[string]domain.PushEvent{}}
	objects := &fakeObjectStore{}
	audit := &fakeAppender{}

	workflowSvc, err := workflows.NewService(workflowRepo, audit)
	if err != nil {
		t.Fatalf("workflow service: %v", err)
	}
	buildSvc, err := builds.NewService(workflowRepo, buildRepo, jobRepo, pushRepo, audit)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	artifactSvc, err := artifacts.NewService(artifactRepo, objects, "kiln-artifacts", 15*time.Minute, audit)
	if err != nil {
		t.Fatalf("artifact service: %v", err)
	}

	api := newBuilddAPI(logger, workflowSvc, buildSvc, artifactSvc, workflowRepo, buildRepo, jobRepo, stepRepo, testPushSecret, audit)
	mux := http.NewServeMux()
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: auth.JobTokenAuthenticator{Secret: testJobTokenSecret},
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/hooks/push", "/workflows", "/builds", "/jobs", "/artifacts"},
	}.Wrap(mux)

	return &testEnv{
		handler:      handler,
		api:          api,
		workflowRepo: workflowRepo,
		buildRepo:    buildRepo,
		jobRepo:      jobRepo,
		stepRepo:     stepRepo,
		artifactRepo: artifactRepo,
		pushRepo:     pushRepo,
		objects:      objects,
		audit:        audit,
		buildSvc:     buildSvc,
	}
}

func (env *testEnv) request(method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://kiln.test"+target, reader)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (env *testEnv) registerWorkflow(t *testing.T) workflowResponse {
	t.Helper()
	rec := env.request(http.MethodPost, "/workflows", []byte(testSpecYAML), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register workflow: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out workflowResponse
	decodeBody(t, rec, &out)
	return out
}

func testPushBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref":     "refs/heads/master",
		"after":   "0f5a1c9d2e3b4a5968778695a4b3c2d1e0f9a8b7",
		"deleted": false,
		"repository": map[string]any{
			"clone_url": "https://github.com/lenskit/lkpy.git",
			"full_name": "lenskit/lkpy",
		},
		"head_commit": map[string]any{"id": "0f5a1c9d2e3b4a5968778695a4b3c2d1e0f9a8b7"},
		"pusher":      map[string]any{"name": "mdekstrand"},
	})
	if err != nil {
		t.Fatalf("marshal push body: %v", err)
	}
	return body
}

func signPushBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushHeader(delivery string, body []byte) http.Header {
	header := http.Header{}
	header.Set(headerPushDelivery, delivery)
	header.Set(headerPushEvent, "push")
	header.Set(headerPushSignature, signPushBody(testPushSecret, body))
	return header
}

// pushBuild registers the test workflow, delivers one push, and returns the
// created build with its queued jobs.
func (env *testEnv) pushBuild(t *testing.T, delivery string) (string, []jobResponse) {
	t.Helper()
	env.registerWorkflow(t)

	body := testPushBody(t)
	rec := env.request(http.MethodPost, "/hooks/push", body, pushHeader(delivery, body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("push hook: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		Builds []string `json:"builds"`
	}
	decodeBody(t, rec, &accepted)
	if len(accepted.Builds) != 1 {
		t.Fatalf("expected 1 build, got %v", accepted.Builds)
	}
	buildID := accepted.Builds[0]

	rec = env.request(http.MethodGet, "/builds/"+buildID+"/jobs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list jobs: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Jobs []jobResponse `json:"jobs"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(listed.Jobs))
	}
	return buildID, listed.Jobs
}

func mintTestJobToken(t *testing.T, jobID, buildID string) string {
	t.Helper()
	now := time.Now().UTC()
	token, err := auth.GenerateJobToken(testJobTokenSecret, auth.JobTokenClaims{
		JobID:         jobID,
		BuildID:       buildID,
		IssuedAtUnix:  now.Unix(),
		ExpiresAtUnix: now.Add(time.Hour).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("mint job token: %v", err)
	}
	return token
}

func bearerHeader(token string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header
}

func jsonBody(t *testing.T, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

type fakeWorkflowRepo struct {
	stored []domain.Workflow
}

func (f *fakeWorkflowRepo) CreateWorkflow(ctx context.Context, wf domain.Workflow) error {
	f.stored = append(f.stored, wf)
	return nil
}

func (f *fakeWorkflowRepo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	for _, wf := range f.stored {
		if wf.ID == id {
			return wf, nil
		}
	}
	return domain.Workflow{}, repo.ErrNotFound
}

func (f *fakeWorkflowRepo) ListWorkflows(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error) {
	out := make([]domain.Workflow, 0, len(f.stored))
	for _, wf := range f.stored {
		if filter.ActiveOnly && !wf.Active {
			continue
		}
		if filter.Name != "" && wf.Name != filter.Name {
			continue
		}
		out = append(out, wf)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeWorkflowRepo) ListWorkflowVersions(ctx context.Context, name string) ([]domain.Workflow, error) {
	var out []domain.Workflow
	for _, wf := range f.stored {
		if wf.Name == name {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (f *fakeWorkflowRepo) GetActiveWorkflowByName(ctx context.Context, name string) (domain.Workflow, error) {
	for _, wf := range f.stored {
		if wf.Name == name && wf.Active {
			return wf, nil
		}
	}
	return domain.Workflow{}, repo.ErrNotFound
}

func (f *fakeWorkflowRepo) NextWorkflowVersion(ctx context.Context, name string) (int64, error) {
	var max int64
	for _, wf := range f.stored {
		if wf.Name == name && wf.Version > max {
			max = wf.Version
		}
	}
	return max + 1, nil
}

func (f *fakeWorkflowRepo) DeactivateOlderVersions(ctx context.Context, name string, keepVersion int64) error {
	for i := range f.stored {
		if f.stored[i].Name == name && f.stored[i].Version != keepVersion {
			f.stored[i].Active = false
		}
	}
	return nil
}

type fakeBuildRepo struct {
	records map[string]domain.Build
}

func (f *fakeBuildRepo) CreateBuild(ctx context.Context, build domain.Build) error {
	f.records[build.ID] = build
	return nil
}

func (f *fakeBuildRepo) GetBuild(ctx context.Context, id string) (domain.Build, error) {
	build, ok := f.records[id]
	if !ok {
		return domain.Build{}, repo.ErrNotFound
	}
	return build, nil
}

func (f *fakeBuildRepo) ListBuilds(ctx context.Context, filter repo.BuildFilter) ([]domain.Build, error) {
	var out []domain.Build
	for _, build := range f.records {
		if filter.WorkflowID != "" && build.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Repo != "" && build.Repo != filter.Repo {
			continue
		}
		if filter.Branch != "" && build.Branch != filter.Branch {
			continue
		}
		if filter.Status != "" && string(build.Status) != filter.Status {
			continue
		}
		out = append(out, build)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBuildRepo) ListBuildsByDelivery(ctx context.Context, deliveryID string) ([]domain.Build, error) {
	var out []domain.Build
	for _, build := range f.records {
		if build.DeliveryID == deliveryID {
			out = append(out, build)
		}
	}
	return out, nil
}

func (f *fakeBuildRepo) UpdateBuildStatus(ctx context.Context, id string, status domain.BuildState, startedAt, endedAt *time.Time) error {
	build, ok := f.records[id]
	if !ok {
		return repo.ErrNotFound
	}
	build.Status = status
	if build.StartedAt == nil && startedAt != nil {
		build.StartedAt = startedAt
	}
	if build.EndedAt == nil && endedAt != nil {
		build.EndedAt = endedAt
	}
	f.records[id] = build
	return nil
}

type fakeJobRepo struct {
	jobs []domain.BuildJob
}

func (f *fakeJobRepo) CreateJob(ctx context.Context, job domain.BuildJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeJobRepo) GetJob(ctx context.Context, id string) (domain.BuildJob, error) {
	for _, job := range f.jobs {
		if job.ID == id {
			return job, nil
		}
	}
	return domain.BuildJob{}, repo.ErrNotFound
}

func (f *fakeJobRepo) ListJobsByBuild(ctx context.Context, buildID string) ([]domain.BuildJob, error) {
	var out []domain.BuildJob
	for _, job := range f.jobs {
		if job.BuildID == buildID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) ListJobsInStates(ctx context.Context, states ...domain.JobState) ([]domain.BuildJob, error) {
	var out []domain.BuildJob
	for _, job := range f.jobs {
		for _, state := range states {
			if job.Status == state {
				out = append(out, job)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeJobRepo) ClaimQueuedJobs(ctx context.Context, limit int) ([]domain.BuildJob, error) {
	var claimed []domain.BuildJob
	now := time.Now().UTC()
	for i := range f.jobs {
		if len(claimed) == limit {
			break
		}
		if f.jobs[i].Status != domain.JobStateQueued {
			continue
		}
		f.jobs[i].Status = domain.JobStateDispatched
		f.jobs[i].DispatchAttempts++
		dispatched := now
		f.jobs[i].DispatchedAt = &dispatched
		claimed = append(claimed, f.jobs[i])
	}
	return claimed, nil
}

func (f *fakeJobRepo) SetJobExecutor(ctx context.Context, id, executorKind, executorRef string) error {
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			f.jobs[i].ExecutorKind = executorKind
			f.jobs[i].ExecutorRef = executorRef
			return nil
		}
	}
	return repo.ErrNotFound
}

func (f *fakeJobRepo) UpdateJobStatus(ctx context.Context, id string, status domain.JobState, startedAt, endedAt *time.Time) error {
	for i := range f.jobs {
		if f.jobs[i].ID != id {
			continue
		}
		f.jobs[i].Status = status
		if f.jobs[i].StartedAt == nil && startedAt != nil {
			f.jobs[i].StartedAt = startedAt
		}
		if f.jobs[i].EndedAt == nil && endedAt != nil {
			f.jobs[i].EndedAt = endedAt
		}
		return nil
	}
	return repo.ErrNotFound
}

func (f *fakeJobRepo) RequeueJob(ctx context.Context, id string) error {
	for i := range f.jobs {
		if f.jobs[i].ID != id {
			continue
		}
		if f.jobs[i].Status != domain.JobStateDispatched {
			return repo.ErrNotFound
		}
		f.jobs[i].Status = domain.JobStateQueued
		f.jobs[i].ExecutorKind = ""
		f.jobs[i].ExecutorRef = ""
		f.jobs[i].DispatchedAt = nil
		return nil
	}
	return repo.ErrNotFound
}

func (f *fakeJobRepo) CancelQueuedJobsByBuild(ctx context.Context, buildID string, to domain.JobState) ([]string, error) {
	var flipped []string
	for i := range f.jobs {
		if f.jobs[i].BuildID == buildID && f.jobs[i].Status == domain.JobStateQueued {
			f.jobs[i].Status = to
			flipped = append(flipped, f.jobs[i].ID)
		}
	}
	return flipped, nil
}

func (f *fakeJobRepo) byID(id string) *domain.BuildJob {
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			return &f.jobs[i]
		}
	}
	return nil
}

type fakeStepRepo struct {
	executions []domain.StepExecution
	seq        int
}

func (f *fakeStepRepo) InsertAttempt(ctx context.Context, execution domain.StepExecution) (domain.StepExecution, bool, error) {
	if err := execution.Validate(); err != nil {
		return domain.StepExecution{}, false, err
	}
	for _, existing := range f.executions {
		if existing.JobID == execution.JobID && existing.StepName == execution.StepName && existing.Attempt == execution.Attempt {
			return existing, false, nil
		}
	}
	f.seq++
	execution.ID = "se-" + strconv.Itoa(f.seq)
	f.executions = append(f.executions, execution)
	return execution, true, nil
}

func (f *fakeStepRepo) ListByJob(ctx context.Context, jobID string) ([]domain.StepExecution, error) {
	var out []domain.StepExecution
	for _, execution := range f.executions {
		if execution.JobID == jobID {
			out = append(out, execution)
		}
	}
	return out, nil
}

type fakeArtifactRepo struct {
	artifacts []domain.Artifact
}

func (f *fakeArtifactRepo) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	f.artifacts = append(f.artifacts, artifact)
	return nil
}

func (f *fakeArtifactRepo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	for _, artifact := range f.artifacts {
		if artifact.ID == id {
			return artifact, nil
		}
	}
	return domain.Artifact{}, repo.ErrNotFound
}

func (f *fakeArtifactRepo) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for _, artifact := range f.artifacts {
		if filter.BuildID != "" && artifact.BuildID != filter.BuildID {
			continue
		}
		if filter.JobID != "" && artifact.JobID != filter.JobID {
			continue
		}
		if filter.Kind != "" && artifact.Kind != filter.Kind {
			continue
		}
		out = append(out, artifact)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// fakeObjectStore marks an object present only after a test simulates the
// worker's presigned upload with upload().
type fakeObjectStore struct {
	objects map[string]int64
}

func (f *fakeObjectStore) upload(bucket, key string, size int64) {
	if f.objects == nil {
		f.objects = map[string]int64{}
	}
	f.objects[bucket+"/"+key] = size
}

func (f *fakeObjectStore) Stat(ctx context.Context, bucket, key string) (store.ObjectInfo, error) {
	size, ok := f.objects[bucket+"/"+key]
	if !ok {
		return store.ObjectInfo{}, errors.New("NoSuchKey")
	}
	return store.ObjectInfo{Key: key, Size: size}, nil
}

func (f *fakeObjectStore) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://minio.test/upload/" + bucket + "/" + key, nil
}

func (f *fakeObjectStore) PresignGet(ctx context.Context, bucket, key, filename string, ttl time.Duration) (string, error) {
	return "https://minio.test/download/" + bucket + "/" + key, nil
}

type fakePushRepo struct {
	seen map[string]domain.PushEvent
}

func (f *fakePushRepo) RecordPushEvent(ctx context.Context, event domain.PushEvent) (bool, error) {
	if _, ok := f.seen[event.DeliveryID]; ok {
		return false, nil
	}
	f.seen[event.DeliveryID] = event
	return true, nil
}

func (f *fakePushRepo) GetPushEvent(ctx context.Context, deliveryID string) (domain.PushEvent, error) {
	event, ok := f.seen[deliveryID]
	if !ok {
		return domain.PushEvent{}, repo.ErrNotFound
	}
	return event, nil
}

type fakeAppender struct {
	events []auditlog.Event
}

func (f *fakeAppender) Append(ctx context.Context, event auditlog.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAppender) actions() []string {
	out := make([]string, 0, len(f.events))
	for _, event := range f.events {
		out = append(out, event.Action)
	}
	return out
}

func (f *fakeAppender) hasAction(action string) bool {
	for _, event := range f.events {
		if event.Action == action {
			return true
		}
	}
	return false
}

type fakeExecutor struct {
	kind         string
	submitErr    error
	submitted    []runtimeexec.JobSpec
	observations map[string]runtimeexec.Observation
	inspectErr   error
	canceled     []runtimeexec.Ref
}

func (e *fakeExecutor) Kind() string {
	if e.kind == "" {
		return "fake"
	}
	return e.kind
}

func (e *fakeExecutor) Submit(ctx context.Context, spec runtimeexec.JobSpec) (runtimeexec.Ref, error) {
	if e.submitErr != nil {
		return runtimeexec.Ref{}, e.submitErr
	}
	e.submitted = append(e.submitted, spec)
	return runtimeexec.Ref{Kind: e.Kind(), Value: "ctr-" + spec.JobID}, nil
}

func (e *fakeExecutor) Inspect(ctx context.Context, ref runtimeexec.Ref) (runtimeexec.Observation, error) {
	if e.inspectErr != nil {
		return runtimeexec.Observation{}, e.inspectErr
	}
	obs, ok := e.observations[ref.Value]
	if !ok {
		return runtimeexec.Observation{Status: runtimeexec.ObservationGone}, nil
	}
	return obs, nil
}

func (e *fakeExecutor) Cancel(ctx context.Context, ref runtimeexec.Ref) error {
	e.canceled = append(e.canceled, ref)
	return nil
}
