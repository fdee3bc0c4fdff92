package main

import (
	"net/http"
	"testing"

	"github.com/kilnlabs/kiln-go/internal/domain"
)

func TestRegisterWorkflowRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(http.MethodPost, "/workflows", []byte(testSpecYAML), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created workflowResponse
	decodeBody(t, rec, &created)
	if created.Name != "lkpy-conda" || created.Version != 1 || !created.Active {
		t.Fatalf("unexpected workflow: %+v", created)
	}
	if created.SpecHash == "" || created.SpecYAML == "" {
		t.Fatalf("expected spec hash and yaml, got %+v", created)
	}
	if loc := rec.Header().Get("Location"); loc != "/workflows/"+created.WorkflowID {
		t.Fatalf("location=%q", loc)
	}

	// The same spec bytes must come back as the stored version, not a new one.
	rec = env.request(http.MethodPost, "/workflows", []byte(testSpecYAML), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s", rec.Code, rec.Body.String())
	}
	var replay workflowResponse
	decodeBody(t, rec, &replay)
	if replay.WorkflowID != created.WorkflowID || replay.Version != 1 {
		t.Fatalf("expected stored version back, got %+v", replay)
	}

	rec = env.request(http.MethodGet, "/workflows/"+created.WorkflowID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d", rec.Code)
	}
	var fetched workflowResponse
	decodeBody(t, rec, &fetched)
	if fetched.SpecYAML != testSpecYAML {
		t.Fatalf("expected raw spec yaml back")
	}

	rec = env.request(http.MethodGet, "/workflows", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d", rec.Code)
	}
	var listed struct {
		Workflows []workflowResponse `json:"workflows"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Workflows) != 1 || listed.Workflows[0].SpecYAML != "" {
		t.Fatalf("expected one summary row, got %+v", listed.Workflows)
	}

	rec = env.request(http.MethodGet, "/workflows/"+created.WorkflowID+"/versions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("versions status=%d", rec.Code)
	}
	var versions struct {
		Name     string             `json:"name"`
		Versions []workflowResponse `json:"versions"`
	}
	decodeBody(t, rec, &versions)
	if versions.Name != "lkpy-conda" || len(versions.Versions) != 1 {
		t.Fatalf("unexpected versions payload: %+v", versions)
	}
}

func TestRegisterWorkflowRejectsInvalidSpec(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(http.MethodPost, "/workflows", []byte("schema: wrong\nname: x\n"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] != "invalid_spec" {
		t.Fatalf("error=%v", body["error"])
	}

	rec = env.request(http.MethodPost, "/workflows", []byte("   "), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank spec status=%d", rec.Code)
	}
}

func TestCreateManualBuild(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorkflow(t)

	rec := env.request(http.MethodPost, "/builds", jsonBody(t, map[string]any{
		"workflow": "lkpy-conda",
		"branch":   "master",
	}), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var build buildResponse
	decodeBody(t, rec, &build)
	if build.Status != string(domain.BuildStatePlanned) || build.Branch != "master" {
		t.Fatalf("unexpected build: %+v", build)
	}
	if build.Repo != "lenskit/lkpy" || build.WorkflowName != "lkpy-conda" {
		t.Fatalf("unexpected trigger fields: %+v", build)
	}
	if loc := rec.Header().Get("Location"); loc != "/builds/"+build.BuildID {
		t.Fatalf("location=%q", loc)
	}

	rec = env.request(http.MethodGet, "/builds/"+build.BuildID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get build status=%d", rec.Code)
	}

	rec = env.request(http.MethodGet, "/builds?status=planned", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list builds status=%d", rec.Code)
	}
	var listed struct {
		Builds []buildResponse `json:"builds"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Builds) != 1 || listed.Builds[0].BuildID != build.BuildID {
		t.Fatalf("unexpected list: %+v", listed.Builds)
	}
}

func TestCreateManualBuildValidation(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorkflow(t)

	rec := env.request(http.MethodPost, "/builds", jsonBody(t, map[string]any{"branch": "master"}), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing workflow status=%d", rec.Code)
	}

	rec = env.request(http.MethodPost, "/builds", jsonBody(t, map[string]any{"workflow": "lkpy-conda"}), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing ref status=%d", rec.Code)
	}

	rec = env.request(http.MethodPost, "/builds", jsonBody(t, map[string]any{
		"workflow": "nope",
		"branch":   "master",
	}), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workflow status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestListBuildsRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(http.MethodGet, "/builds?status=exploded", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCancelBuild(t *testing.T) {
	env := newTestEnv(t)
	buildID, jobs := env.pushBuild(t, "d-cancel")

	rec := env.request(http.MethodPost, "/builds/"+buildID+":cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", rec.Code, rec.Body.String())
	}
	var canceled struct {
		Build          buildResponse `json:"build"`
		CanceledJobIDs []string      `json:"canceled_job_ids"`
	}
	decodeBody(t, rec, &canceled)
	if canceled.Build.Status != string(domain.BuildStateCanceled) {
		t.Fatalf("expected canceled build, got %s", canceled.Build.Status)
	}
	if len(canceled.CanceledJobIDs) != len(jobs) {
		t.Fatalf("expected %d canceled jobs, got %d", len(jobs), len(canceled.CanceledJobIDs))
	}

	rec = env.request(http.MethodPost, "/builds/"+buildID+":cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] != "build_terminal" {
		t.Fatalf("error=%v", body["error"])
	}
}

func TestGetJobStepsAndPlan(t *testing.T) {
	env := newTestEnv(t)
	_, jobs := env.pushBuild(t, "d-job")

	job := jobs[0]
	rec := env.request(http.MethodGet, "/jobs/"+job.JobID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status=%d", rec.Code)
	}
	var fetched jobResponse
	decodeBody(t, rec, &fetched)
	if fetched.Status != string(domain.JobStateQueued) || fetched.CondaPlatform == "" {
		t.Fatalf("unexpected job: %+v", fetched)
	}

	rec = env.request(http.MethodGet, "/jobs/"+job.JobID+"/steps", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list steps status=%d", rec.Code)
	}
	var steps struct {
		Steps []stepExecutionResponse `json:"steps"`
	}
	decodeBody(t, rec, &steps)
	if len(steps.Steps) != 0 {
		t.Fatalf("expected no step executions yet, got %d", len(steps.Steps))
	}

	rec = env.request(http.MethodGet, "/jobs/"+job.JobID+"/plan", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get plan status=%d", rec.Code)
	}
	var jobPlan struct {
		BuildID       string `json:"buildId"`
		CondaPlatform string `json:"condaPlatform"`
		Steps         []struct {
			Name string `json:"name"`
		} `json:"steps"`
	}
	decodeBody(t, rec, &jobPlan)
	if jobPlan.BuildID != job.BuildID || jobPlan.CondaPlatform != fetched.CondaPlatform {
		t.Fatalf("plan does not match job: %+v", jobPlan)
	}
	if len(jobPlan.Steps) == 0 || jobPlan.Steps[0].Name != domain.StepCheckout {
		t.Fatalf("unexpected plan steps: %+v", jobPlan.Steps)
	}
}

func TestArtifactEndpointsNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(http.MethodGet, "/artifacts/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get status=%d", rec.Code)
	}
	rec = env.request(http.MethodGet, "/artifacts/missing/download", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("download status=%d", rec.Code)
	}
	rec = env.request(http.MethodGet, "/builds/missing/artifacts", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("list status=%d", rec.Code)
	}
}
