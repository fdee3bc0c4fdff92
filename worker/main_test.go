package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/runtimeexec"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(runtimeexec.EnvJobID, "job-9")
	t.Setenv(runtimeexec.EnvJobToken, "tok-9")
	t.Setenv(runtimeexec.EnvCoordinatorURL, "http://buildd:8080")
	t.Setenv("KILN_WORKER_GIT_BIN", "/usr/local/bin/git")

	cfg, err := configFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.JobID != "job-9" || cfg.Token != "tok-9" || cfg.CoordinatorURL != "http://buildd:8080" {
		t.Fatalf("identity fields: %+v", cfg)
	}
	if cfg.GitBin != "/usr/local/bin/git" || cfg.CondaBin != "conda" {
		t.Fatalf("binary overrides: %+v", cfg)
	}
}

func TestConfigFromEnvRequiresIdentity(t *testing.T) {
	t.Setenv(runtimeexec.EnvJobID, "")
	t.Setenv(runtimeexec.EnvJobToken, "tok")
	t.Setenv(runtimeexec.EnvCoordinatorURL, "http://buildd:8080")

	if _, err := configFromEnv(); err == nil {
		t.Fatalf("expected missing job id error")
	}
}

func TestRunExecutesWholePlan(t *testing.T) {
	jobPlan := basePlan("b-run")
	jobPlan.Steps = []domain.PlanStep{
		{
			Name: "build",
			Kind: domain.StepKindCommand,
			Commands: [][]string{
				{"sh", "-c", "mkdir -p pkgs/linux-64 && printf package-bytes > pkgs/linux-64/lenskit-0.14.4-py311_0.tar.bz2"},
			},
		},
		{Name: "collect", Kind: domain.StepKindCollect},
		{Name: "upload", Kind: domain.StepKindUpload},
	}

	fc := newFakeCoordinator(t, "job-run", "b-run", jobPlan)
	cfg := testWorkerConfig("job-run", fc)
	cfg.WorkRoot = t.TempDir()

	if err := run(context.Background(), discardLogger(), cfg); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := fc.recordedCompletions(); len(got) != 1 || got[0] != string(domain.JobStateSucceeded) {
		t.Fatalf("completions: %v", got)
	}

	reports := fc.recordedReports()
	if len(reports) != 3 {
		t.Fatalf("expected 3 step reports, got %d", len(reports))
	}
	for _, report := range reports {
		if report.Outcome != string(domain.StepOutcomeSucceeded) {
			t.Fatalf("report: %+v", report)
		}
	}

	body, ok := fc.uploadedBytes("lenskit-0.14.4-py311_0.tar.bz2")
	if !ok || string(body) != "package-bytes" {
		t.Fatalf("package upload: ok=%v body=%q", ok, body)
	}
	logBody, ok := fc.uploadedBytes(jobLogFilename)
	if !ok || len(logBody) == 0 {
		t.Fatalf("job log upload missing")
	}

	// A clean run leaves no scratch directory behind.
	workDir := filepath.Join(cfg.WorkRoot, runtimeexec.ContainerName("job-run"))
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatalf("workdir not cleaned up: %v", err)
	}
}

func TestRunReportsFailureAndKeepsWorkdir(t *testing.T) {
	jobPlan := basePlan("b-runfail")
	jobPlan.Steps = []domain.PlanStep{
		{Name: "build", Kind: domain.StepKindCommand, Commands: [][]string{{"sh", "-c", "exit 9"}}},
		{Name: "collect", Kind: domain.StepKindCollect},
	}

	fc := newFakeCoordinator(t, "job-runfail", "b-runfail", jobPlan)
	cfg := testWorkerConfig("job-runfail", fc)
	cfg.WorkRoot = t.TempDir()

	if err := run(context.Background(), discardLogger(), cfg); err == nil {
		t.Fatalf("expected run to fail")
	}

	if got := fc.recordedCompletions(); len(got) != 1 || got[0] != string(domain.JobStateFailed) {
		t.Fatalf("completions: %v", got)
	}
	if _, ok := fc.uploadedBytes(jobLogFilename); !ok {
		t.Fatalf("failed run should still upload its log")
	}

	workDir := filepath.Join(cfg.WorkRoot, runtimeexec.ContainerName("job-runfail"))
	if _, err := os.Stat(workDir); err != nil {
		t.Fatalf("failed run should keep its workdir: %v", err)
	}
}
