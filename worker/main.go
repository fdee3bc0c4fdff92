package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/platform/env"
	"github.com/kilnlabs/kiln-go/internal/runtimeexec"
)

type workerConfig struct {
	JobID          string
	Token          string
	CoordinatorURL string
	WorkRoot       string
	GitBin         string
	CondaBin       string
	KeepWorkDir    bool
}

func configFromEnv() (workerConfig, error) {
	cfg := workerConfig{
		JobID:          strings.TrimSpace(env.String(runtimeexec.EnvJobID, "")),
		Token:          strings.TrimSpace(env.String(runtimeexec.EnvJobToken, "")),
		CoordinatorURL: strings.TrimSpace(env.String(runtimeexec.EnvCoordinatorURL, "")),
		WorkRoot:       strings.TrimSpace(env.String("KILN_WORKER_WORK_DIR", "")),
		GitBin:         strings.TrimSpace(env.String("KILN_WORKER_GIT_BIN", "git")),
		CondaBin:       strings.TrimSpace(env.String("KILN_WORKER_CONDA_BIN", "conda")),
	}
	keep, err := env.Bool("KILN_WORKER_KEEP_WORK_DIR", false)
	if err != nil {
		return workerConfig{}, err
	}
	cfg.KeepWorkDir = keep

	if cfg.JobID == "" {
		return workerConfig{}, fmt.Errorf("%s is required", runtimeexec.EnvJobID)
	}
	if cfg.Token == "" {
		return workerConfig{}, fmt.Errorf("%s is required", runtimeexec.EnvJobToken)
	}
	if cfg.CoordinatorURL == "" {
		return workerConfig{}, fmt.Errorf("%s is required", runtimeexec.EnvCoordinatorURL)
	}
	return cfg, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("invalid worker config", "error", err)
		os.Exit(2)
	}

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("job failed", "job_id", cfg.JobID, "error", err)
		os.Exit(1)
	}
	logger.Info("job succeeded", "job_id", cfg.JobID)
}

func run(ctx context.Context, logger *slog.Logger, cfg workerConfig) error {
	client := newCoordinatorClient(cfg.CoordinatorURL, cfg.Token)

	job, jobPlan, err := client.fetchJob(ctx, cfg.JobID)
	if err != nil {
		return fmt.Errorf("fetch job: %w", err)
	}
	logger.Info("job fetched",
		"job_id", job.JobID,
		"build_id", job.BuildID,
		"platform", jobPlan.Platform,
		"conda_platform", jobPlan.CondaPlatform,
		"steps", len(jobPlan.Steps),
		"spec_hash", job.SpecHash,
	)

	workDir, err := prepareWorkDir(cfg.WorkRoot, cfg.JobID)
	if err != nil {
		return fmt.Errorf("prepare workdir: %w", err)
	}
	logger.Info("workdir ready", "dir", workDir)

	p := newPipeline(logger, client, cfg, jobPlan, workDir)
	pipelineErr := p.run(ctx)

	// The job log goes up even when the run was canceled, on a fresh
	// context with its own deadline.
	logCtx, cancelLog := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := p.uploadJobLog(logCtx); err != nil {
		logger.Warn("job log upload failed", "job_id", job.JobID, "error", err)
	}
	cancelLog()

	status := domain.JobStateSucceeded
	if pipelineErr != nil {
		status = domain.JobStateFailed
	}
	completeCtx, cancelComplete := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelComplete()
	if err := client.completeJob(completeCtx, job.JobID, string(status)); err != nil {
		// The scheduler's executor sweep is the backstop when this call
		// never lands.
		logger.Warn("completion call failed", "job_id", job.JobID, "error", err)
	}

	cleanupWorkDir(logger, workDir, pipelineErr == nil && !cfg.KeepWorkDir)
	return pipelineErr
}

// prepareWorkDir creates the deterministic scratch directory for a job,
// clearing leftovers from an earlier attempt so git clone lands in an
// empty tree.
func prepareWorkDir(root, jobID string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, runtimeexec.ContainerName(jobID))
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// cleanupWorkDir removes the scratch tree after a clean run. Failed runs
// keep theirs around for debugging; the host's temp cleanup owns them
// afterwards.
func cleanupWorkDir(logger *slog.Logger, dir string, remove bool) {
	if !remove {
		logger.Info("keeping workdir", "dir", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("workdir cleanup failed", "dir", dir, "error", err)
	}
}
