package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/platform/auditlog"
	"github.com/kilnlabs/kiln-go/internal/platform/auth"
	"github.com/kilnlabs/kiln-go/internal/repo"
	"github.com/kilnlabs/kiln-go/internal/runtimeexec"
	"github.com/kilnlabs/kiln-go/internal/service/builds"
)

type schedulerConfig struct {
	Interval            time.Duration
	Batch               int
	DispatchMaxAttempts int
	StaleAfter          time.Duration
	CoordinatorURL      string
	JobTokenSecret      string
	JobTokenTTL         time.Duration
}

type scheduler struct {
	logger   *slog.Logger
	jobs     repo.JobRepository
	builds   *builds.Service
	executor runtimeexec.Executor
	audit    auditlog.Appender
	cfg      schedulerConfig
	now      func() time.Time
}

func startScheduler(ctx context.Context, logger *slog.Logger, jobs repo.JobRepository, buildSvc *builds.Service, executor runtimeexec.Executor, audit auditlog.Appender, cfg schedulerConfig) {
	if jobs == nil || buildSvc == nil || executor == nil {
		return
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 25
	}
	if cfg.DispatchMaxAttempts <= 0 {
		cfg.DispatchMaxAttempts = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.JobTokenTTL <= 0 {
		cfg.JobTokenTTL = 4 * time.Hour
	}
	s := &scheduler{
		logger:   logger,
		jobs:     jobs,
		builds:   buildSvc,
		executor: executor,
		audit:    audit,
		cfg:      cfg,
		now:      time.Now,
	}

	go s.run(ctx)
}

func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *scheduler) syncOnce(ctx context.Context) {
	s.dispatchQueued(ctx)
	s.syncActive(ctx)
}

func (s *scheduler) dispatchQueued(ctx context.Context) {
	claimed, err := s.jobs.ClaimQueuedJobs(ctx, s.cfg.Batch)
	if err != nil {
		s.log("claim queued jobs failed", "error", err)
		return
	}
	for _, job := range claimed {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, job)
	}
}

func (s *scheduler) dispatch(ctx context.Context, job domain.BuildJob) {
	now := s.now().UTC()
	token, err := auth.GenerateJobToken(s.cfg.JobTokenSecret, auth.JobTokenClaims{
		JobID:         job.ID,
		BuildID:       job.BuildID,
		IssuedAtUnix:  now.Unix(),
		ExpiresAtUnix: now.Add(s.cfg.JobTokenTTL).Unix(),
	}, now)
	if err != nil {
		s.log("mint job token failed", "job_id", job.ID, "error", err)
		s.requeueOrFail(ctx, job, "token_mint_failed")
		return
	}

	ref, err := s.executor.Submit(ctx, runtimeexec.JobSpec{
		JobID:          job.ID,
		BuildID:        job.BuildID,
		Image:          job.Image,
		Platform:       job.Platform,
		CondaPlatform:  job.CondaPlatform,
		CoordinatorURL: s.cfg.CoordinatorURL,
		Token:          token,
		TimeoutSeconds: job.TimeoutSeconds,
	})
	if err != nil {
		s.log("submit job failed", "job_id", job.ID, "executor", s.executor.Kind(), "error", err)
		s.requeueOrFail(ctx, job, "submit_failed")
		return
	}

	if err := s.jobs.SetJobExecutor(ctx, job.ID, ref.Kind, ref.Value); err != nil {
		// The job keeps running; the stale sweep picks it up if the ref
		// never lands.
		s.log("record executor ref failed", "job_id", job.ID, "error", err)
	}
}

// requeueOrFail puts a dispatched job back in the queue, or fails it once
// the claim that just happened exhausted the attempt budget.
func (s *scheduler) requeueOrFail(ctx context.Context, job domain.BuildJob, reason string) {
	if job.DispatchAttempts >= s.cfg.DispatchMaxAttempts {
		s.markTerminal(ctx, job, domain.JobStateFailed, "job.dispatch_failed", map[string]any{
			"reason":            reason,
			"dispatch_attempts": job.DispatchAttempts,
		})
		return
	}
	if err := s.jobs.RequeueJob(ctx, job.ID); err != nil {
		s.log("requeue job failed", "job_id", job.ID, "error", err)
		return
	}
	s.appendAudit(ctx, "job.requeue", job, map[string]any{
		"reason":            reason,
		"dispatch_attempts": job.DispatchAttempts,
	})
}

func (s *scheduler) markTerminal(ctx context.Context, job domain.BuildJob, status domain.JobState, action string, extra map[string]any) {
	now := s.now().UTC()
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, status, nil, &now); err != nil {
		s.log("update job status failed", "job_id", job.ID, "status", string(status), "error", err)
		return
	}
	s.appendAudit(ctx, action, job, extra)

	auditCtx := builds.AuditContext{Actor: "scheduler", Service: "buildd"}
	if _, err := s.builds.FoldJobCompletion(ctx, job.BuildID, status == domain.JobStateFailed, auditCtx); err != nil {
		s.log("fold job completion failed", "job_id", job.ID, "build_id", job.BuildID, "error", err)
	}
}

func (s *scheduler) syncActive(ctx context.Context) {
	active, err := s.jobs.ListJobsInStates(ctx, domain.JobStateDispatched, domain.JobStateRunning)
	if err != nil {
		s.log("list active jobs failed", "error", err)
		return
	}
	for _, job := range active {
		if ctx.Err() != nil {
			return
		}
		s.syncJob(ctx, job)
	}
}

func (s *scheduler) syncJob(ctx context.Context, job domain.BuildJob) {
	now := s.now().UTC()

	// The timeout clock starts when the job starts, or at dispatch when no
	// start was ever observed.
	if job.TimeoutSeconds > 0 {
		started := job.StartedAt
		if started == nil {
			started = job.DispatchedAt
		}
		if started != nil && now.Sub(*started) > time.Duration(job.TimeoutSeconds)*time.Second {
			if job.ExecutorRef != "" {
				ref := runtimeexec.Ref{Kind: job.ExecutorKind, Value: job.ExecutorRef}
				if err := s.executor.Cancel(ctx, ref); err != nil {
					s.log("cancel timed out job failed", "job_id", job.ID, "error", err)
				}
			}
			s.markTerminal(ctx, job, domain.JobStateFailed, "job.timeout", map[string]any{
				"timeout_seconds": job.TimeoutSeconds,
			})
			return
		}
	}

	if job.ExecutorRef == "" {
		// Submit never finished recording its ref. Give it the stale window
		// before sending the job back.
		if job.DispatchedAt != nil && now.Sub(*job.DispatchedAt) > s.cfg.StaleAfter {
			s.requeueOrFail(ctx, job, "dispatch_stale")
		}
		return
	}
	if job.ExecutorKind != "" && job.ExecutorKind != s.executor.Kind() {
		return
	}

	obs, err := s.executor.Inspect(ctx, runtimeexec.Ref{Kind: job.ExecutorKind, Value: job.ExecutorRef})
	if err != nil {
		s.log("inspect job failed", "job_id", job.ID, "error", err)
		return
	}

	switch obs.Status {
	case runtimeexec.ObservationPending:
		return
	case runtimeexec.ObservationRunning:
		if job.Status != domain.JobStateDispatched {
			return
		}
		if err := s.jobs.UpdateJobStatus(ctx, job.ID, domain.JobStateRunning, &now, nil); err != nil {
			s.log("mark job running failed", "job_id", job.ID, "error", err)
		}
	case runtimeexec.ObservationSucceeded:
		// Workers report their own completion; this is the backstop for a
		// worker that exited without the final call.
		s.markTerminal(ctx, job, domain.JobStateSucceeded, "job.succeeded", observationExtra(obs))
	case runtimeexec.ObservationFailed:
		s.markTerminal(ctx, job, domain.JobStateFailed, "job.failed", observationExtra(obs))
	case runtimeexec.ObservationGone:
		s.requeueOrFail(ctx, job, "executor_gone")
	default:
		s.log("unexpected observation", "job_id", job.ID, "status", string(obs.Status))
	}
}

func observationExtra(obs runtimeexec.Observation) map[string]any {
	extra := map[string]any{"source": "executor"}
	if obs.Message != "" {
		extra["message"] = obs.Message
	}
	if obs.ExitCode != nil {
		extra["exit_code"] = *obs.ExitCode
	}
	return extra
}

func (s *scheduler) appendAudit(ctx context.Context, action string, job domain.BuildJob, extra map[string]any) {
	if s.audit == nil {
		return
	}
	payload := map[string]any{
		"service":  "buildd",
		"job_id":   job.ID,
		"build_id": job.BuildID,
		"platform": job.Platform,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_ = s.audit.Append(ctx, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		Actor:        "scheduler",
		Action:       action,
		ResourceType: "build_job",
		ResourceID:   job.ID,
		Payload:      payload,
	})
}

func (s *scheduler) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	fields := []any{"component", "scheduler"}
	fields = append(fields, attrs...)
	if len(attrs) >= 2 {
		var err error
		for i := 0; i+1 < len(attrs); i += 2 {
			key, ok := attrs[i].(string)
			if !ok || key != "error" {
				continue
			}
			switch v := attrs[i+1].(type) {
			case error:
				err = v
			}
		}
		if err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
	s.logger.Warn(msg, fields...)
}
