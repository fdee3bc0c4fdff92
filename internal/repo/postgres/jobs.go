package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/repo"
)

type JobStore struct {
	db DB
}

const (
	jobColumns = `job_id, build_id, platform, conda_platform, image, status, executor_kind, executor_ref,
	plan, dispatch_attempts, timeout_seconds, queued_at, dispatched_at, started_at, ended_at`

	insertJobQuery = `INSERT INTO build_jobs (
		job_id,
		build_id,
		platform,
		conda_platform,
		image,
		status,
		executor_kind,
		executor_ref,
		plan,
		dispatch_attempts,
		timeout_seconds,
		queued_at,
		dispatched_at,
		started_at,
		ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	selectJobQuery = `SELECT ` + jobColumns + `
	 FROM build_jobs
	 WHERE job_id = $1`

	listJobsByBuildQuery = `SELECT ` + jobColumns + `
	 FROM build_jobs
	 WHERE build_id = $1
	 ORDER BY platform ASC`

	// claimQueuedJobsQuery leases queued jobs oldest-first. SKIP LOCKED keeps
	// concurrent schedulers from fighting over the same rows.
	claimQueuedJobsQuery = `UPDATE build_jobs
	 SET status = 'dispatched',
	     dispatched_at = NOW(),
	     dispatch_attempts = dispatch_attempts + 1
	 WHERE job_id IN (
		SELECT job_id FROM build_jobs
		WHERE status = 'queued'
		ORDER BY queued_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	 )
	 RETURNING ` + jobColumns

	setJobExecutorQuery = `UPDATE build_jobs
	 SET executor_kind = $1, executor_ref = $2
	 WHERE job_id = $3`

	updateJobStatusQuery = `UPDATE build_jobs
	 SET status = $1,
	     started_at = COALESCE(started_at, $2),
	     ended_at = COALESCE(ended_at, $3)
	 WHERE job_id = $4`

	requeueJobQuery = `UPDATE build_jobs
	 SET status = 'queued', executor_ref = NULL, dispatched_at = NULL
	 WHERE job_id = $1 AND status = 'dispatched'`

	cancelQueuedJobsByBuildQuery = `UPDATE build_jobs
	 SET status = $2, ended_at = NOW()
	 WHERE build_id = $1 AND status = 'queued'
	 RETURNING job_id`
)

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.BuildJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertJobQuery,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.BuildID),
		strings.TrimSpace(job.Platform),
		strings.TrimSpace(job.CondaPlatform),
		strings.TrimSpace(job.Image),
		string(job.Status),
		nullIfEmpty(job.ExecutorKind),
		nullIfEmpty(job.ExecutorRef),
		job.PlanJSON,
		job.DispatchAttempts,
		job.TimeoutSeconds,
		normalizeTime(job.QueuedAt),
		nullTime(job.DispatchedAt),
		nullTime(job.StartedAt),
		nullTime(job.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (domain.BuildJob, error) {
	if s == nil || s.db == nil {
		return domain.BuildJob{}, fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.BuildJob{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(ctx, selectJobQuery, id)
	return scanJob(row)
}

func (s *JobStore) ListJobsByBuild(ctx context.Context, buildID string) ([]domain.BuildJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return nil, fmt.Errorf("build id is required")
	}
	rows, err := s.db.QueryContext(ctx, listJobsByBuildQuery, buildID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows, "list jobs")
}

func (s *JobStore) ListJobsInStates(ctx context.Context, states ...domain.JobState) ([]domain.BuildJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("at least one state is required")
	}
	placeholders := make([]string, 0, len(states))
	args := make([]any, 0, len(states))
	for _, state := range states {
		if domain.NormalizeJobState(string(state)) == "" {
			return nil, fmt.Errorf("job state %q is not valid", state)
		}
		args = append(args, string(state))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM build_jobs WHERE status IN (` +
		strings.Join(placeholders, ",") + `) ORDER BY queued_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs in states: %w", err)
	}
	return collectJobs(rows, "list jobs in states")
}

func (s *JobStore) ClaimQueuedJobs(ctx context.Context, limit int) ([]domain.BuildJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	if limit < 1 {
		return nil, fmt.Errorf("limit must be >= 1")
	}
	rows, err := s.db.QueryContext(ctx, claimQueuedJobsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queued jobs: %w", err)
	}
	return collectJobs(rows, "claim queued jobs")
}

func (s *JobStore) SetJobExecutor(ctx context.Context, id, executorKind, executorRef string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(executorKind) == "" {
		return fmt.Errorf("executor kind is required")
	}
	res, err := s.db.ExecContext(ctx, setJobExecutorQuery, strings.TrimSpace(executorKind), nullIfEmpty(executorRef), id)
	if err != nil {
		return fmt.Errorf("set job executor: %w", err)
	}
	return requireRowAffected(res, "set job executor")
}

func (s *JobStore) UpdateJobStatus(ctx context.Context, id string, status domain.JobState, startedAt, endedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if domain.NormalizeJobState(string(status)) == "" {
		return fmt.Errorf("job status %q is not valid", status)
	}
	res, err := s.db.ExecContext(ctx, updateJobStatusQuery, string(status), nullTime(startedAt), nullTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireRowAffected(res, "update job status")
}

func (s *JobStore) RequeueJob(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	res, err := s.db.ExecContext(ctx, requeueJobQuery, id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return requireRowAffected(res, "requeue job")
}

func (s *JobStore) CancelQueuedJobsByBuild(ctx context.Context, buildID string, to domain.JobState) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return nil, fmt.Errorf("build id is required")
	}
	if to != domain.JobStateCanceled && to != domain.JobStateSkipped {
		return nil, fmt.Errorf("queued jobs can only move to canceled or skipped, not %q", to)
	}
	rows, err := s.db.QueryContext(ctx, cancelQueuedJobsByBuildQuery, buildID, string(to))
	if err != nil {
		return nil, fmt.Errorf("cancel queued jobs: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan canceled job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cancel queued jobs: %w", err)
	}
	return ids, nil
}

func requireRowAffected(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func collectJobs(rows *sql.Rows, op string) ([]domain.BuildJob, error) {
	defer rows.Close()

	jobs := make([]domain.BuildJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

func scanJob(scanner rowScanner) (domain.BuildJob, error) {
	var job domain.BuildJob
	var status string
	var executorKind sql.NullString
	var executorRef sql.NullString
	var dispatchedAt sql.NullTime
	var startedAt sql.NullTime
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&job.ID,
		&job.BuildID,
		&job.Platform,
		&job.CondaPlatform,
		&job.Image,
		&status,
		&executorKind,
		&executorRef,
		&job.PlanJSON,
		&job.DispatchAttempts,
		&job.TimeoutSeconds,
		&job.QueuedAt,
		&dispatchedAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return domain.BuildJob{}, handleNotFound(err)
	}
	job.Status = domain.NormalizeJobState(status)
	job.ExecutorKind = strings.TrimSpace(executorKind.String)
	job.ExecutorRef = strings.TrimSpace(executorRef.String)
	if dispatchedAt.Valid {
		dispatched := dispatchedAt.Time.UTC()
		job.DispatchedAt = &dispatched
	}
	if startedAt.Valid {
		started := startedAt.Time.UTC()
		job.StartedAt = &started
	}
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		job.EndedAt = &ended
	}
	return job, nil
}
