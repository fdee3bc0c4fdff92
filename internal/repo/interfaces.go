package repo

import (
	"context"
	"errors"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type WorkflowFilter struct {
	Name       string
	ActiveOnly bool
	Limit      int
}

type BuildFilter struct {
	WorkflowID string
	Repo       string
	Branch     string
	Status     string
	Limit      int
}

type ArtifactFilter struct {
	BuildID string
	JobID   string
	Kind    string
	Limit   int
}

// WorkflowRepository manages immutable workflow versions.
type WorkflowRepository interface {
	CreateWorkflow(ctx context.Context, workflow domain.Workflow) error
	GetWorkflow(ctx context.Context, id string) (domain.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]domain.Workflow, error)
	ListWorkflowVersions(ctx context.Context, name string) ([]domain.Workflow, error)
	GetActiveWorkflowByName(ctx context.Context, name string) (domain.Workflow, error)
	NextWorkflowVersion(ctx context.Context, name string) (int64, error)
	DeactivateOlderVersions(ctx context.Context, name string, keepVersion int64) error
}

// BuildRepository manages build records.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build domain.Build) error
	GetBuild(ctx context.Context, id string) (domain.Build, error)
	ListBuilds(ctx context.Context, filter BuildFilter) ([]domain.Build, error)
	ListBuildsByDelivery(ctx context.Context, deliveryID string) ([]domain.Build, error)
	UpdateBuildStatus(ctx context.Context, id string, status domain.BuildState, startedAt, endedAt *time.Time) error
}

// JobRepository manages per-platform jobs. ClaimQueuedJobs is the
// scheduler's lease: it flips up to limit queued jobs to dispatched in a
// single statement so concurrent coordinators never double-dispatch.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.BuildJob) error
	GetJob(ctx context.Context, id string) (domain.BuildJob, error)
	ListJobsByBuild(ctx context.Context, buildID string) ([]domain.BuildJob, error)
	ListJobsInStates(ctx context.Context, states ...domain.JobState) ([]domain.BuildJob, error)
	ClaimQueuedJobs(ctx context.Context, limit int) ([]domain.BuildJob, error)
	SetJobExecutor(ctx context.Context, id, executorKind, executorRef string) error
	UpdateJobStatus(ctx context.Context, id string, status domain.JobState, startedAt, endedAt *time.Time) error
	RequeueJob(ctx context.Context, id string) error
	CancelQueuedJobsByBuild(ctx context.Context, buildID string, to domain.JobState) ([]string, error)
}

// StepExecutionRepository records worker step attempts idempotently.
type StepExecutionRepository interface {
	InsertAttempt(ctx context.Context, execution domain.StepExecution) (domain.StepExecution, bool, error)
	ListByJob(ctx context.Context, jobID string) ([]domain.StepExecution, error)
}

// ArtifactRepository manages artifact records.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
	GetArtifact(ctx context.Context, id string) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.Artifact, error)
}

// PushEventRepository deduplicates webhook deliveries.
type PushEventRepository interface {
	RecordPushEvent(ctx context.Context, event domain.PushEvent) (bool, error)
	GetPushEvent(ctx context.Context, deliveryID string) (domain.PushEvent, error)
}
