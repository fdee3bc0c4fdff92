package builds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/execution/plan"
	"github.com/kilnlabs/kiln-go/internal/execution/state"
	"github.com/kilnlabs/kiln-go/internal/platform/auditlog"
	"github.com/kilnlabs/kiln-go/internal/repo"
	"github.com/kilnlabs/kiln-go/internal/workflow"
)

// ErrBuildTerminal is returned when a lifecycle operation targets a build
// that already reached a terminal state.
var ErrBuildTerminal = errors.New("build is already terminal")

// AuditContext captures request identity details for audit logging.
type AuditContext struct {
	Actor     string
	RequestID string
	IP        net.IP
	UserAgent string
	Path      string
	Service   string
}

// CreateBuildInput describes a manual trigger: a registered workflow name
// plus the ref to build. CommitSHA pins the checkout; with only a branch
// the worker builds its current head.
type CreateBuildInput struct {
	WorkflowName string
	Branch       string
	CommitSHA    string
}

// Service coordinates build creation, cancelation, and state folding.
type Service struct {
	workflows repo.WorkflowRepository
	builds    repo.BuildRepository
	jobs      repo.JobRepository
	pushes    repo.PushEventRepository
	audit     auditlog.Appender
	now       func() time.Time
	newID     func() string
}

func NewService(workflows repo.WorkflowRepository, builds repo.BuildRepository, jobs repo.JobRepository, pushes repo.PushEventRepository, audit auditlog.Appender) (*Service, error) {
	if workflows == nil {
		return nil, errors.New("workflow repository is required")
	}
	if builds == nil {
		return nil, errors.New("build repository is required")
	}
	if jobs == nil {
		return nil, errors.New("job repository is required")
	}
	if pushes == nil {
		return nil, errors.New("push event repository is required")
	}
	return &Service{
		workflows: workflows,
		builds:    builds,
		jobs:      jobs,
		pushes:    pushes,
		audit:     audit,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// CreateFromPush records the delivery and expands every matching active
// workflow into one build. The returned flag is false when the delivery was
// already recorded; the builds from the first delivery are returned instead.
func (s *Service) CreateFromPush(ctx context.Context, event domain.PushEvent, auditCtx AuditContext) ([]domain.Build, bool, error) {
	if s == nil || s.builds == nil {
		return nil, false, errors.New("build service not initialized")
	}
	branch := strings.TrimSpace(event.Branch)
	if branch == "" {
		extracted, ok := domain.BranchFromRef(event.Ref)
		if !ok {
			return nil, false, errors.New("push ref is not a branch")
		}
		branch = extracted
	}
	event.Branch = branch
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.now().UTC()
	}
	if err := event.Validate(); err != nil {
		return nil, false, err
	}

	inserted, err := s.pushes.RecordPushEvent(ctx, event)
	if err != nil {
		return nil, false, fmt.Errorf("record push event: %w", err)
	}
	if !inserted {
		existing, err := s.builds.ListBuildsByDelivery(ctx, event.DeliveryID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	active, err := s.workflows.ListWorkflows(ctx, repo.WorkflowFilter{ActiveOnly: true})
	if err != nil {
		return nil, false, err
	}

	var created []domain.Build
	for _, wf := range active {
		spec, err := workflow.ParseSpec(wf.RawSpec)
		if err != nil {
			// A stored spec that no longer parses must not block other workflows.
			continue
		}
		if !spec.MatchesPush(event.Repo, branch) && !spec.MatchesPush(event.FullName, branch) {
			continue
		}
		build, err := s.createBuild(ctx, wf, spec, buildTrigger{
			Repo:       event.Repo,
			Branch:     branch,
			Ref:        event.Ref,
			CommitSHA:  event.HeadCommit,
			DeliveryID: event.DeliveryID,
		}, auditCtx)
		if err != nil {
			return created, true, err
		}
		created = append(created, build)
	}
	return created, true, nil
}

// CreateManual triggers a build of the active workflow version at a ref.
func (s *Service) CreateManual(ctx context.Context, input CreateBuildInput, auditCtx AuditContext) (domain.Build, error) {
	if s == nil || s.builds == nil {
		return domain.Build{}, errors.New("build service not initialized")
	}
	name := strings.TrimSpace(input.WorkflowName)
	if name == "" {
		return domain.Build{}, errors.New("workflow name is required")
	}
	branch := strings.TrimSpace(input.Branch)
	commit := strings.TrimSpace(input.CommitSHA)
	if branch == "" && commit == "" {
		return domain.Build{}, errors.New("branch or commit sha is required")
	}

	wf, err := s.workflows.GetActiveWorkflowByName(ctx, name)
	if err != nil {
		return domain.Build{}, err
	}
	spec, err := workflow.ParseSpec(wf.RawSpec)
	if err != nil {
		return domain.Build{}, fmt.Errorf("stored spec %s v%d: %w", wf.Name, wf.Version, err)
	}

	ref := ""
	if branch != "" {
		ref = "refs/heads/" + branch
	}
	return s.createBuild(ctx, wf, spec, buildTrigger{
		Repo:      spec.Trigger.Repo,
		Branch:    branch,
		Ref:       ref,
		CommitSHA: commit,
	}, auditCtx)
}

// CancelBuild cancels the jobs that have not started. Dispatched and
// running jobs finish on their own; the scheduler folds the final state
// once they do.
func (s *Service) CancelBuild(ctx context.Context, buildID string, auditCtx AuditContext) (domain.Build, []string, error) {
	if s == nil || s.builds == nil {
		return domain.Build{}, nil, errors.New("build service not initialized")
	}
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return domain.Build{}, nil, errors.New("build id is required")
	}
	build, err := s.builds.GetBuild(ctx, buildID)
	if err != nil {
		return domain.Build{}, nil, err
	}
	if domain.IsTerminalBuildState(build.Status) {
		return build, nil, ErrBuildTerminal
	}

	canceled, err := s.jobs.CancelQueuedJobsByBuild(ctx, buildID, domain.JobStateCanceled)
	if err != nil {
		return build, nil, err
	}

	updated, _, _, err := s.Recompute(ctx, buildID, auditCtx)
	if err != nil {
		return build, canceled, err
	}

	s.appendAudit(ctx, auditCtx, "build.cancel", updated, map[string]any{
		"canceled_jobs": len(canceled),
	})
	return updated, canceled, nil
}

// Recompute folds current job states into the build record and returns the
// refreshed build plus the previous and derived states. Transitions append
// one audit event each; repeat folds are silent.
func (s *Service) Recompute(ctx context.Context, buildID string, auditCtx AuditContext) (domain.Build, domain.BuildState, domain.BuildState, error) {
	if s == nil || s.builds == nil {
		return domain.Build{}, "", "", errors.New("build service not initialized")
	}
	build, err := s.builds.GetBuild(ctx, buildID)
	if err != nil {
		return domain.Build{}, "", "", err
	}
	prev := build.Status
	if prev == "" {
		prev = domain.BuildStateCreated
	}

	jobs, err := s.jobs.ListJobsByBuild(ctx, buildID)
	if err != nil {
		return domain.Build{}, "", "", err
	}
	derived := state.DeriveBuildState(jobs)
	if derived == prev {
		return build, prev, derived, nil
	}
	if !domain.CanTransitionBuildState(prev, derived) {
		// Stale folds arriving after a terminal transition are ignored.
		return build, prev, prev, nil
	}

	now := s.now().UTC()
	var startedAt, endedAt *time.Time
	if derived == domain.BuildStateRunning || domain.IsTerminalBuildState(derived) {
		startedAt = &now
	}
	if domain.IsTerminalBuildState(derived) {
		endedAt = &now
	}
	if err := s.builds.UpdateBuildStatus(ctx, buildID, derived, startedAt, endedAt); err != nil {
		return domain.Build{}, "", "", err
	}
	build.Status = derived
	if build.StartedAt == nil && startedAt != nil {
		build.StartedAt = startedAt
	}
	if build.EndedAt == nil && endedAt != nil {
		build.EndedAt = endedAt
	}

	if action := buildTransitionAction(derived); action != "" {
		s.appendAudit(ctx, auditCtx, action, build, map[string]any{
			"from": string(prev),
			"to":   string(derived),
		})
	}
	return build, prev, derived, nil
}

// FoldJobCompletion recomputes the build after one of its jobs reached a
// terminal state. When the job failed and the build is fail-fast, queued
// siblings move to skipped before the final fold; jobs already dispatched
// or running keep going.
func (s *Service) FoldJobCompletion(ctx context.Context, buildID string, jobFailed bool, auditCtx AuditContext) (domain.Build, error) {
	build, _, _, err := s.Recompute(ctx, buildID, auditCtx)
	if err != nil {
		return domain.Build{}, err
	}
	if !jobFailed || !build.FailFast {
		return build, nil
	}

	skipped, err := s.jobs.CancelQueuedJobsByBuild(ctx, buildID, domain.JobStateSkipped)
	if err != nil {
		return build, err
	}
	if len(skipped) == 0 {
		return build, nil
	}
	s.appendAudit(ctx, auditCtx, "build.fail_fast", build, map[string]any{
		"skipped_jobs": len(skipped),
	})
	updated, _, _, err := s.Recompute(ctx, buildID, auditCtx)
	if err != nil {
		return build, err
	}
	return updated, nil
}

type buildTrigger struct {
	Repo       string
	Branch     string
	Ref        string
	CommitSHA  string
	DeliveryID string
}

func (s *Service) createBuild(ctx context.Context, wf domain.Workflow, spec workflow.Spec, trigger buildTrigger, auditCtx AuditContext) (domain.Build, error) {
	now := s.now().UTC()
	buildID := s.newID()
	actor := strings.TrimSpace(auditCtx.Actor)
	if actor == "" {
		actor = "system"
	}

	integrity, err := buildIntegritySHA256(buildIntegrityInput{
		BuildID:         buildID,
		WorkflowID:      wf.ID,
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		SpecHash:        wf.SpecHash,
		Repo:            strings.TrimSpace(trigger.Repo),
		Branch:          strings.TrimSpace(trigger.Branch),
		Ref:             strings.TrimSpace(trigger.Ref),
		CommitSHA:       strings.TrimSpace(trigger.CommitSHA),
		DeliveryID:      strings.TrimSpace(trigger.DeliveryID),
		FailFast:        spec.FailFast,
		CreatedAt:       now,
		CreatedBy:       actor,
	})
	if err != nil {
		return domain.Build{}, fmt.Errorf("integrity: %w", err)
	}

	build := domain.Build{
		ID:              buildID,
		WorkflowID:      wf.ID,
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		SpecHash:        wf.SpecHash,
		Repo:            strings.TrimSpace(trigger.Repo),
		Branch:          strings.TrimSpace(trigger.Branch),
		Ref:             strings.TrimSpace(trigger.Ref),
		CommitSHA:       strings.TrimSpace(trigger.CommitSHA),
		DeliveryID:      strings.TrimSpace(trigger.DeliveryID),
		FailFast:        spec.FailFast,
		Status:          domain.BuildStateCreated,
		CreatedAt:       now,
		CreatedBy:       actor,
		IntegritySHA256: integrity,
	}
	if err := build.Validate(); err != nil {
		return domain.Build{}, err
	}
	if err := s.builds.CreateBuild(ctx, build); err != nil {
		return domain.Build{}, err
	}

	for _, entry := range spec.Matrix {
		jobPlan, err := plan.BuildPlan(spec, build, entry)
		if err != nil {
			return domain.Build{}, fmt.Errorf("plan %s: %w", entry.Platform, err)
		}
		planJSON, err := plan.MarshalJobPlan(jobPlan)
		if err != nil {
			return domain.Build{}, fmt.Errorf("encode plan %s: %w", entry.Platform, err)
		}
		job := domain.BuildJob{
			ID:             s.newID(),
			BuildID:        build.ID,
			Platform:       entry.Platform,
			CondaPlatform:  entry.CondaPlatform,
			Image:          entry.Image,
			Status:         domain.JobStateQueued,
			PlanJSON:       planJSON,
			TimeoutSeconds: jobPlan.HardTimeoutSeconds(),
			QueuedAt:       now,
		}
		if err := job.Validate(); err != nil {
			return domain.Build{}, fmt.Errorf("job %s: %w", entry.Platform, err)
		}
		if err := s.jobs.CreateJob(ctx, job); err != nil {
			return domain.Build{}, fmt.Errorf("enqueue %s: %w", entry.Platform, err)
		}
	}

	// Every matrix entry is queued, so the derived state is planned.
	if err := s.builds.UpdateBuildStatus(ctx, build.ID, domain.BuildStatePlanned, nil, nil); err != nil {
		return domain.Build{}, err
	}
	build.Status = domain.BuildStatePlanned

	s.appendAudit(ctx, auditCtx, "build.create", build, map[string]any{
		"jobs": len(spec.Matrix),
	})
	return build, nil
}

func (s *Service) appendAudit(ctx context.Context, auditCtx AuditContext, action string, build domain.Build, extra map[string]any) {
	if s.audit == nil {
		return
	}
	payload := map[string]any{
		"service":          strings.TrimSpace(auditCtx.Service),
		"build_id":         build.ID,
		"workflow_id":      build.WorkflowID,
		"workflow_name":    build.WorkflowName,
		"workflow_version": build.WorkflowVersion,
		"spec_hash":        build.SpecHash,
		"repo":             build.Repo,
		"branch":           build.Branch,
		"commit_sha":       build.CommitSHA,
		"status":           string(build.Status),
	}
	if strings.TrimSpace(build.DeliveryID) != "" {
		payload["delivery_id"] = build.DeliveryID
	}
	for k, v := range extra {
		payload[k] = v
	}
	actor := strings.TrimSpace(auditCtx.Actor)
	if actor == "" {
		actor = "system"
	}
	_ = s.audit.Append(ctx, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "build",
		ResourceID:   build.ID,
		RequestID:    auditCtx.RequestID,
		IP:           auditCtx.IP,
		UserAgent:    auditCtx.UserAgent,
		Payload:      payload,
	})
}

func buildTransitionAction(to domain.BuildState) string {
	switch to {
	case domain.BuildStateRunning:
		return "build.started"
	case domain.BuildStateSucceeded:
		return "build.succeeded"
	case domain.BuildStateFailed:
		return "build.failed"
	case domain.BuildStateCanceled:
		return "build.canceled"
	default:
		return ""
	}
}
