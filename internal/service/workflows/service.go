// Package workflows registers immutable workflow spec versions. A changed
// spec hash gets the next version for its name and retires older active
// versions; re-registering the active spec returns it unchanged.
package workflows

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/platform/auditlog"
	"github.com/kilnlabs/kiln-go/internal/repo"
	"github.com/kilnlabs/kiln-go/internal/workflow"
)

// AuditContext captures request identity details for audit logging.
type AuditContext struct {
	Actor     string
	RequestID string
	IP        net.IP
	UserAgent string
	Service   string
}

// RegisterResult reports the stored version and whether it is new.
type RegisterResult struct {
	Workflow domain.Workflow
	Created  bool
}

type Service struct {
	workflows repo.WorkflowRepository
	audit     auditlog.Appender
	now       func() time.Time
	newID     func() string
}

func NewService(workflows repo.WorkflowRepository, audit auditlog.Appender) (*Service, error) {
	if workflows == nil {
		return nil, errors.New("workflow repository is required")
	}
	return &Service{
		workflows: workflows,
		audit:     audit,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Register parses and validates a raw spec document and stores it as the
// next active version of its name.
func (s *Service) Register(ctx context.Context, rawSpec []byte, auditCtx AuditContext) (RegisterResult, error) {
	if s == nil || s.workflows == nil {
		return RegisterResult{}, errors.New("workflow service not initialized")
	}
	spec, err := workflow.ParseSpec(rawSpec)
	if err != nil {
		return RegisterResult{}, err
	}
	hash, err := spec.SpecHash()
	if err != nil {
		return RegisterResult{}, err
	}

	existing, err := s.workflows.GetActiveWorkflowByName(ctx, spec.Name)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return RegisterResult{}, err
	}
	if err == nil && existing.SpecHash == hash {
		return RegisterResult{Workflow: existing, Created: false}, nil
	}

	version, err := s.workflows.NextWorkflowVersion(ctx, spec.Name)
	if err != nil {
		return RegisterResult{}, err
	}

	actor := strings.TrimSpace(auditCtx.Actor)
	if actor == "" {
		actor = "system"
	}
	wf := domain.Workflow{
		ID:        s.newID(),
		Name:      spec.Name,
		Version:   version,
		SpecHash:  hash,
		RawSpec:   rawSpec,
		Active:    true,
		CreatedAt: s.now().UTC(),
		CreatedBy: actor,
	}
	if err := wf.Validate(); err != nil {
		return RegisterResult{}, err
	}
	if err := s.workflows.CreateWorkflow(ctx, wf); err != nil {
		return RegisterResult{}, err
	}
	if err := s.workflows.DeactivateOlderVersions(ctx, spec.Name, version); err != nil {
		return RegisterResult{}, err
	}

	s.appendAudit(ctx, auditCtx, "workflow.register", wf)
	return RegisterResult{Workflow: wf, Created: true}, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Workflow, error) {
	if s == nil || s.workflows == nil {
		return domain.Workflow{}, errors.New("workflow service not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Workflow{}, errors.New("workflow id is required")
	}
	return s.workflows.GetWorkflow(ctx, id)
}

func (s *Service) List(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error) {
	if s == nil || s.workflows == nil {
		return nil, errors.New("workflow service not initialized")
	}
	return s.workflows.ListWorkflows(ctx, filter)
}

func (s *Service) Versions(ctx context.Context, name string) ([]domain.Workflow, error) {
	if s == nil || s.workflows == nil {
		return nil, errors.New("workflow service not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("workflow name is required")
	}
	return s.workflows.ListWorkflowVersions(ctx, name)
}

func (s *Service) appendAudit(ctx context.Context, auditCtx AuditContext, action string, wf domain.Workflow) {
	if s.audit == nil {
		return
	}
	actor := strings.TrimSpace(auditCtx.Actor)
	if actor == "" {
		actor = "system"
	}
	_ = s.audit.Append(ctx, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "workflow",
		ResourceID:   wf.ID,
		RequestID:    auditCtx.RequestID,
		IP:           auditCtx.IP,
		UserAgent:    auditCtx.UserAgent,
		Payload: map[string]any{
			"service":   strings.TrimSpace(auditCtx.Service),
			"name":      wf.Name,
			"version":   wf.Version,
			"spec_hash": wf.SpecHash,
		},
	})
}
