package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/repo"
)

type WorkflowStore struct {
	db DB
}

const (
	workflowColumns = `workflow_id, name, version, spec_hash, raw_spec, active, created_at, created_by`

	insertWorkflowQuery = `INSERT INTO workflows (
		workflow_id,
		name,
		version,
		spec_hash,
		raw_spec,
		active,
		created_at,
		created_by
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	selectWorkflowQuery = `SELECT ` + workflowColumns + `
	 FROM workflows
	 WHERE workflow_id = $1`

	selectActiveWorkflowByNameQuery = `SELECT ` + workflowColumns + `
	 FROM workflows
	 WHERE name = $1 AND active
	 ORDER BY version DESC
	 LIMIT 1`

	listWorkflowVersionsQuery = `SELECT ` + workflowColumns + `
	 FROM workflows
	 WHERE name = $1
	 ORDER BY version DESC`

	nextWorkflowVersionQuery = `SELECT COALESCE(MAX(version), 0) + 1
	 FROM workflows
	 WHERE name = $1`

	deactivateOlderVersionsQuery = `UPDATE workflows
	 SET active = FALSE
	 WHERE name = $1 AND version <> $2 AND active`
)

func NewWorkflowStore(db DB) *WorkflowStore {
	if db == nil {
		return nil
	}
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) CreateWorkflow(ctx context.Context, workflow domain.Workflow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow store not initialized")
	}
	if err := workflow.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertWorkflowQuery,
		strings.TrimSpace(workflow.ID),
		strings.TrimSpace(workflow.Name),
		workflow.Version,
		strings.TrimSpace(workflow.SpecHash),
		workflow.RawSpec,
		workflow.Active,
		normalizeTime(workflow.CreatedAt),
		nullIfEmpty(workflow.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	if s == nil || s.db == nil {
		return domain.Workflow{}, fmt.Errorf("workflow store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Workflow{}, fmt.Errorf("workflow id is required")
	}
	row := s.db.QueryRowContext(ctx, selectWorkflowQuery, id)
	return scanWorkflow(row)
}

func (s *WorkflowStore) GetActiveWorkflowByName(ctx context.Context, name string) (domain.Workflow, error) {
	if s == nil || s.db == nil {
		return domain.Workflow{}, fmt.Errorf("workflow store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Workflow{}, fmt.Errorf("workflow name is required")
	}
	row := s.db.QueryRowContext(ctx, selectActiveWorkflowByNameQuery, name)
	return scanWorkflow(row)
}

func (s *WorkflowStore) ListWorkflows(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("workflow store not initialized")
	}
	query, args := buildWorkflowListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	workflows := make([]domain.Workflow, 0)
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, workflow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return workflows, nil
}

func (s *WorkflowStore) ListWorkflowVersions(ctx context.Context, name string) ([]domain.Workflow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("workflow store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	rows, err := s.db.QueryContext(ctx, listWorkflowVersionsQuery, name)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	defer rows.Close()

	workflows := make([]domain.Workflow, 0)
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, workflow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	return workflows, nil
}

func (s *WorkflowStore) NextWorkflowVersion(ctx context.Context, name string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("workflow store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("workflow name is required")
	}
	var next int64
	if err := s.db.QueryRowContext(ctx, nextWorkflowVersionQuery, name).Scan(&next); err != nil {
		return 0, fmt.Errorf("next workflow version: %w", err)
	}
	return next, nil
}

func (s *WorkflowStore) DeactivateOlderVersions(ctx context.Context, name string, keepVersion int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if keepVersion < 1 {
		return fmt.Errorf("keep version must be >= 1")
	}
	if _, err := s.db.ExecContext(ctx, deactivateOlderVersionsQuery, name, keepVersion); err != nil {
		return fmt.Errorf("deactivate workflow versions: %w", err)
	}
	return nil
}

func buildWorkflowListQuery(filter repo.WorkflowFilter) (string, []any) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if name := strings.TrimSpace(filter.Name); name != "" {
		args = append(args, name)
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "active")
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY name ASC, version DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(scanner rowScanner) (domain.Workflow, error) {
	var workflow domain.Workflow
	var createdBy sql.NullString
	if err := scanner.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Version,
		&workflow.SpecHash,
		&workflow.RawSpec,
		&workflow.Active,
		&workflow.CreatedAt,
		&createdBy,
	); err != nil {
		return domain.Workflow{}, handleNotFound(err)
	}
	workflow.CreatedBy = strings.TrimSpace(createdBy.String)
	return workflow, nil
}
