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

type BuildStore struct {
	db DB
}

const (
	buildColumns = `build_id, workflow_id, workflow_name, workflow_version, spec_hash, repo, branch, ref,
	commit_sha, delivery_id, fail_fast, status, created_at, started_at, ended_at, created_by, integrity_sha256`

	insertBuildQuery = `INSERT INTO builds (
		build_id,
		workflow_id,
		workflow_name,
		workflow_version,
		spec_hash,
		repo,
		branch,
		ref,
		commit_sha,
		delivery_id,
		fail_fast,
		status,
		created_at,
		started_at,
		ended_at,
		created_by,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	selectBuildQuery = `SELECT ` + buildColumns + `
	 FROM builds
	 WHERE build_id = $1`

	listBuildsByDeliveryQuery = `SELECT ` + buildColumns + `
	 FROM builds
	 WHERE delivery_id = $1
	 ORDER BY created_at ASC`

	updateBuildStatusQuery = `UPDATE builds
	 SET status = $1,
	     started_at = COALESCE(started_at, $2),
	     ended_at = COALESCE(ended_at, $3)
	 WHERE build_id = $4`
)

func NewBuildStore(db DB) *BuildStore {
	if db == nil {
		return nil
	}
	return &BuildStore{db: db}
}

func (s *BuildStore) CreateBuild(ctx context.Context, build domain.Build) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("build store not initialized")
	}
	if err := build.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(build.IntegritySHA256); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertBuildQuery,
		strings.TrimSpace(build.ID),
		strings.TrimSpace(build.WorkflowID),
		strings.TrimSpace(build.WorkflowName),
		build.WorkflowVersion,
		strings.TrimSpace(build.SpecHash),
		strings.TrimSpace(build.Repo),
		nullIfEmpty(build.Branch),
		nullIfEmpty(build.Ref),
		strings.TrimSpace(build.CommitSHA),
		nullIfEmpty(build.DeliveryID),
		build.FailFast,
		string(build.Status),
		normalizeTime(build.CreatedAt),
		nullTime(build.StartedAt),
		nullTime(build.EndedAt),
		nullIfEmpty(build.CreatedBy),
		strings.TrimSpace(build.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

func (s *BuildStore) GetBuild(ctx context.Context, id string) (domain.Build, error) {
	if s == nil || s.db == nil {
		return domain.Build{}, fmt.Errorf("build store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Build{}, fmt.Errorf("build id is required")
	}
	row := s.db.QueryRowContext(ctx, selectBuildQuery, id)
	return scanBuild(row)
}

func (s *BuildStore) ListBuilds(ctx context.Context, filter repo.BuildFilter) ([]domain.Build, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("build store not initialized")
	}
	query, args := buildBuildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return builds, nil
}

func (s *BuildStore) ListBuildsByDelivery(ctx context.Context, deliveryID string) ([]domain.Build, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("build store not initialized")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return nil, fmt.Errorf("delivery id is required")
	}
	rows, err := s.db.QueryContext(ctx, listBuildsByDeliveryQuery, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list builds by delivery: %w", err)
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builds by delivery: %w", err)
	}
	return builds, nil
}

func (s *BuildStore) UpdateBuildStatus(ctx context.Context, id string, status domain.BuildState, startedAt, endedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("build store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("build id is required")
	}
	if domain.NormalizeBuildState(string(status)) == "" {
		return fmt.Errorf("build status %q is not valid", status)
	}
	res, err := s.db.ExecContext(ctx, updateBuildStatusQuery, string(status), nullTime(startedAt), nullTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("update build status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update build status: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func buildBuildListQuery(filter repo.BuildFilter) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if workflowID := strings.TrimSpace(filter.WorkflowID); workflowID != "" {
		args = append(args, workflowID)
		clauses = append(clauses, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if repoName := strings.TrimSpace(filter.Repo); repoName != "" {
		args = append(args, repoName)
		clauses = append(clauses, fmt.Sprintf("repo = $%d", len(args)))
	}
	if branch := strings.TrimSpace(filter.Branch); branch != "" {
		args = append(args, branch)
		clauses = append(clauses, fmt.Sprintf("branch = $%d", len(args)))
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		args = append(args, status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + buildColumns + ` FROM builds`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func scanBuild(scanner rowScanner) (domain.Build, error) {
	var build domain.Build
	var branch sql.NullString
	var ref sql.NullString
	var deliveryID sql.NullString
	var createdBy sql.NullString
	var status string
	var startedAt sql.NullTime
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&build.ID,
		&build.WorkflowID,
		&build.WorkflowName,
		&build.WorkflowVersion,
		&build.SpecHash,
		&build.Repo,
		&branch,
		&ref,
		&build.CommitSHA,
		&deliveryID,
		&build.FailFast,
		&status,
		&build.CreatedAt,
		&startedAt,
		&endedAt,
		&createdBy,
		&build.IntegritySHA256,
	); err != nil {
		return domain.Build{}, handleNotFound(err)
	}
	build.Branch = strings.TrimSpace(branch.String)
	build.Ref = strings.TrimSpace(ref.String)
	build.DeliveryID = strings.TrimSpace(deliveryID.String)
	build.CreatedBy = strings.TrimSpace(createdBy.String)
	build.Status = domain.NormalizeBuildState(status)
	if startedAt.Valid {
		started := startedAt.Time.UTC()
		build.StartedAt = &started
	}
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		build.EndedAt = &ended
	}
	return build, nil
}
