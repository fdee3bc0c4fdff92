package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/repo"
)

type ArtifactStore struct {
	db DB
}

const (
	artifactColumns = `artifact_id, build_id, job_id, kind, filename, subdir, object_key, sha256, size_bytes,
	content_type, metadata, retention_until, created_at, created_by, integrity_sha256`

	insertArtifactQuery = `INSERT INTO artifacts (
		artifact_id,
		build_id,
		job_id,
		kind,
		filename,
		subdir,
		object_key,
		sha256,
		size_bytes,
		content_type,
		metadata,
		retention_until,
		created_at,
		created_by,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	selectArtifactQuery = `SELECT ` + artifactColumns + `
	 FROM artifacts
	 WHERE artifact_id = $1`
)

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(artifact.IntegritySHA256); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertArtifactQuery,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.BuildID),
		strings.TrimSpace(artifact.JobID),
		strings.TrimSpace(artifact.Kind),
		strings.TrimSpace(artifact.Filename),
		nullIfEmpty(artifact.Subdir),
		strings.TrimSpace(artifact.ObjectKey),
		strings.TrimSpace(artifact.SHA256),
		artifact.SizeBytes,
		nullIfEmpty(artifact.ContentType),
		metadataJSON,
		nullTime(artifact.RetentionUntil),
		normalizeTime(artifact.CreatedAt),
		nullIfEmpty(artifact.CreatedBy),
		strings.TrimSpace(artifact.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	if s == nil || s.db == nil {
		return domain.Artifact{}, fmt.Errorf("artifact store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Artifact{}, fmt.Errorf("artifact id is required")
	}
	row := s.db.QueryRowContext(ctx, selectArtifactQuery, id)
	return scanArtifact(row)
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	query, args, err := buildArtifactListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

func buildArtifactListQuery(filter repo.ArtifactFilter) (string, []any, error) {
	if strings.TrimSpace(filter.BuildID) == "" && strings.TrimSpace(filter.JobID) == "" {
		return "", nil, fmt.Errorf("build id or job id is required")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if buildID := strings.TrimSpace(filter.BuildID); buildID != "" {
		args = append(args, buildID)
		clauses = append(clauses, fmt.Sprintf("build_id = $%d", len(args)))
	}
	if jobID := strings.TrimSpace(filter.JobID); jobID != "" {
		args = append(args, jobID)
		clauses = append(clauses, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if kind := strings.TrimSpace(filter.Kind); kind != "" {
		args = append(args, kind)
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}

	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE ` + strings.Join(clauses, " AND ")
	query += " ORDER BY created_at ASC, filename ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args, nil
}

func scanArtifact(scanner rowScanner) (domain.Artifact, error) {
	var artifact domain.Artifact
	var subdir sql.NullString
	var contentType sql.NullString
	var createdBy sql.NullString
	var metadataJSON []byte
	var retentionUntil sql.NullTime
	if err := scanner.Scan(
		&artifact.ID,
		&artifact.BuildID,
		&artifact.JobID,
		&artifact.Kind,
		&artifact.Filename,
		&subdir,
		&artifact.ObjectKey,
		&artifact.SHA256,
		&artifact.SizeBytes,
		&contentType,
		&metadataJSON,
		&retentionUntil,
		&artifact.CreatedAt,
		&createdBy,
		&artifact.IntegritySHA256,
	); err != nil {
		return domain.Artifact{}, handleNotFound(err)
	}
	artifact.Subdir = strings.TrimSpace(subdir.String)
	artifact.ContentType = strings.TrimSpace(contentType.String)
	artifact.CreatedBy = strings.TrimSpace(createdBy.String)
	if retentionUntil.Valid {
		retention := retentionUntil.Time.UTC()
		artifact.RetentionUntil = &retention
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("decode metadata: %w", err)
	}
	artifact.Metadata = metadata
	return artifact, nil
}
