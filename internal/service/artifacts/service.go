package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/platform/auditlog"
	"github.com/kilnlabs/kiln-go/internal/repo"
	store "github.com/kilnlabs/kiln-go/internal/storage/objectstore"
)

// AuditContext captures request identity details for audit logging.
type AuditContext struct {
	Actor     string
	RequestID string
	IP        net.IP
	UserAgent string
	Path      string
	Service   string
}

// RegisterInput describes the metadata a worker reports for one collected
// file. RetentionDays comes from the job plan; zero means keep forever.
type RegisterInput struct {
	Kind          string
	Filename      string
	Subdir        string
	SHA256        string
	SizeBytes     int64
	ContentType   string
	Metadata      map[string]any
	RetentionDays int
}

// RegisterResult returns the stored artifact and a presigned upload URL.
// Created is false when the same job already registered the filename; the
// worker gets a fresh URL for its retry instead of a duplicate record.
type RegisterResult struct {
	Artifact  domain.Artifact
	UploadURL string
	Created   bool
}

// DownloadResult returns the artifact and a presigned download URL.
type DownloadResult struct {
	Artifact    domain.Artifact
	DownloadURL string
}

// ErrObjectNotUploaded means the artifact row exists but the bytes in the
// store are missing or do not match the registered size.
var ErrObjectNotUploaded = errors.New("artifact object missing or incomplete")

// Service registers build artifacts and issues presigned object URLs.
type Service struct {
	repo       repo.ArtifactRepository
	store      store.Store
	bucket     string
	presignTTL time.Duration
	audit      auditlog.Appender
	now        func() time.Time
	newID      func() string
}

func NewService(artifactRepo repo.ArtifactRepository, objectStore store.Store, bucket string, presignTTL time.Duration, audit auditlog.Appender) (*Service, error) {
	if artifactRepo == nil {
		return nil, errors.New("artifact repository is required")
	}
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if presignTTL <= 0 {
		presignTTL = 10 * time.Minute
	}
	return &Service{
		repo:       artifactRepo,
		store:      objectStore,
		bucket:     bucket,
		presignTTL: presignTTL,
		audit:      audit,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// Register validates and persists one artifact record for a job and
// returns a presigned PUT URL for the bytes.
func (s *Service) Register(ctx context.Context, job domain.BuildJob, input RegisterInput, auditCtx AuditContext) (RegisterResult, error) {
	if s == nil || s.repo == nil || s.store == nil {
		return RegisterResult{}, errors.New("artifact service not initialized")
	}
	if strings.TrimSpace(job.ID) == "" || strings.TrimSpace(job.BuildID) == "" {
		return RegisterResult{}, errors.New("job is required")
	}

	kind := strings.TrimSpace(input.Kind)
	switch kind {
	case domain.ArtifactKindPackage, domain.ArtifactKindBuildLog:
	default:
		return RegisterResult{}, fmt.Errorf("artifact kind %q is not allowed", input.Kind)
	}
	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		return RegisterResult{}, errors.New("filename is required")
	}
	if strings.ContainsAny(filename, "/\\") || filename == "." || filename == ".." {
		return RegisterResult{}, errors.New("filename must be a bare name")
	}
	checksum := strings.ToLower(strings.TrimSpace(input.SHA256))
	if !isHexSHA256(checksum) {
		return RegisterResult{}, errors.New("sha256 must be 64 hex characters")
	}
	if input.SizeBytes < 0 {
		return RegisterResult{}, errors.New("size_bytes must be >= 0")
	}
	if input.RetentionDays < 0 {
		return RegisterResult{}, errors.New("retention_days must be >= 0")
	}

	// Upload retries re-register the same filename; hand back a fresh URL.
	existing, err := s.repo.ListArtifacts(ctx, repo.ArtifactFilter{JobID: job.ID, Kind: kind})
	if err != nil {
		return RegisterResult{}, err
	}
	for _, artifact := range existing {
		if artifact.Filename == filename {
			url, err := s.store.PresignPut(ctx, s.bucket, artifact.ObjectKey, s.presignTTL)
			if err != nil {
				return RegisterResult{}, fmt.Errorf("presign upload: %w", err)
			}
			return RegisterResult{Artifact: artifact, UploadURL: url, Created: false}, nil
		}
	}

	now := s.now().UTC()
	artifactID := s.newID()
	key := objectKey(job.BuildID, job.Platform, kind, filename)
	metadata := input.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	var retention *time.Time
	if input.RetentionDays > 0 {
		until := now.Add(time.Duration(input.RetentionDays) * 24 * time.Hour)
		retention = &until
	}
	actor := strings.TrimSpace(auditCtx.Actor)
	if actor == "" {
		actor = "worker"
	}

	integrity, err := artifactIntegritySHA256(artifactIntegrityInput{
		ArtifactID:     artifactID,
		BuildID:        job.BuildID,
		JobID:          job.ID,
		Kind:           kind,
		Filename:       filename,
		Subdir:         strings.TrimSpace(input.Subdir),
		ObjectKey:      key,
		ContentType:    strings.TrimSpace(input.ContentType),
		SizeBytes:      input.SizeBytes,
		SHA256:         checksum,
		Metadata:       metadata,
		RetentionUntil: retention,
		CreatedAt:      now,
		CreatedBy:      actor,
	})
	if err != nil {
		return RegisterResult{}, fmt.Errorf("integrity: %w", err)
	}

	artifact := domain.Artifact{
		ID:              artifactID,
		BuildID:         job.BuildID,
		JobID:           job.ID,
		Kind:            kind,
		Filename:        filename,
		Subdir:          strings.TrimSpace(input.Subdir),
		ObjectKey:       key,
		SHA256:          checksum,
		SizeBytes:       input.SizeBytes,
		ContentType:     strings.TrimSpace(input.ContentType),
		Metadata:        domain.Metadata(metadata),
		RetentionUntil:  retention,
		CreatedAt:       now,
		CreatedBy:       actor,
		IntegritySHA256: integrity,
	}
	if err := artifact.Validate(); err != nil {
		return RegisterResult{}, err
	}
	if err := s.repo.CreateArtifact(ctx, artifact); err != nil {
		return RegisterResult{}, err
	}

	url, err := s.store.PresignPut(ctx, s.bucket, artifact.ObjectKey, s.presignTTL)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("presign upload: %w", err)
	}

	s.appendAudit(ctx, artifact, auditCtx, "artifact.create", map[string]any{
		"upload_url_issued": true,
	})
	return RegisterResult{Artifact: artifact, UploadURL: url, Created: true}, nil
}

func (s *Service) Get(ctx context.Context, artifactID string) (domain.Artifact, error) {
	if s == nil || s.repo == nil {
		return domain.Artifact{}, errors.New("artifact service not initialized")
	}
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return domain.Artifact{}, errors.New("artifact id is required")
	}
	return s.repo.GetArtifact(ctx, artifactID)
}

func (s *Service) List(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("artifact service not initialized")
	}
	return s.repo.ListArtifacts(ctx, filter)
}

// Download resolves an artifact and issues a presigned GET URL.
func (s *Service) Download(ctx context.Context, artifactID string, auditCtx AuditContext) (DownloadResult, error) {
	if s == nil || s.repo == nil || s.store == nil {
		return DownloadResult{}, errors.New("artifact service not initialized")
	}
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return DownloadResult{}, errors.New("artifact id is required")
	}

	artifact, err := s.repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return DownloadResult{}, err
	}
	if strings.TrimSpace(artifact.ObjectKey) == "" {
		return DownloadResult{}, errors.New("object key is required")
	}

	// A worker that registered and then died leaves a row without bytes.
	// Refuse those here rather than hand out a URL that 404s at the store.
	info, err := s.store.Stat(ctx, s.bucket, artifact.ObjectKey)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("%w: %s", ErrObjectNotUploaded, artifact.ObjectKey)
	}
	if artifact.SizeBytes > 0 && info.Size != artifact.SizeBytes {
		return DownloadResult{}, fmt.Errorf("%w: stored %d bytes, registered %d", ErrObjectNotUploaded, info.Size, artifact.SizeBytes)
	}

	url, err := s.store.PresignGet(ctx, s.bucket, artifact.ObjectKey, artifact.Filename, s.presignTTL)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("presign download: %w", err)
	}

	s.appendAudit(ctx, artifact, auditCtx, "artifact.download_url_issued", map[string]any{
		"download_url_issued": true,
	})
	return DownloadResult{Artifact: artifact, DownloadURL: url}, nil
}

func (s *Service) appendAudit(ctx context.Context, artifact domain.Artifact, auditCtx AuditContext, action string, extra map[string]any) {
	if s.audit == nil {
		return
	}
	payload := map[string]any{
		"service":      strings.TrimSpace(auditCtx.Service),
		"build_id":     artifact.BuildID,
		"job_id":       artifact.JobID,
		"artifact_id":  artifact.ID,
		"kind":         artifact.Kind,
		"filename":     artifact.Filename,
		"object_key":   artifact.ObjectKey,
		"content_type": artifact.ContentType,
		"size_bytes":   artifact.SizeBytes,
		"sha256":       artifact.SHA256,
		"request_path": auditCtx.Path,
	}
	if artifact.RetentionUntil != nil {
		payload["retention_until"] = artifact.RetentionUntil
	}
	for k, v := range extra {
		payload[k] = v
	}
	actor := strings.TrimSpace(auditCtx.Actor)
	if actor == "" {
		actor = "worker"
	}
	_ = s.audit.Append(ctx, auditlog.Event{
		OccurredAt:   s.now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "artifact",
		ResourceID:   artifact.ID,
		RequestID:    auditCtx.RequestID,
		IP:           auditCtx.IP,
		UserAgent:    auditCtx.UserAgent,
		Payload:      payload,
	})
}

// objectKey lays out the bucket by build and platform: packages under
// packages/, the job log under log/.
func objectKey(buildID, platform, kind, filename string) string {
	prefix := "packages"
	if kind == domain.ArtifactKindBuildLog {
		prefix = "log"
	}
	return path.Join(buildID, platform, prefix, filename)
}

func isHexSHA256(value string) bool {
	if len(value) != 64 {
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
