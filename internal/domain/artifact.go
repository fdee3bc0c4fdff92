package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	ArtifactKindPackage  = "package"
	ArtifactKindBuildLog = "build-log"
)

// Metadata carries worker-reported extras on an artifact record, stored as
// JSONB alongside the structured columns.
type Metadata map[string]any

// Artifact is one preserved file from a build job: a conda package or the
// job's build log. Bytes live in object storage; this is the record.
type Artifact struct {
	ID              string
	BuildID         string
	JobID           string
	Kind            string
	Filename        string
	Subdir          string
	ObjectKey       string
	SHA256          string
	SizeBytes       int64
	ContentType     string
	Metadata        Metadata
	RetentionUntil  *time.Time
	CreatedAt       time.Time
	CreatedBy       string
	IntegritySHA256 string
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.BuildID) == "" {
		return errors.New("build id is required")
	}
	if strings.TrimSpace(a.JobID) == "" {
		return errors.New("job id is required")
	}
	switch a.Kind {
	case ArtifactKindPackage, ArtifactKindBuildLog:
	default:
		return errors.New("artifact kind must be one of: package, build-log")
	}
	if strings.TrimSpace(a.Filename) == "" {
		return errors.New("filename is required")
	}
	if strings.Contains(a.Filename, "/") || strings.Contains(a.Filename, "\\") {
		return errors.New("filename must not contain path separators")
	}
	if strings.TrimSpace(a.ObjectKey) == "" {
		return errors.New("object key is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("sha256 is required")
	}
	if a.SizeBytes < 0 {
		return errors.New("size bytes must be >= 0")
	}
	return nil
}
