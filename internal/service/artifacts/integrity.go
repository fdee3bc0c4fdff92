package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

func artifactIntegritySHA256(v any) (string, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal integrity input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

type artifactIntegrityInput struct {
	ArtifactID     string         `json:"artifact_id"`
	BuildID        string         `json:"build_id"`
	JobID          string         `json:"job_id"`
	Kind           string         `json:"kind"`
	Filename       string         `json:"filename"`
	Subdir         string         `json:"subdir,omitempty"`
	ObjectKey      string         `json:"object_key"`
	ContentType    string         `json:"content_type,omitempty"`
	SizeBytes      int64          `json:"size_bytes"`
	SHA256         string         `json:"sha256"`
	Metadata       map[string]any `json:"metadata"`
	RetentionUntil *time.Time     `json:"retention_until,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CreatedBy      string         `json:"created_by"`
}
