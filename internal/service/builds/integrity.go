package builds

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

func buildIntegritySHA256(v any) (string, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal integrity input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

type buildIntegrityInput struct {
	BuildID         string    `json:"build_id"`
	WorkflowID      string    `json:"workflow_id"`
	WorkflowName    string    `json:"workflow_name"`
	WorkflowVersion int64     `json:"workflow_version"`
	SpecHash        string    `json:"spec_hash"`
	Repo            string    `json:"repo"`
	Branch          string    `json:"branch,omitempty"`
	Ref             string    `json:"ref,omitempty"`
	CommitSHA       string    `json:"commit_sha,omitempty"`
	DeliveryID      string    `json:"delivery_id,omitempty"`
	FailFast        bool      `json:"fail_fast"`
	CreatedAt       time.Time `json:"created_at"`
	CreatedBy       string    `json:"created_by"`
}
