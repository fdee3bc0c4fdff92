package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalJSON renders the spec as deterministic JSON so that two
// documents that differ only in YAML formatting hash the same.
func (s Spec) CanonicalJSON() ([]byte, error) {
	canonical := s.normalized()
	payload, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	return payload, nil
}

// SpecHash returns the sha256 hex digest of the canonical JSON form.
func (s Spec) SpecHash() (string, error) {
	payload, err := s.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func (s Spec) normalized() Spec {
	out := s
	out.Schema = strings.TrimSpace(s.Schema)
	out.Name = strings.TrimSpace(s.Name)
	out.Description = strings.TrimSpace(s.Description)
	out.Trigger.Repo = strings.TrimSpace(s.Trigger.Repo)
	out.Trigger.Branches = trimNonEmpty(s.Trigger.Branches)

	out.Matrix = make([]MatrixEntry, 0, len(s.Matrix))
	for _, entry := range s.Matrix {
		out.Matrix = append(out.Matrix, MatrixEntry{
			Platform:      strings.TrimSpace(entry.Platform),
			CondaPlatform: strings.TrimSpace(entry.CondaPlatform),
			Image:         strings.TrimSpace(entry.Image),
		})
	}

	out.Build.RecipeDir = strings.TrimSpace(s.Build.RecipeDir)
	out.Build.OutputFolder = strings.TrimSpace(s.Build.OutputFolder)
	out.Build.Channels = trimNonEmpty(s.Build.Channels)
	out.Artifacts.Patterns = trimNonEmpty(s.Artifacts.Patterns)

	if len(s.Env) > 0 {
		env := make(map[string]string, len(s.Env))
		for key, value := range s.Env {
			env[strings.TrimSpace(key)] = value
		}
		out.Env = env
	}
	return out
}
