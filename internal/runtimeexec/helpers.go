package runtimeexec

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	EnvJobID          = "KILN_JOB_ID"
	EnvJobToken       = "KILN_JOB_TOKEN"
	EnvCoordinatorURL = "KILN_COORDINATOR_URL"

	containerNamePrefix = "kiln-job-"
	containerNameMaxLen = 63
)

// ContainerName derives a stable runtime name from the job ID. The digest
// suffix keeps names unique even after the ID is sanitized or truncated.
func ContainerName(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	sum := sha256.Sum256([]byte(jobID))
	suffix := hex.EncodeToString(sum[:])[:12]

	cleaned := sanitizeNamePart(jobID)
	budget := containerNameMaxLen - len(containerNamePrefix) - len(suffix) - 1
	if len(cleaned) > budget {
		cleaned = cleaned[:budget]
	}
	if cleaned == "" {
		return containerNamePrefix + suffix
	}
	return containerNamePrefix + cleaned + "-" + suffix
}

func sanitizeNamePart(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

func isReservedJobEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case EnvJobID, EnvJobToken, EnvCoordinatorURL:
		return true
	default:
		return false
	}
}

// buildJobEnv renders the worker environment deterministically: the
// injected identity variables first, then the spec extras sorted by key.
func buildJobEnv(spec JobSpec) []string {
	env := []string{
		EnvJobID + "=" + spec.JobID,
		EnvJobToken + "=" + spec.Token,
		EnvCoordinatorURL + "=" + spec.CoordinatorURL,
	}
	if len(spec.Env) == 0 {
		return env
	}
	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		key = strings.TrimSpace(key)
		if key == "" || isReservedJobEnvKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+spec.Env[key])
	}
	return env
}
