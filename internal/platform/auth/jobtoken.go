package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobTokenPrefix = "kiln_job_v1"

var (
	ErrJobTokenInvalid = errors.New("job token is invalid")
	ErrJobTokenExpired = errors.New("job token is expired")
)

// JobTokenClaims scope a worker to exactly one build job.
type JobTokenClaims struct {
	JobID         string `json:"job_id"`
	BuildID       string `json:"build_id"`
	IssuedAtUnix  int64  `json:"iat"`
	ExpiresAtUnix int64  `json:"exp"`
}

func JobTokenSubject(claims JobTokenClaims) string {
	subject := "job:" + strings.TrimSpace(claims.JobID)
	if strings.TrimSpace(claims.BuildID) != "" {
		subject += ":build:" + strings.TrimSpace(claims.BuildID)
	}
	return subject
}

func ParseJobTokenSubject(subject string) (jobID string, buildID string, ok bool) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", "", false
	}
	if !strings.HasPrefix(subject, "job:") {
		return "", "", false
	}

	rest := strings.TrimPrefix(subject, "job:")
	parts := strings.Split(rest, ":build:")
	if len(parts) == 0 {
		return "", "", false
	}
	jobID = strings.TrimSpace(parts[0])
	if jobID == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return jobID, "", true
	}
	if len(parts) != 2 {
		return "", "", false
	}
	buildID = strings.TrimSpace(parts[1])
	if buildID == "" {
		return "", "", false
	}
	return jobID, buildID, true
}

func GenerateJobToken(secret string, claims JobTokenClaims, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	claims.JobID = strings.TrimSpace(claims.JobID)
	claims.BuildID = strings.TrimSpace(claims.BuildID)
	if claims.JobID == "" {
		return "", errors.New("job_id is required")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.IssuedAtUnix == 0 {
		claims.IssuedAtUnix = now.UTC().Unix()
	}
	if claims.ExpiresAtUnix == 0 {
		return "", errors.New("exp is required")
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return "", errors.New("exp must be in the future")
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	sigB64, err := computeJobTokenSignature(secret, payloadB64)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{jobTokenPrefix, payloadB64, sigB64}, "."), nil
}

func VerifyJobToken(secret string, token string, now time.Time) (JobTokenClaims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return JobTokenClaims{}, errors.New("secret is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}
	if parts[0] != jobTokenPrefix {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}
	payloadB64 := strings.TrimSpace(parts[1])
	sigB64 := strings.TrimSpace(parts[2])
	if payloadB64 == "" || sigB64 == "" {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}

	expectedB64, err := computeJobTokenSignature(secret, payloadB64)
	if err != nil {
		return JobTokenClaims{}, err
	}
	expectedSig, err := base64.RawURLEncoding.DecodeString(expectedB64)
	if err != nil {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}
	if !hmac.Equal(expectedSig, gotSig) {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}
	var claims JobTokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}
	claims.JobID = strings.TrimSpace(claims.JobID)
	claims.BuildID = strings.TrimSpace(claims.BuildID)
	if claims.JobID == "" || claims.ExpiresAtUnix == 0 {
		return JobTokenClaims{}, ErrJobTokenInvalid
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return JobTokenClaims{}, ErrJobTokenExpired
	}

	return claims, nil
}

func computeJobTokenSignature(secret string, payloadB64 string) (string, error) {
	payloadB64 = strings.TrimSpace(payloadB64)
	if payloadB64 == "" {
		return "", errors.New("payload is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte("kiln-job-token-v1\n")); err != nil {
		return "", err
	}
	if _, err := mac.Write([]byte(payloadB64)); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
