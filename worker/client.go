package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/execution/plan"
)

// coordinatorClient talks to the buildd internal API with the per-job
// bearer token the scheduler minted at dispatch.
type coordinatorClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newCoordinatorClient(baseURL, token string) *coordinatorClient {
	return &coordinatorClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *coordinatorClient) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *coordinatorClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *coordinatorClient) postJSON(ctx context.Context, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// jobEnvelope is the internal job payload: the job row plus the plan the
// coordinator persisted for it and the digest to verify it against.
type jobEnvelope struct {
	JobID          string          `json:"job_id"`
	BuildID        string          `json:"build_id"`
	Platform       string          `json:"platform"`
	CondaPlatform  string          `json:"conda_platform"`
	Status         string          `json:"status"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	SpecHash       string          `json:"spec_hash"`
	Plan           json.RawMessage `json:"plan"`
	PlanSHA256     string          `json:"plan_sha256"`
}

func (c *coordinatorClient) fetchJob(ctx context.Context, jobID string) (jobEnvelope, domain.JobPlan, error) {
	var envelope jobEnvelope
	if err := c.getJSON(ctx, "/internal/jobs/"+url.PathEscape(jobID), &envelope); err != nil {
		return jobEnvelope{}, domain.JobPlan{}, err
	}

	digest := sha256.Sum256(envelope.Plan)
	if hex.EncodeToString(digest[:]) != envelope.PlanSHA256 {
		return jobEnvelope{}, domain.JobPlan{}, errors.New("plan digest does not match plan_sha256")
	}

	jobPlan, err := plan.UnmarshalJobPlan(envelope.Plan)
	if err != nil {
		return jobEnvelope{}, domain.JobPlan{}, fmt.Errorf("parse plan: %w", err)
	}
	if err := jobPlan.Validate(); err != nil {
		return jobEnvelope{}, domain.JobPlan{}, fmt.Errorf("invalid plan: %w", err)
	}
	return envelope, jobPlan, nil
}

type stepReport struct {
	StepName     string     `json:"step_name"`
	Attempt      int        `json:"attempt"`
	Outcome      string     `json:"outcome"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (c *coordinatorClient) reportStep(ctx context.Context, jobID string, report stepReport) error {
	return c.postJSON(ctx, "/internal/jobs/"+url.PathEscape(jobID)+"/steps", report, nil)
}

type artifactRegistration struct {
	Kind        string `json:"kind"`
	Filename    string `json:"filename"`
	Subdir      string `json:"subdir,omitempty"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
}

type artifactReceipt struct {
	Status    string `json:"status"`
	UploadURL string `json:"upload_url"`
}

func (c *coordinatorClient) registerArtifact(ctx context.Context, jobID string, reg artifactRegistration) (artifactReceipt, error) {
	var receipt artifactReceipt
	if err := c.postJSON(ctx, "/internal/jobs/"+url.PathEscape(jobID)+"/artifacts", reg, &receipt); err != nil {
		return artifactReceipt{}, err
	}
	if receipt.UploadURL == "" {
		return artifactReceipt{}, errors.New("artifact registration returned no upload url")
	}
	return receipt, nil
}

func (c *coordinatorClient) completeJob(ctx context.Context, jobID string, status string) error {
	return c.postJSON(ctx, "/internal/jobs/"+url.PathEscape(jobID)+"/complete", map[string]string{
		"status": status,
	}, nil)
}

// uploadFile PUTs content to a presigned object store URL. The URL embeds
// its own credentials, so no bearer header goes along.
func (c *coordinatorClient) uploadFile(ctx context.Context, uploadURL string, body io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("upload: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
