package domain

import (
	"errors"
	"strings"
	"time"
)

// Build is one matrix expansion of a workflow version for a single trigger.
type Build struct {
	ID              string
	WorkflowID      string
	WorkflowName    string
	WorkflowVersion int64
	SpecHash        string
	Repo            string
	Branch          string
	Ref             string
	CommitSHA       string
	DeliveryID      string
	FailFast        bool
	Status          BuildState
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	CreatedBy       string
	IntegritySHA256 string
}

func (b Build) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("build id is required")
	}
	if strings.TrimSpace(b.WorkflowID) == "" {
		return errors.New("workflow id is required")
	}
	if b.WorkflowVersion < 1 {
		return errors.New("workflow version must be >= 1")
	}
	if strings.TrimSpace(b.SpecHash) == "" {
		return errors.New("spec hash is required")
	}
	if strings.TrimSpace(b.Repo) == "" {
		return errors.New("repo is required")
	}
	// Manual branch triggers resolve the commit at checkout time.
	if strings.TrimSpace(b.CommitSHA) == "" && strings.TrimSpace(b.Branch) == "" {
		return errors.New("commit sha or branch is required")
	}
	if NormalizeBuildState(string(b.Status)) == "" {
		return errors.New("status is required")
	}
	if strings.TrimSpace(b.IntegritySHA256) == "" {
		return errors.New("integrity sha256 is required")
	}
	return nil
}

// BuildJob is one platform entry of a build's matrix.
type BuildJob struct {
	ID               string
	BuildID          string
	Platform         string
	CondaPlatform    string
	Image            string
	Status           JobState
	ExecutorKind     string
	ExecutorRef      string
	PlanJSON         []byte
	DispatchAttempts int
	TimeoutSeconds   int
	QueuedAt         time.Time
	DispatchedAt     *time.Time
	StartedAt        *time.Time
	EndedAt          *time.Time
}

func (j BuildJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.BuildID) == "" {
		return errors.New("build id is required")
	}
	if strings.TrimSpace(j.Platform) == "" {
		return errors.New("platform is required")
	}
	if strings.TrimSpace(j.CondaPlatform) == "" {
		return errors.New("conda platform is required")
	}
	if strings.TrimSpace(j.Image) == "" {
		return errors.New("image is required")
	}
	if NormalizeJobState(string(j.Status)) == "" {
		return errors.New("status is required")
	}
	if len(j.PlanJSON) == 0 {
		return errors.New("plan is required")
	}
	return nil
}
