package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepKind selects how the worker runs a plan step. Command steps shell
// out; the other kinds are handled natively by the worker.
type StepKind string

const (
	StepKindCommand   StepKind = "command"
	StepKindCondaPath StepKind = "conda-path"
	StepKindCollect   StepKind = "collect"
	StepKindUpload    StepKind = "upload"
)

// Canonical step names in pipeline order.
const (
	StepCheckout       = "checkout"
	StepFetchTags      = "fetch-tags"
	StepFixPermissions = "fix-permissions"
	StepCondaPath      = "conda-path"
	StepCondaUpdate    = "conda-update"
	StepBuild          = "build"
	StepCollect        = "collect"
	StepUpload         = "upload"
)

type Backoff struct {
	InitialSeconds int
	MaxSeconds     int
	Multiplier     float64
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Attempts returns the total attempt count, at least one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns how long to wait after the given 1-based failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Backoff.InitialSeconds <= 0 {
		return 0
	}
	seconds := float64(p.Backoff.InitialSeconds)
	if p.Backoff.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			seconds *= p.Backoff.Multiplier
		}
	}
	if p.Backoff.MaxSeconds > 0 && seconds > float64(p.Backoff.MaxSeconds) {
		seconds = float64(p.Backoff.MaxSeconds)
	}
	return time.Duration(seconds * float64(time.Second))
}

// PlanStep is pure data. Commands hold one or more argv vectors run in
// order within a single attempt; `${VAR}` tokens are expanded by the
// worker against the step environment.
type PlanStep struct {
	Name           string
	Kind           StepKind
	Commands       [][]string
	Dir            string
	Env            map[string]string
	Retry          RetryPolicy
	TimeoutSeconds int
}

const (
	defaultStepTimeoutSeconds = 5 * 60
	jobTimeoutGraceSeconds    = 10 * 60
)

// JobPlan is the deterministic step list for one matrix entry of a build.
type JobPlan struct {
	BuildID          string
	Platform         string
	CondaPlatform    string
	Image            string
	Repo             string
	Ref              string
	CommitSHA        string
	OutputFolder     string
	ArtifactPatterns []string
	RetentionDays    int
	Env              map[string]string
	Steps            []PlanStep
}

// HardTimeoutSeconds is the job-level budget the scheduler enforces: every
// step's timeout across all allowed attempts plus a grace window for native
// steps and scheduling slack.
func (p JobPlan) HardTimeoutSeconds() int {
	total := jobTimeoutGraceSeconds
	for _, step := range p.Steps {
		per := step.TimeoutSeconds
		if per <= 0 {
			per = defaultStepTimeoutSeconds
		}
		total += per * step.Retry.Attempts()
	}
	return total
}

func (p JobPlan) Validate() error {
	if strings.TrimSpace(p.BuildID) == "" {
		return errors.New("plan build id is required")
	}
	if strings.TrimSpace(p.Platform) == "" {
		return errors.New("plan platform is required")
	}
	if strings.TrimSpace(p.CondaPlatform) == "" {
		return errors.New("plan conda platform is required")
	}
	if strings.TrimSpace(p.Repo) == "" {
		return errors.New("plan repo is required")
	}
	if strings.TrimSpace(p.OutputFolder) == "" {
		return errors.New("plan output folder is required")
	}
	if len(p.Steps) == 0 {
		return errors.New("plan steps must be non-empty")
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("plan step %d name is required", i)
		}
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("plan step %q is duplicated", step.Name)
		}
		seen[step.Name] = struct{}{}
		switch step.Kind {
		case StepKindCommand:
			if len(step.Commands) == 0 {
				return fmt.Errorf("plan step %q has no commands", step.Name)
			}
			for _, argv := range step.Commands {
				if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
					return fmt.Errorf("plan step %q has an empty argv", step.Name)
				}
			}
		case StepKindCondaPath, StepKindCollect, StepKindUpload:
			if len(step.Commands) != 0 {
				return fmt.Errorf("plan step %q is native and must not carry commands", step.Name)
			}
		default:
			return fmt.Errorf("plan step %q has unknown kind %q", step.Name, step.Kind)
		}
	}
	return nil
}
