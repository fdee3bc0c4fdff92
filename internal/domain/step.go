package domain

import (
	"errors"
	"strings"
	"time"
)

// StepExecution records one finished attempt of a plan step. Workers report
// attempts as they complete; reports are idempotent on (job, step, attempt).
type StepExecution struct {
	ID           string
	JobID        string
	StepName     string
	Attempt      int
	Outcome      StepOutcome
	StartedAt    time.Time
	EndedAt      *time.Time
	ExitCode     *int
	ErrorCode    string
	ErrorMessage string
	SpecHash     string
}

func (s StepExecution) Validate() error {
	if strings.TrimSpace(s.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(s.StepName) == "" {
		return errors.New("step name is required")
	}
	if s.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	switch s.Outcome {
	case StepOutcomeSucceeded, StepOutcomeFailed, StepOutcomeSkipped:
	default:
		return errors.New("outcome must be one of: succeeded, failed, skipped")
	}
	if s.StartedAt.IsZero() {
		return errors.New("started at is required")
	}
	return nil
}
