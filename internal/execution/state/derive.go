package state

import (
	"strings"

	"github.com/kilnlabs/kiln-go/internal/domain"
)

// DeriveJobState computes a job's state from its plan steps and the step
// executions the worker has reported so far. The pipeline is linear, so a
// skipped step is only legitimate downstream of a failure.
func DeriveJobState(steps []domain.PlanStep, executions []domain.StepExecution) domain.JobState {
	if len(steps) == 0 {
		return domain.JobStateQueued
	}

	byStep := groupByStep(executions)
	failed := false
	skippedWithoutFailure := false
	incomplete := false

	for _, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			continue
		}
		attempts, outcome := DeriveStepOutcome(byStep[name])
		if attempts == 0 || outcome == "" {
			incomplete = true
			continue
		}
		switch outcome {
		case domain.StepOutcomeFailed:
			failed = true
		case domain.StepOutcomeSkipped:
			if !failed {
				skippedWithoutFailure = true
			}
		}
	}

	if failed || skippedWithoutFailure {
		return domain.JobStateFailed
	}
	if incomplete {
		return domain.JobStateRunning
	}
	return domain.JobStateSucceeded
}

// DeriveStepOutcome returns the attempt count and the outcome reported at
// the highest attempt (empty when nothing terminal was reported).
func DeriveStepOutcome(executions []domain.StepExecution) (int, domain.StepOutcome) {
	maxAttempt := 0
	var final domain.StepOutcome
	for _, execution := range executions {
		if execution.Attempt > maxAttempt {
			maxAttempt = execution.Attempt
			final = execution.Outcome
		}
	}
	if maxAttempt == 0 {
		return 0, ""
	}
	switch final {
	case domain.StepOutcomeSucceeded, domain.StepOutcomeFailed, domain.StepOutcomeSkipped:
		return maxAttempt, final
	default:
		return maxAttempt, ""
	}
}

// DeriveBuildState folds the matrix jobs into one build state.
func DeriveBuildState(jobs []domain.BuildJob) domain.BuildState {
	if len(jobs) == 0 {
		return domain.BuildStateCreated
	}

	allQueued := true
	allTerminal := true
	anyFailed := false
	anyCanceled := false

	for _, job := range jobs {
		if job.Status != domain.JobStateQueued {
			allQueued = false
		}
		if !domain.IsTerminalJobState(job.Status) {
			allTerminal = false
		}
		switch job.Status {
		case domain.JobStateFailed:
			anyFailed = true
		case domain.JobStateCanceled, domain.JobStateSkipped:
			anyCanceled = true
		}
	}

	if allQueued {
		return domain.BuildStatePlanned
	}
	if !allTerminal {
		return domain.BuildStateRunning
	}
	if anyFailed {
		return domain.BuildStateFailed
	}
	if anyCanceled {
		return domain.BuildStateCanceled
	}
	return domain.BuildStateSucceeded
}

func groupByStep(executions []domain.StepExecution) map[string][]domain.StepExecution {
	out := make(map[string][]domain.StepExecution)
	for _, execution := range executions {
		name := strings.TrimSpace(execution.StepName)
		if name == "" {
			continue
		}
		out[name] = append(out[name], execution)
	}
	return out
}
