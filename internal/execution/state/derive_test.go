package state

import (
	"testing"

	"github.com/kilnlabs/kiln-go/internal/domain"
)

func pipelineSteps(names ...string) []domain.PlanStep {
	out := make([]domain.PlanStep, 0, len(names))
	for _, name := range names {
		out = append(out, domain.PlanStep{Name: name, Kind: domain.StepKindCommand})
	}
	return out
}

func execution(step string, attempt int, outcome domain.StepOutcome) domain.StepExecution {
	return domain.StepExecution{JobID: "job-1", StepName: step, Attempt: attempt, Outcome: outcome}
}

func TestDeriveJobStateRunningWhileIncomplete(t *testing.T) {
	steps := pipelineSteps("checkout", "build", "upload")
	executions := []domain.StepExecution{
		execution("checkout", 1, domain.StepOutcomeSucceeded),
	}
	if got := DeriveJobState(steps, executions); got != domain.JobStateRunning {
		t.Fatalf("expected running, got %s", got)
	}
}

func TestDeriveJobStateSucceeded(t *testing.T) {
	steps := pipelineSteps("checkout", "build", "upload")
	executions := []domain.StepExecution{
		execution("checkout", 1, domain.StepOutcomeSucceeded),
		execution("build", 1, domain.StepOutcomeSucceeded),
		execution("upload", 1, domain.StepOutcomeSucceeded),
	}
	if got := DeriveJobState(steps, executions); got != domain.JobStateSucceeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
}

func TestDeriveJobStateRetrySucceedsOnFinalAttempt(t *testing.T) {
	steps := pipelineSteps("conda-update", "build")
	executions := []domain.StepExecution{
		execution("conda-update", 1, domain.StepOutcomeFailed),
		execution("conda-update", 2, domain.StepOutcomeFailed),
		execution("conda-update", 3, domain.StepOutcomeSucceeded),
		execution("build", 1, domain.StepOutcomeSucceeded),
	}
	if got := DeriveJobState(steps, executions); got != domain.JobStateSucceeded {
		t.Fatalf("expected succeeded after retry, got %s", got)
	}
}

func TestDeriveJobStateFailedStepFailsJob(t *testing.T) {
	steps := pipelineSteps("checkout", "build", "upload")
	executions := []domain.StepExecution{
		execution("checkout", 1, domain.StepOutcomeSucceeded),
		execution("build", 1, domain.StepOutcomeFailed),
		execution("upload", 1, domain.StepOutcomeSkipped),
	}
	if got := DeriveJobState(steps, executions); got != domain.JobStateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestDeriveJobStateSkipWithoutFailureIsFailure(t *testing.T) {
	steps := pipelineSteps("checkout", "build")
	executions := []domain.StepExecution{
		execution("checkout", 1, domain.StepOutcomeSkipped),
		execution("build", 1, domain.StepOutcomeSucceeded),
	}
	if got := DeriveJobState(steps, executions); got != domain.JobStateFailed {
		t.Fatalf("expected failed for unexplained skip, got %s", got)
	}
}

func TestDeriveStepOutcomeUsesHighestAttempt(t *testing.T) {
	attempts, outcome := DeriveStepOutcome([]domain.StepExecution{
		execution("upload", 2, domain.StepOutcomeSucceeded),
		execution("upload", 1, domain.StepOutcomeFailed),
	})
	if attempts != 2 || outcome != domain.StepOutcomeSucceeded {
		t.Fatalf("got attempts=%d outcome=%s", attempts, outcome)
	}
}

func job(status domain.JobState) domain.BuildJob {
	return domain.BuildJob{ID: "job", BuildID: "build-1", Platform: "ubuntu", Status: status}
}

func TestDeriveBuildState(t *testing.T) {
	cases := []struct {
		name string
		jobs []domain.BuildJob
		want domain.BuildState
	}{
		{"no jobs", nil, domain.BuildStateCreated},
		{"all queued", []domain.BuildJob{job(domain.JobStateQueued), job(domain.JobStateQueued)}, domain.BuildStatePlanned},
		{"one running", []domain.BuildJob{job(domain.JobStateRunning), job(domain.JobStateQueued)}, domain.BuildStateRunning},
		{"partial terminal", []domain.BuildJob{job(domain.JobStateSucceeded), job(domain.JobStateQueued)}, domain.BuildStateRunning},
		{"all succeeded", []domain.BuildJob{job(domain.JobStateSucceeded), job(domain.JobStateSucceeded)}, domain.BuildStateSucceeded},
		{"one failed", []domain.BuildJob{job(domain.JobStateSucceeded), job(domain.JobStateFailed)}, domain.BuildStateFailed},
		{"canceled beats succeeded", []domain.BuildJob{job(domain.JobStateSucceeded), job(domain.JobStateCanceled)}, domain.BuildStateCanceled},
		{"failed beats canceled", []domain.BuildJob{job(domain.JobStateCanceled), job(domain.JobStateFailed)}, domain.BuildStateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveBuildState(tc.jobs); got != tc.want {
				t.Fatalf("DeriveBuildState = %s, want %s", got, tc.want)
			}
		})
	}
}
