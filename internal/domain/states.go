package domain

import "strings"

// BuildState represents the derived lifecycle state of a build.
type BuildState string

const (
	BuildStateCreated   BuildState = "created"
	BuildStatePlanned   BuildState = "planned"
	BuildStateRunning   BuildState = "running"
	BuildStateSucceeded BuildState = "succeeded"
	BuildStateFailed    BuildState = "failed"
	BuildStateCanceled  BuildState = "canceled"
)

// JobState represents the lifecycle state of a single platform job.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateDispatched JobState = "dispatched"
	JobStateRunning    JobState = "running"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
	JobStateCanceled   JobState = "canceled"
	// JobStateSkipped is reachable only through fail-fast sibling cancelation
	// of jobs that never started.
	JobStateSkipped JobState = "skipped"
)

// StepOutcome represents a terminal step attempt outcome.
type StepOutcome string

const (
	StepOutcomeSucceeded StepOutcome = "succeeded"
	StepOutcomeFailed    StepOutcome = "failed"
	StepOutcomeSkipped   StepOutcome = "skipped"
)

// NormalizeBuildState maps free-form status values to canonical build states.
func NormalizeBuildState(value string) BuildState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(BuildStateCreated), "pending":
		return BuildStateCreated
	case string(BuildStatePlanned):
		return BuildStatePlanned
	case string(BuildStateRunning):
		return BuildStateRunning
	case string(BuildStateSucceeded):
		return BuildStateSucceeded
	case string(BuildStateFailed):
		return BuildStateFailed
	case string(BuildStateCanceled):
		return BuildStateCanceled
	default:
		return ""
	}
}

// NormalizeJobState maps free-form status values to canonical job states.
func NormalizeJobState(value string) JobState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(JobStateQueued), "pending":
		return JobStateQueued
	case string(JobStateDispatched):
		return JobStateDispatched
	case string(JobStateRunning):
		return JobStateRunning
	case string(JobStateSucceeded):
		return JobStateSucceeded
	case string(JobStateFailed):
		return JobStateFailed
	case string(JobStateCanceled):
		return JobStateCanceled
	case string(JobStateSkipped):
		return JobStateSkipped
	default:
		return ""
	}
}

// CanTransitionBuildState enforces forward-only state progression.
func CanTransitionBuildState(current, next BuildState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return buildStateOrder(current) < buildStateOrder(next)
}

func buildStateOrder(state BuildState) int {
	switch state {
	case BuildStateCreated:
		return 1
	case BuildStatePlanned:
		return 2
	case BuildStateRunning:
		return 3
	case BuildStateSucceeded, BuildStateFailed, BuildStateCanceled:
		return 4
	default:
		return 0
	}
}

// CanTransitionJobState enforces forward-only state progression.
func CanTransitionJobState(current, next JobState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	// Requeue after a failed dispatch is the one allowed step back.
	if current == JobStateDispatched && next == JobStateQueued {
		return true
	}
	return jobStateOrder(current) < jobStateOrder(next)
}

// IsTerminalJobState reports whether a job state can no longer change.
func IsTerminalJobState(state JobState) bool {
	switch state {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateSkipped:
		return true
	default:
		return false
	}
}

// IsTerminalBuildState reports whether a build state can no longer change.
func IsTerminalBuildState(state BuildState) bool {
	switch state {
	case BuildStateSucceeded, BuildStateFailed, BuildStateCanceled:
		return true
	default:
		return false
	}
}

func jobStateOrder(state JobState) int {
	switch state {
	case JobStateQueued:
		return 1
	case JobStateDispatched:
		return 2
	case JobStateRunning:
		return 3
	case JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateSkipped:
		return 4
	default:
		return 0
	}
}
