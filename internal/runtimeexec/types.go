package runtimeexec

import (
	"context"
	"errors"
)

// Executor launches build jobs on some runtime and reports what it sees.
// Implementations must be safe for concurrent use by the scheduler.
type Executor interface {
	Kind() string
	Submit(ctx context.Context, spec JobSpec) (Ref, error)
	Inspect(ctx context.Context, ref Ref) (Observation, error)
	Cancel(ctx context.Context, ref Ref) error
}

// JobSpec carries everything an executor needs to start a worker for one
// job. The worker fetches its plan from the coordinator; only identity,
// credentials and the image travel through the executor.
type JobSpec struct {
	JobID          string
	BuildID        string
	Image          string
	Platform       string
	CondaPlatform  string
	CoordinatorURL string
	Token          string
	Env            map[string]string
	TimeoutSeconds int
}

// Ref identifies a submitted job inside its executor. Value is opaque to
// everything but the executor that issued it (a container name, a scratch
// directory) and is what gets persisted on the job row.
type Ref struct {
	Kind  string
	Value string
}

type ObservationStatus string

const (
	ObservationPending   ObservationStatus = "pending"
	ObservationRunning   ObservationStatus = "running"
	ObservationSucceeded ObservationStatus = "succeeded"
	ObservationFailed    ObservationStatus = "failed"
	// ObservationGone means the executor has no trace of the ref anymore.
	ObservationGone ObservationStatus = "gone"
)

type Observation struct {
	Status   ObservationStatus
	Message  string
	ExitCode *int
}

var ErrImageRequired = errors.New("image is required")
