package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

const labelBuild = "kiln.build"
const labelJob = "kiln.job"

// DockerExecutor runs each job's worker as a detached container on the
// local Docker engine.
type DockerExecutor struct {
	client *client.Client
}

// NewDockerExecutor connects through the standard environment variables
// (DOCKER_HOST and friends).
func NewDockerExecutor() (*DockerExecutor, error) {
	c, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{client: c}, nil
}

func NewDockerExecutorWithClient(c *client.Client) (*DockerExecutor, error) {
	if c == nil {
		return nil, errors.New("docker client is required")
	}
	return &DockerExecutor{client: c}, nil
}

func (e *DockerExecutor) Kind() string {
	return "docker"
}

func (e *DockerExecutor) Submit(ctx context.Context, spec JobSpec) (Ref, error) {
	if e == nil || e.client == nil {
		return Ref{}, errors.New("docker executor not initialized")
	}
	if strings.TrimSpace(spec.JobID) == "" {
		return Ref{}, errors.New("job id is required")
	}
	image := strings.TrimSpace(spec.Image)
	if image == "" {
		return Ref{}, ErrImageRequired
	}

	name := ContainerName(spec.JobID)
	cfg := &container.Config{
		Image: image,
		Env:   buildJobEnv(spec),
		Labels: map[string]string{
			labelBuild: spec.BuildID,
			labelJob:   spec.JobID,
		},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}

	containerID := ""
	created, err := e.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     cfg,
		HostConfig: hostCfg,
		Name:       name,
		Image:      image,
	})
	if err != nil {
		// A dispatch retry may find the container already created. Re-use
		// it instead of failing the lease.
		inspected, ie := e.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
		if ie != nil {
			return Ref{}, fmt.Errorf("create container %q: %w", name, err)
		}
		containerID = inspected.Container.ID
	} else {
		containerID = created.ID
	}

	if _, err := e.client.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return Ref{}, fmt.Errorf("start container %q: %w", name, err)
	}
	return Ref{Kind: e.Kind(), Value: name}, nil
}

func (e *DockerExecutor) Inspect(ctx context.Context, ref Ref) (Observation, error) {
	if e == nil || e.client == nil {
		return Observation{}, errors.New("docker executor not initialized")
	}
	name := strings.TrimSpace(ref.Value)
	if name == "" {
		return Observation{}, errors.New("container name is required")
	}

	res, err := e.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Observation{Status: ObservationGone, Message: "container not found"}, nil
		}
		return Observation{}, fmt.Errorf("inspect container %q: %w", name, err)
	}

	state := res.Container.State
	if state == nil {
		return Observation{Status: ObservationPending, Message: "no state reported"}, nil
	}

	status := strings.ToLower(strings.TrimSpace(string(state.Status)))
	switch status {
	case "running", "restarting", "removing":
		return Observation{Status: ObservationRunning, Message: status}, nil
	case "created", "paused":
		return Observation{Status: ObservationPending, Message: status}, nil
	case "exited", "dead":
		code := state.ExitCode
		if code == 0 {
			return Observation{Status: ObservationSucceeded, Message: status, ExitCode: &code}, nil
		}
		return Observation{Status: ObservationFailed, Message: fmt.Sprintf("%s (%d)", status, code), ExitCode: &code}, nil
	default:
		return Observation{Status: ObservationPending, Message: status}, nil
	}
}

func (e *DockerExecutor) Cancel(ctx context.Context, ref Ref) error {
	if e == nil || e.client == nil {
		return errors.New("docker executor not initialized")
	}
	name := strings.TrimSpace(ref.Value)
	if name == "" {
		return errors.New("container name is required")
	}

	if _, err := e.client.ContainerStop(ctx, name, client.ContainerStopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %q: %w", name, err)
	}
	if _, err := e.client.ContainerRemove(ctx, name, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", name, err)
	}
	return nil
}
