package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	localPidFile  = "worker.pid"
	localExitFile = "worker.exit"
	localLogFile  = "worker.log"
)

// LocalExecutor spawns the worker binary directly on the coordinator
// host. Meant for single-host farms and tests; state survives coordinator
// restarts through pid and exit files in the job's scratch directory.
type LocalExecutor struct {
	workerBin string
	baseDir   string
}

func NewLocalExecutor(workerBin, baseDir string) (*LocalExecutor, error) {
	workerBin = strings.TrimSpace(workerBin)
	if workerBin == "" {
		return nil, errors.New("worker binary is required")
	}
	if _, err := exec.LookPath(workerBin); err != nil {
		return nil, fmt.Errorf("worker binary not found: %w", err)
	}
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &LocalExecutor{workerBin: workerBin, baseDir: baseDir}, nil
}

func (e *LocalExecutor) Kind() string {
	return "local"
}

func (e *LocalExecutor) Submit(ctx context.Context, spec JobSpec) (Ref, error) {
	if e == nil {
		return Ref{}, errors.New("local executor not initialized")
	}
	if strings.TrimSpace(spec.JobID) == "" {
		return Ref{}, errors.New("job id is required")
	}

	dir := filepath.Join(e.baseDir, ContainerName(spec.JobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create job dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, localLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Ref{}, fmt.Errorf("open worker log: %w", err)
	}

	cmd := exec.Command(e.workerBin)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), buildJobEnv(spec)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return Ref{}, fmt.Errorf("start worker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, localPidFile), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		logFile.Close()
		return Ref{}, fmt.Errorf("write pid file: %w", err)
	}

	go func() {
		defer logFile.Close()
		code := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		_ = os.WriteFile(filepath.Join(dir, localExitFile), []byte(strconv.Itoa(code)), 0o644)
	}()

	return Ref{Kind: e.Kind(), Value: dir}, nil
}

func (e *LocalExecutor) Inspect(ctx context.Context, ref Ref) (Observation, error) {
	if e == nil {
		return Observation{}, errors.New("local executor not initialized")
	}
	dir := strings.TrimSpace(ref.Value)
	if dir == "" {
		return Observation{}, errors.New("job dir is required")
	}

	if raw, err := os.ReadFile(filepath.Join(dir, localExitFile)); err == nil {
		code, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr != nil {
			return Observation{Status: ObservationFailed, Message: "unreadable exit status"}, nil
		}
		if code == 0 {
			return Observation{Status: ObservationSucceeded, ExitCode: &code}, nil
		}
		return Observation{Status: ObservationFailed, Message: fmt.Sprintf("exited (%d)", code), ExitCode: &code}, nil
	}

	raw, err := os.ReadFile(filepath.Join(dir, localPidFile))
	if err != nil {
		return Observation{Status: ObservationGone, Message: "no pid file"}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return Observation{Status: ObservationGone, Message: "unreadable pid file"}, nil
	}
	if processAlive(pid) {
		return Observation{Status: ObservationRunning}, nil
	}
	// Process died while nobody was waiting on it, so no exit file exists.
	return Observation{Status: ObservationFailed, Message: "worker exited without status"}, nil
}

func (e *LocalExecutor) Cancel(ctx context.Context, ref Ref) error {
	if e == nil {
		return errors.New("local executor not initialized")
	}
	dir := strings.TrimSpace(ref.Value)
	if dir == "" {
		return errors.New("job dir is required")
	}
	raw, err := os.ReadFile(filepath.Join(dir, localPidFile))
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker %d: %w", pid, err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
