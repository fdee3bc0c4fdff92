package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kilnlabs/kiln-go/internal/domain"
)

const maxErrorMessageBytes = 4 << 10

// pipeline runs one job plan step by step. Steps execute sequentially;
// every attempt is reported to the coordinator before the next one starts,
// and a failed step turns the rest of the plan into skipped reports.
type pipeline struct {
	logger   *slog.Logger
	client   *coordinatorClient
	jobID    string
	plan     domain.JobPlan
	workDir  string
	gitBin   string
	condaBin string

	logBuf *bytes.Buffer
	out    io.Writer

	// extraPath is prepended to PATH for command steps once the
	// conda-path step has resolved the install root.
	extraPath []string
	collected []collectedFile

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func newPipeline(logger *slog.Logger, client *coordinatorClient, cfg workerConfig, jobPlan domain.JobPlan, workDir string) *pipeline {
	logBuf := &bytes.Buffer{}
	return &pipeline{
		logger:   logger,
		client:   client,
		jobID:    cfg.JobID,
		plan:     jobPlan,
		workDir:  workDir,
		gitBin:   cfg.GitBin,
		condaBin: cfg.CondaBin,
		logBuf:   logBuf,
		out:      io.MultiWriter(logBuf, os.Stdout),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// run executes the plan and returns the first step error, if any. Report
// failures abort the run: a worker that cannot reach the coordinator has
// no way to leave a record, so there is no point continuing.
func (p *pipeline) run(ctx context.Context) error {
	var failedStep string
	var firstErr error

	for _, step := range p.plan.Steps {
		if failedStep != "" {
			if err := p.reportSkipped(ctx, step, failedStep); err != nil {
				return err
			}
			continue
		}
		if err := p.runStep(ctx, step); err != nil {
			var reportErr *reportError
			if errors.As(err, &reportErr) {
				return err
			}
			failedStep = step.Name
			firstErr = err
		}
	}
	return firstErr
}

// reportError wraps a coordinator call that failed; it is fatal for the
// run rather than a step outcome.
type reportError struct{ err error }

func (e *reportError) Error() string { return "report step: " + e.err.Error() }
func (e *reportError) Unwrap() error { return e.err }

func (p *pipeline) runStep(ctx context.Context, step domain.PlanStep) error {
	attempts := step.Retry.Attempts()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		p.logf("=== %s (attempt %d/%d)", step.Name, attempt, attempts)
		started := p.now().UTC()
		exitCode, errCode, err := p.runAttempt(ctx, step)
		ended := p.now().UTC()

		report := stepReport{
			StepName:  step.Name,
			Attempt:   attempt,
			Outcome:   string(domain.StepOutcomeSucceeded),
			StartedAt: started,
			EndedAt:   &ended,
			ExitCode:  exitCode,
		}
		if err != nil {
			report.Outcome = string(domain.StepOutcomeFailed)
			report.ErrorCode = errCode
			report.ErrorMessage = truncateMessage(err.Error())
		}
		if reportErr := p.client.reportStep(ctx, p.jobID, report); reportErr != nil {
			p.logger.Error("step report failed", "step", step.Name, "attempt", attempt, "error", reportErr)
			return &reportError{err: reportErr}
		}

		if err == nil {
			return nil
		}
		lastErr = err
		p.logf("step %s failed: %v", step.Name, err)

		if attempt < attempts {
			delay := step.Retry.Delay(attempt)
			if delay > 0 {
				p.logf("retrying %s in %s", step.Name, delay)
			}
			if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func (p *pipeline) reportSkipped(ctx context.Context, step domain.PlanStep, failedStep string) error {
	now := p.now().UTC()
	report := stepReport{
		StepName:     step.Name,
		Attempt:      1,
		Outcome:      string(domain.StepOutcomeSkipped),
		StartedAt:    now,
		EndedAt:      &now,
		ErrorMessage: "skipped after " + failedStep + " failed",
	}
	p.logf("=== %s skipped", step.Name)
	if err := p.client.reportStep(ctx, p.jobID, report); err != nil {
		return &reportError{err: err}
	}
	return nil
}

func (p *pipeline) runAttempt(ctx context.Context, step domain.PlanStep) (*int, string, error) {
	switch step.Kind {
	case domain.StepKindCommand:
		return p.runCommands(ctx, step)
	case domain.StepKindCondaPath:
		return p.resolveCondaPath(step)
	case domain.StepKindCollect:
		return p.collectArtifacts(step)
	case domain.StepKindUpload:
		return p.uploadArtifacts(ctx, step)
	default:
		return nil, "unknown_step_kind", fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (p *pipeline) runCommands(ctx context.Context, step domain.PlanStep) (*int, string, error) {
	attemptCtx := ctx
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	for _, argv := range step.Commands {
		expanded := p.expandArgv(argv, step)
		p.logf("$ %s", strings.Join(expanded, " "))

		cmd := exec.CommandContext(attemptCtx, p.resolveBinary(expanded[0]), expanded[1:]...)
		cmd.Dir = p.stepDir(step)
		cmd.Env = p.commandEnv(step)
		cmd.Stdout = p.out
		cmd.Stderr = p.out

		if err := cmd.Run(); err != nil {
			if attemptCtx.Err() != nil {
				return nil, "timeout", fmt.Errorf("%s timed out after %ds", expanded[0], step.TimeoutSeconds)
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code := exitErr.ExitCode()
				return &code, "command_failed", fmt.Errorf("%s exited with %d", expanded[0], code)
			}
			return nil, "spawn_failed", fmt.Errorf("%s: %w", expanded[0], err)
		}
	}
	zero := 0
	return &zero, "", nil
}

// resolveCondaPath locates the conda install root and prepends its binary
// directories for the steps that follow, standing in for the workflow's
// `echo "$CONDA/bin" >> $GITHUB_PATH` line.
func (p *pipeline) resolveCondaPath(step domain.PlanStep) (*int, string, error) {
	root := strings.TrimSpace(p.lookupVar(step)("CONDA"))
	if root == "" {
		if path, err := exec.LookPath(p.condaBin); err == nil {
			// <root>/bin/conda or <root>/condabin/conda
			root = filepath.Dir(filepath.Dir(path))
		}
	}
	if root == "" {
		return nil, "conda_not_found", errors.New("conda root not found; set CONDA or install conda on PATH")
	}

	var dirs []string
	if p.plan.CondaPlatform == "win-64" {
		dirs = []string{root, filepath.Join(root, "Scripts"), filepath.Join(root, "Library", "bin")}
	} else {
		dirs = []string{filepath.Join(root, "bin"), filepath.Join(root, "condabin")}
	}
	p.extraPath = append(dirs, p.extraPath...)
	p.logf("conda path: %s", strings.Join(dirs, string(os.PathListSeparator)))
	return nil, "", nil
}

func (p *pipeline) stepDir(step domain.PlanStep) string {
	if strings.TrimSpace(step.Dir) == "" {
		return p.workDir
	}
	return filepath.Join(p.workDir, step.Dir)
}

// lookupVar resolves `${VAR}` tokens and native-step variables: step env
// first, then plan env, then the process environment.
func (p *pipeline) lookupVar(step domain.PlanStep) func(string) string {
	return func(key string) string {
		if value, ok := step.Env[key]; ok {
			return value
		}
		if value, ok := p.plan.Env[key]; ok {
			return value
		}
		return os.Getenv(key)
	}
}

func (p *pipeline) expandArgv(argv []string, step domain.PlanStep) []string {
	lookup := p.lookupVar(step)
	expanded := make([]string, len(argv))
	for i, arg := range argv {
		expanded[i] = os.Expand(arg, lookup)
	}
	return expanded
}

// resolveBinary applies the git/conda overrides and then searches the
// conda path dirs: exec resolves argv[0] against the parent's PATH, not
// the child env, so the prepended dirs have to be searched by hand.
func (p *pipeline) resolveBinary(name string) string {
	switch name {
	case "git":
		if p.gitBin != "" {
			name = p.gitBin
		}
	case "conda":
		if p.condaBin != "" {
			name = p.condaBin
		}
	}
	if filepath.Base(name) != name {
		return name
	}
	for _, dir := range p.extraPath {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return name
}

// commandEnv layers the plan env and step env over the process env, with
// the conda dirs prepended to PATH. Later entries win.
func (p *pipeline) commandEnv(step domain.PlanStep) []string {
	env := os.Environ()
	env = append(env, sortedEnv(p.plan.Env)...)
	env = append(env, sortedEnv(step.Env)...)
	if len(p.extraPath) > 0 {
		parts := append(append([]string(nil), p.extraPath...), os.Getenv("PATH"))
		env = append(env, "PATH="+strings.Join(parts, string(os.PathListSeparator)))
	}
	return env
}

func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}

func (p *pipeline) logf(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func truncateMessage(message string) string {
	if len(message) <= maxErrorMessageBytes {
		return message
	}
	return message[:maxErrorMessageBytes]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
