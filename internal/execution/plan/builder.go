package plan

import (
	"fmt"
	"strings"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/workflow"
)

// Per-step timeouts. Conda solves can crawl; everything else is bounded
// by network transfer.
const (
	checkoutTimeoutSeconds    = 10 * 60
	fetchTagsTimeoutSeconds   = 5 * 60
	permissionsTimeoutSeconds = 5 * 60
	condaUpdateTimeoutSeconds = 20 * 60
	buildTimeoutSeconds       = 2 * 60 * 60
	uploadTimeoutSeconds      = 30 * 60
)

// networkRetry covers the steps that fail on registry or transfer flakes.
var networkRetry = domain.RetryPolicy{
	MaxAttempts: 3,
	Backoff: domain.Backoff{
		InitialSeconds: 10,
		MaxSeconds:     120,
		Multiplier:     2,
	},
}

// BuildPlan generates the deterministic step list for one matrix entry
// of a build.
func BuildPlan(spec workflow.Spec, build domain.Build, entry workflow.MatrixEntry) (domain.JobPlan, error) {
	if err := spec.Validate(); err != nil {
		return domain.JobPlan{}, err
	}
	if strings.TrimSpace(build.ID) == "" {
		return domain.JobPlan{}, fmt.Errorf("build id is required")
	}
	repo := strings.TrimSpace(build.Repo)
	if repo == "" {
		repo = strings.TrimSpace(spec.Trigger.Repo)
	}
	if repo == "" {
		return domain.JobPlan{}, fmt.Errorf("build repo is required")
	}
	if strings.TrimSpace(entry.Platform) == "" || strings.TrimSpace(entry.CondaPlatform) == "" {
		return domain.JobPlan{}, fmt.Errorf("matrix entry is incomplete: %+v", entry)
	}

	steps := make([]domain.PlanStep, 0, 8)

	checkout := [][]string{{"git", "clone", "--no-tags", cloneURL(repo), "."}}
	if sha := strings.TrimSpace(build.CommitSHA); sha != "" {
		checkout = append(checkout, []string{"git", "checkout", "--detach", sha})
	} else if branch := strings.TrimSpace(build.Branch); branch != "" {
		checkout = append(checkout, []string{"git", "checkout", branch})
	}
	steps = append(steps, domain.PlanStep{
		Name:           domain.StepCheckout,
		Kind:           domain.StepKindCommand,
		Commands:       checkout,
		TimeoutSeconds: checkoutTimeoutSeconds,
	})

	steps = append(steps, domain.PlanStep{
		Name:           domain.StepFetchTags,
		Kind:           domain.StepKindCommand,
		Commands:       [][]string{{"git", "fetch", "--tags", "origin"}},
		TimeoutSeconds: fetchTagsTimeoutSeconds,
	})

	// The macOS runners ship conda owned by root.
	if entry.CondaPlatform == "osx-64" {
		steps = append(steps, domain.PlanStep{
			Name:           domain.StepFixPermissions,
			Kind:           domain.StepKindCommand,
			Commands:       [][]string{{"sudo", "chown", "-R", "${USER}", "${CONDA}"}},
			TimeoutSeconds: permissionsTimeoutSeconds,
		})
	}

	steps = append(steps, domain.PlanStep{
		Name: domain.StepCondaPath,
		Kind: domain.StepKindCondaPath,
	})

	steps = append(steps, domain.PlanStep{
		Name: domain.StepCondaUpdate,
		Kind: domain.StepKindCommand,
		Commands: [][]string{
			{"conda", "update", "-q", "-y", "conda"},
			{"conda", "install", "-q", "-y", "conda-build"},
		},
		Retry:          networkRetry,
		TimeoutSeconds: condaUpdateTimeoutSeconds,
	})

	buildArgv := []string{"conda", "build", "--output-folder", spec.Build.OutputFolder}
	for _, channel := range spec.Build.Channels {
		buildArgv = append(buildArgv, "-c", channel)
	}
	buildArgv = append(buildArgv, spec.Build.RecipeDir)
	steps = append(steps, domain.PlanStep{
		Name:           domain.StepBuild,
		Kind:           domain.StepKindCommand,
		Commands:       [][]string{buildArgv},
		TimeoutSeconds: buildTimeoutSeconds,
	})

	steps = append(steps, domain.PlanStep{
		Name: domain.StepCollect,
		Kind: domain.StepKindCollect,
	})

	steps = append(steps, domain.PlanStep{
		Name:           domain.StepUpload,
		Kind:           domain.StepKindUpload,
		Retry:          networkRetry,
		TimeoutSeconds: uploadTimeoutSeconds,
	})

	jobPlan := domain.JobPlan{
		BuildID:          build.ID,
		Platform:         entry.Platform,
		CondaPlatform:    entry.CondaPlatform,
		Image:            entry.Image,
		Repo:             cloneURL(repo),
		Ref:              build.Ref,
		CommitSHA:        build.CommitSHA,
		OutputFolder:     spec.Build.OutputFolder,
		ArtifactPatterns: append([]string(nil), spec.Artifacts.Patterns...),
		RetentionDays:    spec.Artifacts.RetentionDays,
		Env:              cloneEnv(spec.Env),
		Steps:            steps,
	}
	if err := jobPlan.Validate(); err != nil {
		return domain.JobPlan{}, err
	}
	return jobPlan, nil
}

// cloneURL turns an owner/name repo reference into an https clone URL
// and passes full URLs through untouched.
func cloneURL(repo string) string {
	repo = strings.TrimSpace(repo)
	if strings.Contains(repo, "://") || strings.Contains(repo, "@") {
		return repo
	}
	return "https://github.com/" + strings.Trim(repo, "/") + ".git"
}

func cloneEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		out[key] = value
	}
	return out
}
