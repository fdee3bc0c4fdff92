package plan

import (
	"encoding/json"

	"github.com/kilnlabs/kiln-go/internal/domain"
)

// MarshalJobPlan serializes a job plan with stable field names.
func MarshalJobPlan(jobPlan domain.JobPlan) ([]byte, error) {
	payload := jobPlanPayload{
		BuildID:          jobPlan.BuildID,
		Platform:         jobPlan.Platform,
		CondaPlatform:    jobPlan.CondaPlatform,
		Image:            jobPlan.Image,
		Repo:             jobPlan.Repo,
		Ref:              jobPlan.Ref,
		CommitSHA:        jobPlan.CommitSHA,
		OutputFolder:     jobPlan.OutputFolder,
		ArtifactPatterns: jobPlan.ArtifactPatterns,
		RetentionDays:    jobPlan.RetentionDays,
		Env:              jobPlan.Env,
		Steps:            make([]planStepPayload, 0, len(jobPlan.Steps)),
	}
	for _, step := range jobPlan.Steps {
		payload.Steps = append(payload.Steps, planStepPayload{
			Name:           step.Name,
			Kind:           string(step.Kind),
			Commands:       step.Commands,
			Dir:            step.Dir,
			Env:            step.Env,
			Retry:          retryPolicyPayloadFromDomain(step.Retry),
			TimeoutSeconds: step.TimeoutSeconds,
		})
	}
	return json.Marshal(payload)
}

// UnmarshalJobPlan parses persisted plan JSON back into a domain JobPlan.
func UnmarshalJobPlan(raw []byte) (domain.JobPlan, error) {
	var payload jobPlanPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.JobPlan{}, err
	}
	steps := make([]domain.PlanStep, 0, len(payload.Steps))
	for _, step := range payload.Steps {
		steps = append(steps, domain.PlanStep{
			Name:     step.Name,
			Kind:     domain.StepKind(step.Kind),
			Commands: step.Commands,
			Dir:      step.Dir,
			Env:      step.Env,
			Retry: domain.RetryPolicy{
				MaxAttempts: step.Retry.MaxAttempts,
				Backoff: domain.Backoff{
					InitialSeconds: step.Retry.Backoff.InitialSeconds,
					MaxSeconds:     step.Retry.Backoff.MaxSeconds,
					Multiplier:     step.Retry.Backoff.Multiplier,
				},
			},
			TimeoutSeconds: step.TimeoutSeconds,
		})
	}
	return domain.JobPlan{
		BuildID:          payload.BuildID,
		Platform:         payload.Platform,
		CondaPlatform:    payload.CondaPlatform,
		Image:            payload.Image,
		Repo:             payload.Repo,
		Ref:              payload.Ref,
		CommitSHA:        payload.CommitSHA,
		OutputFolder:     payload.OutputFolder,
		ArtifactPatterns: payload.ArtifactPatterns,
		RetentionDays:    payload.RetentionDays,
		Env:              payload.Env,
		Steps:            steps,
	}, nil
}

type jobPlanPayload struct {
	BuildID          string            `json:"buildId"`
	Platform         string            `json:"platform"`
	CondaPlatform    string            `json:"condaPlatform"`
	Image            string            `json:"image,omitempty"`
	Repo             string            `json:"repo"`
	Ref              string            `json:"ref,omitempty"`
	CommitSHA        string            `json:"commitSha,omitempty"`
	OutputFolder     string            `json:"outputFolder"`
	ArtifactPatterns []string          `json:"artifactPatterns,omitempty"`
	RetentionDays    int               `json:"retentionDays,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Steps            []planStepPayload `json:"steps"`
}

type planStepPayload struct {
	Name           string             `json:"name"`
	Kind           string             `json:"kind"`
	Commands       [][]string         `json:"commands,omitempty"`
	Dir            string             `json:"dir,omitempty"`
	Env            map[string]string  `json:"env,omitempty"`
	Retry          retryPolicyPayload `json:"retry"`
	TimeoutSeconds int                `json:"timeoutSeconds,omitempty"`
}

type retryPolicyPayload struct {
	MaxAttempts int            `json:"maxAttempts,omitempty"`
	Backoff     backoffPayload `json:"backoff"`
}

type backoffPayload struct {
	InitialSeconds int     `json:"initialSeconds,omitempty"`
	MaxSeconds     int     `json:"maxSeconds,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty"`
}

func retryPolicyPayloadFromDomain(policy domain.RetryPolicy) retryPolicyPayload {
	return retryPolicyPayload{
		MaxAttempts: policy.MaxAttempts,
		Backoff: backoffPayload{
			InitialSeconds: policy.Backoff.InitialSeconds,
			MaxSeconds:     policy.Backoff.MaxSeconds,
			Multiplier:     policy.Backoff.Multiplier,
		},
	}
}
