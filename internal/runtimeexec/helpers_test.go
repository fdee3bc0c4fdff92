package runtimeexec

import (
	"strings"
	"testing"
)

func TestContainerNameDeterministic(t *testing.T) {
	first := ContainerName("955e1f9c-6c4d-4306-a3a2-2e9a46713c42")
	second := ContainerName("955e1f9c-6c4d-4306-a3a2-2e9a46713c42")
	if first != second {
		t.Fatalf("expected stable name, got %q and %q", first, second)
	}
	if !strings.HasPrefix(first, "kiln-job-") {
		t.Fatalf("expected kiln-job- prefix, got %q", first)
	}
}

func TestContainerNameDistinguishesJobs(t *testing.T) {
	a := ContainerName("job-a")
	b := ContainerName("job-b")
	if a == b {
		t.Fatalf("expected distinct names, both %q", a)
	}
}

func TestContainerNameSanitizesAndBounds(t *testing.T) {
	name := ContainerName("My Job/ID " + strings.Repeat("x", 200))
	if len(name) > 63 {
		t.Fatalf("name too long: %d chars", len(name))
	}
	if strings.ContainsAny(name, " /") {
		t.Fatalf("expected sanitized name, got %q", name)
	}
	if name != strings.ToLower(name) {
		t.Fatalf("expected lowercase name, got %q", name)
	}
}

func TestBuildJobEnvOrdersAndFilters(t *testing.T) {
	spec := JobSpec{
		JobID:          "job-1",
		BuildID:        "build-1",
		CoordinatorURL: "http://coordinator:8080",
		Token:          "secret",
		Env: map[string]string{
			"ZYX":            "last",
			"ABC":            "first",
			"KILN_JOB_ID":    "spoofed",
			"kiln_job_token": "spoofed",
			"":               "dropped",
		},
	}

	env := buildJobEnv(spec)
	want := []string{
		"KILN_JOB_ID=job-1",
		"KILN_JOB_TOKEN=secret",
		"KILN_COORDINATOR_URL=http://coordinator:8080",
		"ABC=first",
		"ZYX=last",
	}
	if len(env) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(env), env)
	}
	for i, entry := range want {
		if env[i] != entry {
			t.Fatalf("env[%d] = %q, want %q", i, env[i], entry)
		}
	}
}
