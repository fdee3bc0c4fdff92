package domain

import "testing"

func TestCanTransitionBuildState(t *testing.T) {
	cases := []struct {
		current BuildState
		next    BuildState
		want    bool
	}{
		{BuildStateCreated, BuildStatePlanned, true},
		{BuildStatePlanned, BuildStateRunning, true},
		{BuildStateRunning, BuildStateSucceeded, true},
		{BuildStateRunning, BuildStateFailed, true},
		{BuildStateRunning, BuildStateCanceled, true},
		{BuildStateSucceeded, BuildStateRunning, false},
		{BuildStateFailed, BuildStateSucceeded, false},
		{BuildStateCanceled, BuildStateRunning, false},
		{BuildStateRunning, BuildStateRunning, true},
		{"", BuildStateRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransitionBuildState(tc.current, tc.next); got != tc.want {
			t.Errorf("CanTransitionBuildState(%q, %q)=%v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}

func TestCanTransitionJobState(t *testing.T) {
	cases := []struct {
		current JobState
		next    JobState
		want    bool
	}{
		{JobStateQueued, JobStateDispatched, true},
		{JobStateDispatched, JobStateRunning, true},
		{JobStateRunning, JobStateSucceeded, true},
		{JobStateDispatched, JobStateQueued, true},
		{JobStateRunning, JobStateQueued, false},
		{JobStateQueued, JobStateSkipped, true},
		{JobStateSucceeded, JobStateFailed, false},
		{JobStateSkipped, JobStateRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransitionJobState(tc.current, tc.next); got != tc.want {
			t.Errorf("CanTransitionJobState(%q, %q)=%v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}

func TestIsTerminalJobState(t *testing.T) {
	for _, state := range []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateSkipped} {
		if !IsTerminalJobState(state) {
			t.Errorf("IsTerminalJobState(%q)=false, want true", state)
		}
	}
	for _, state := range []JobState{JobStateQueued, JobStateDispatched, JobStateRunning} {
		if IsTerminalJobState(state) {
			t.Errorf("IsTerminalJobState(%q)=true, want false", state)
		}
	}
}

func TestNormalizeJobState(t *testing.T) {
	if got := NormalizeJobState(" Running "); got != JobStateRunning {
		t.Fatalf("NormalizeJobState()=%q, want running", got)
	}
	if got := NormalizeJobState("bogus"); got != "" {
		t.Fatalf("NormalizeJobState()=%q, want empty", got)
	}
}
