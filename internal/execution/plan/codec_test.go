package plan

import (
	"bytes"
	"reflect"
	"testing"
)

func TestJobPlanCodecRoundTrip(t *testing.T) {
	spec := planSpec(t)
	entry, _ := spec.Entry("macos")

	original, err := BuildPlan(spec, planBuild(), entry)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	raw, err := MarshalJobPlan(original)
	if err != nil {
		t.Fatalf("MarshalJobPlan: %v", err)
	}
	decoded, err := UnmarshalJobPlan(raw)
	if err != nil {
		t.Fatalf("UnmarshalJobPlan: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip drifted:\n%+v\n%+v", original, decoded)
	}

	again, err := MarshalJobPlan(decoded)
	if err != nil {
		t.Fatalf("MarshalJobPlan again: %v", err)
	}
	if !bytes.Equal(raw, again) {
		t.Fatalf("serialization is not stable:\n%s\n%s", raw, again)
	}
}

func TestUnmarshalJobPlanRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalJobPlan([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}
