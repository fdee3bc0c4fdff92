package postgres

import (
	"strings"
	"testing"
)

func TestStepExecutionInsertIsIdempotent(t *testing.T) {
	if !strings.Contains(insertStepExecutionQuery, "ON CONFLICT (job_id, step_name, attempt) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in insert query")
	}
	if !strings.Contains(insertStepExecutionQuery, "RETURNING") {
		t.Fatalf("expected RETURNING clause in insert query")
	}
}

func TestStepExecutionListOrdered(t *testing.T) {
	if !strings.Contains(listStepExecutionsByJobQuery, "job_id = $1") {
		t.Fatalf("expected job_id predicate in list query")
	}
	if !strings.Contains(listStepExecutionsByJobQuery, "ORDER BY started_at ASC, step_name ASC, attempt ASC") {
		t.Fatalf("expected deterministic ordering in list query")
	}
}
