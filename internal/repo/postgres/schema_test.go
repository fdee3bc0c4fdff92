package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

func schemaStatementFor(t *testing.T, table string) string {
	t.Helper()
	marker := "CREATE TABLE IF NOT EXISTS " + table + " ("
	for _, stmt := range schemaStatements {
		if strings.Contains(stmt, marker) {
			return stmt
		}
	}
	t.Fatalf("no schema statement creates table %s", table)
	return ""
}

func insertColumnList(query string) []string {
	start := strings.Index(query, "(")
	end := strings.Index(query, ")")
	if start < 0 || end < start {
		return nil
	}
	parts := strings.Split(query[start+1:end], ",")
	columns := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			columns = append(columns, name)
		}
	}
	return columns
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func TestSchemaCoversEveryStoreInsert(t *testing.T) {
	inserts := map[string]string{
		"workflows":       insertWorkflowQuery,
		"builds":          insertBuildQuery,
		"build_jobs":      insertJobQuery,
		"step_executions": insertStepExecutionQuery,
		"artifacts":       insertArtifactQuery,
		"push_events":     insertPushEventQuery,
	}
	for table, insert := range inserts {
		ddl := schemaStatementFor(t, table)
		columns := insertColumnList(insert)
		if len(columns) == 0 {
			t.Fatalf("no insert columns parsed for table %s", table)
		}
		for _, column := range columns {
			if !strings.Contains(ddl, column) {
				t.Fatalf("table %s schema is missing column %s", table, column)
			}
		}
	}
}

func TestSchemaCoversAuditEvents(t *testing.T) {
	ddl := schemaStatementFor(t, "audit_events")
	for _, column := range []string{
		"occurred_at",
		"actor",
		"action",
		"resource_type",
		"resource_id",
		"request_id",
		"ip",
		"user_agent",
		"payload",
		"integrity_sha256",
	} {
		if !strings.Contains(ddl, column) {
			t.Fatalf("audit_events schema is missing column %s", column)
		}
	}
	if !strings.Contains(collapseSpaces(ddl), "event_id BIGSERIAL PRIMARY KEY") {
		t.Fatalf("audit_events must assign event ids from a sequence")
	}
}

func TestSchemaBacksConflictTargets(t *testing.T) {
	if !strings.Contains(collapseSpaces(schemaStatementFor(t, "step_executions")), "UNIQUE (job_id, step_name, attempt)") {
		t.Fatalf("step_executions needs the unique target for its conflict clause")
	}
	if !strings.Contains(collapseSpaces(schemaStatementFor(t, "push_events")), "delivery_id TEXT PRIMARY KEY") {
		t.Fatalf("push_events needs the delivery id key for its conflict clause")
	}
	if !strings.Contains(collapseSpaces(schemaStatementFor(t, "artifacts")), "UNIQUE (job_id, kind, filename)") {
		t.Fatalf("artifacts needs the unique key backing register dedup")
	}
	if !strings.Contains(collapseSpaces(schemaStatementFor(t, "workflows")), "UNIQUE (name, version)") {
		t.Fatalf("workflows needs one row per name and version")
	}
}

func TestSchemaStatementsAreIdempotent(t *testing.T) {
	for i, stmt := range schemaStatements {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Fatalf("statement %d is not idempotent: %s", i, collapseSpaces(stmt))
		}
	}
}

type fakeSchemaDB struct {
	executed []string
	failOn   string
}

func (f *fakeSchemaDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	if f.failOn != "" && strings.Contains(query, f.failOn) {
		return nil, errors.New("exec failed")
	}
	f.executed = append(f.executed, query)
	return nil, nil
}

func (f *fakeSchemaDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeSchemaDB) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

func TestEnsureSchemaRunsEveryStatementInOrder(t *testing.T) {
	db := &fakeSchemaDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if len(db.executed) != len(schemaStatements) {
		t.Fatalf("executed %d statements, want %d", len(db.executed), len(schemaStatements))
	}
	for i, stmt := range db.executed {
		if stmt != schemaStatements[i] {
			t.Fatalf("statement %d ran out of order", i)
		}
	}
}

func TestEnsureSchemaStopsOnFirstError(t *testing.T) {
	db := &fakeSchemaDB{failOn: "build_jobs"}
	err := EnsureSchema(context.Background(), db)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "ensure schema") {
		t.Fatalf("error should name the phase, got %v", err)
	}
	for _, stmt := range db.executed {
		if strings.Contains(stmt, "step_executions") {
			t.Fatalf("statements after the failure must not run")
		}
	}
}

func TestEnsureSchemaRequiresDatabase(t *testing.T) {
	if err := EnsureSchema(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil database")
	}
}
