package postgres

import (
	"context"
	"fmt"
)

// schemaStatements is the idempotent DDL for every table this package and
// the audit log write to. Statements run in order; referenced tables come
// before their dependents.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		workflow_id   TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		version       INTEGER NOT NULL,
		spec_hash     TEXT NOT NULL,
		raw_spec      TEXT NOT NULL,
		active        BOOLEAN NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		created_by    TEXT,
		UNIQUE (name, version)
	)`,

	`CREATE TABLE IF NOT EXISTS builds (
		build_id          TEXT PRIMARY KEY,
		workflow_id       TEXT NOT NULL REFERENCES workflows (workflow_id),
		workflow_name     TEXT NOT NULL,
		workflow_version  INTEGER NOT NULL,
		spec_hash         TEXT NOT NULL,
		repo              TEXT NOT NULL,
		branch            TEXT,
		ref               TEXT,
		commit_sha        TEXT NOT NULL,
		delivery_id       TEXT,
		fail_fast         BOOLEAN NOT NULL,
		status            TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		started_at        TIMESTAMPTZ,
		ended_at          TIMESTAMPTZ,
		created_by        TEXT,
		integrity_sha256  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS build_jobs (
		job_id             TEXT PRIMARY KEY,
		build_id           TEXT NOT NULL REFERENCES builds (build_id),
		platform           TEXT NOT NULL,
		conda_platform     TEXT NOT NULL,
		image              TEXT NOT NULL,
		status             TEXT NOT NULL,
		executor_kind      TEXT,
		executor_ref       TEXT,
		plan               JSONB NOT NULL,
		dispatch_attempts  INTEGER NOT NULL,
		timeout_seconds    INTEGER NOT NULL,
		queued_at          TIMESTAMPTZ NOT NULL,
		dispatched_at      TIMESTAMPTZ,
		started_at         TIMESTAMPTZ,
		ended_at           TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS step_executions (
		step_execution_id  TEXT PRIMARY KEY,
		job_id             TEXT NOT NULL REFERENCES build_jobs (job_id),
		step_name          TEXT NOT NULL,
		attempt            INTEGER NOT NULL,
		outcome            TEXT NOT NULL,
		started_at         TIMESTAMPTZ NOT NULL,
		ended_at           TIMESTAMPTZ,
		exit_code          INTEGER,
		error_code         TEXT,
		error_message      TEXT,
		spec_hash          TEXT,
		UNIQUE (job_id, step_name, attempt)
	)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id       TEXT PRIMARY KEY,
		build_id          TEXT NOT NULL REFERENCES builds (build_id),
		job_id            TEXT NOT NULL REFERENCES build_jobs (job_id),
		kind              TEXT NOT NULL,
		filename          TEXT NOT NULL,
		subdir            TEXT,
		object_key        TEXT NOT NULL,
		sha256            TEXT NOT NULL,
		size_bytes        BIGINT NOT NULL,
		content_type      TEXT,
		metadata          JSONB,
		retention_until   TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL,
		created_by        TEXT,
		integrity_sha256  TEXT NOT NULL,
		UNIQUE (job_id, kind, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS push_events (
		delivery_id     TEXT PRIMARY KEY,
		repo            TEXT NOT NULL,
		full_name       TEXT,
		ref             TEXT NOT NULL,
		branch          TEXT,
		head_commit     TEXT,
		pusher          TEXT,
		payload_sha256  TEXT NOT NULL,
		received_at     TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id          BIGSERIAL PRIMARY KEY,
		occurred_at       TIMESTAMPTZ NOT NULL,
		actor             TEXT NOT NULL,
		action            TEXT NOT NULL,
		resource_type     TEXT NOT NULL,
		resource_id       TEXT NOT NULL,
		request_id        TEXT,
		ip                TEXT,
		user_agent        TEXT,
		payload           JSONB,
		integrity_sha256  TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS builds_delivery_id_idx ON builds (delivery_id)`,

	`CREATE INDEX IF NOT EXISTS builds_status_idx ON builds (status)`,

	`CREATE INDEX IF NOT EXISTS build_jobs_build_id_idx ON build_jobs (build_id)`,

	// Serves both the claim query's queued scan and status list filters.
	`CREATE INDEX IF NOT EXISTS build_jobs_status_queued_at_idx ON build_jobs (status, queued_at)`,

	`CREATE INDEX IF NOT EXISTS artifacts_build_id_idx ON artifacts (build_id)`,
}

// EnsureSchema creates any missing tables and indexes. Every statement is
// idempotent, so running it against an already provisioned database is a
// no-op.
func EnsureSchema(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("ensure schema: database handle is required")
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
