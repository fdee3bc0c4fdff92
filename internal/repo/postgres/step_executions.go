package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kilnlabs/kiln-go/internal/domain"
	"github.com/kilnlabs/kiln-go/internal/repo"
)

type StepExecutionStore struct {
	db DB
}

const (
	stepExecutionColumns = `step_execution_id, job_id, step_name, attempt, outcome, started_at, ended_at,
	exit_code, error_code, error_message, spec_hash`

	insertStepExecutionQuery = `INSERT INTO step_executions (
		step_execution_id,
		job_id,
		step_name,
		attempt,
		outcome,
		started_at,
		ended_at,
		exit_code,
		error_code,
		error_message,
		spec_hash
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (job_id, step_name, attempt) DO NOTHING
	RETURNING ` + stepExecutionColumns

	selectStepExecutionQuery = `SELECT ` + stepExecutionColumns + `
	 FROM step_executions
	 WHERE job_id = $1 AND step_name = $2 AND attempt = $3`

	listStepExecutionsByJobQuery = `SELECT ` + stepExecutionColumns + `
	 FROM step_executions
	 WHERE job_id = $1
	 ORDER BY started_at ASC, step_name ASC, attempt ASC`
)

func NewStepExecutionStore(db DB) *StepExecutionStore {
	if db == nil {
		return nil
	}
	return &StepExecutionStore{db: db}
}

// InsertAttempt records one step attempt. Re-reporting the same
// (job, step, attempt) returns the stored row with inserted=false.
func (s *StepExecutionStore) InsertAttempt(ctx context.Context, execution domain.StepExecution) (domain.StepExecution, bool, error) {
	if s == nil || s.db == nil {
		return domain.StepExecution{}, false, fmt.Errorf("step execution store not initialized")
	}
	if err := execution.Validate(); err != nil {
		return domain.StepExecution{}, false, err
	}

	id := strings.TrimSpace(execution.ID)
	if id == "" {
		id = uuid.NewString()
	}
	startedAt := normalizeTime(execution.StartedAt)
	var exitCode sql.NullInt32
	if execution.ExitCode != nil {
		exitCode = sql.NullInt32{Int32: int32(*execution.ExitCode), Valid: true}
	}

	row := s.db.QueryRowContext(
		ctx,
		insertStepExecutionQuery,
		id,
		strings.TrimSpace(execution.JobID),
		strings.TrimSpace(execution.StepName),
		execution.Attempt,
		string(execution.Outcome),
		startedAt,
		nullTime(execution.EndedAt),
		exitCode,
		nullIfEmpty(execution.ErrorCode),
		nullIfEmpty(execution.ErrorMessage),
		nullIfEmpty(execution.SpecHash),
	)
	inserted, err := scanStepExecution(row)
	if err != nil {
		// The conflict clause swallows the RETURNING row for replays.
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.StepExecution{}, false, fmt.Errorf("insert step execution: %w", err)
		}
		existing, err := s.getAttempt(ctx, execution.JobID, execution.StepName, execution.Attempt)
		if err != nil {
			return domain.StepExecution{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepExecutionStore) ListByJob(ctx context.Context, jobID string) ([]domain.StepExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step execution store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStepExecutionsByJobQuery, jobID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	executions := make([]domain.StepExecution, 0)
	for rows.Next() {
		execution, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	return executions, nil
}

func (s *StepExecutionStore) getAttempt(ctx context.Context, jobID, stepName string, attempt int) (domain.StepExecution, error) {
	row := s.db.QueryRowContext(ctx, selectStepExecutionQuery, strings.TrimSpace(jobID), strings.TrimSpace(stepName), attempt)
	return scanStepExecution(row)
}

func scanStepExecution(scanner rowScanner) (domain.StepExecution, error) {
	var execution domain.StepExecution
	var outcome string
	var endedAt sql.NullTime
	var exitCode sql.NullInt32
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var specHash sql.NullString
	if err := scanner.Scan(
		&execution.ID,
		&execution.JobID,
		&execution.StepName,
		&execution.Attempt,
		&outcome,
		&execution.StartedAt,
		&endedAt,
		&exitCode,
		&errorCode,
		&errorMessage,
		&specHash,
	); err != nil {
		return domain.StepExecution{}, handleNotFound(err)
	}
	execution.Outcome = domain.StepOutcome(outcome)
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		execution.EndedAt = &ended
	}
	if exitCode.Valid {
		code := int(exitCode.Int32)
		execution.ExitCode = &code
	}
	execution.ErrorCode = strings.TrimSpace(errorCode.String)
	execution.ErrorMessage = strings.TrimSpace(errorMessage.String)
	execution.SpecHash = strings.TrimSpace(specHash.String)
	return execution, nil
}
