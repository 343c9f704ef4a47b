package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/orchestra/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id                  TEXT PRIMARY KEY,
	workflow_name       TEXT NOT NULL,
	status              TEXT NOT NULL,
	input               JSONB,
	output              JSONB,
	error               TEXT NOT NULL DEFAULT '',
	outcome             TEXT NOT NULL DEFAULT '',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	max_retries         INTEGER NOT NULL DEFAULT 0,
	retry_of            TEXT NOT NULL DEFAULT '',
	correlation_id      TEXT NOT NULL DEFAULT '',
	parent_execution_id TEXT NOT NULL DEFAULT '',
	idempotency_key     TEXT NOT NULL DEFAULT '',
	lock_key            TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	started_at          TIMESTAMPTZ,
	deadline_at         TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	metadata            JSONB
);
ALTER TABLE workflow_executions ADD COLUMN IF NOT EXISTS metadata JSONB;
CREATE INDEX IF NOT EXISTS idx_workflow_executions_name_created ON workflow_executions (workflow_name, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_status_deadline ON workflow_executions (status, deadline_at);

CREATE TABLE IF NOT EXISTS workflow_step_events (
	id             TEXT PRIMARY KEY,
	execution_id   TEXT NOT NULL REFERENCES workflow_executions (id) ON DELETE CASCADE,
	workflow_name  TEXT NOT NULL,
	step_name      TEXT NOT NULL,
	step_index     INTEGER NOT NULL,
	total_steps    INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	input          JSONB,
	output         JSONB,
	error          TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_workflow_step_events_execution ON workflow_step_events (execution_id, step_index);
`

const executionColumns = `
	id, workflow_name, status, input, output, error, outcome,
	retry_count, max_retries, retry_of, correlation_id, parent_execution_id,
	idempotency_key, lock_key, created_at, started_at, deadline_at, completed_at,
	metadata`

const stepEventColumns = `
	id, execution_id, workflow_name, step_name, step_index, total_steps, status,
	input, output, error, error_kind, duration_ms, attempts, correlation_id,
	started_at, completed_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL execution store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the execution and step-event tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate workflow tables: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new execution.
func (s *PgStore) Create(ctx context.Context, exec model.WorkflowExecution) error {
	md, err := encodeMetadata(exec.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NULL, $18)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.WorkflowName, string(exec.Status), jsonArg(exec.Input), jsonArg(exec.Output),
		truncateMessage(exec.Error), string(exec.Outcome),
		exec.RetryCount, exec.MaxRetries, exec.RetryOf, exec.CorrelationID, exec.ParentExecutionID,
		exec.IdempotencyKey, exec.LockKey, exec.CreatedAt, exec.StartedAt, exec.DeadlineAt,
		jsonArg(md),
	)
	if err != nil {
		return fmt.Errorf("insert workflow execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
	}
	return nil
}

// Get retrieves an execution by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowExecution{}, model.NewExecutionNotFoundError(id)
	}
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("query workflow execution: %w", err)
	}
	return exec, nil
}

// MarkRunning moves a PENDING execution to RUNNING.
func (s *PgStore) MarkRunning(ctx context.Context, id string, startedAt time.Time, deadline *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, started_at = $3, deadline_at = $4
		WHERE id = $1 AND status = $5`,
		id, string(model.StatusRunning), startedAt, deadline, string(model.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "is not "+string(model.StatusPending))
	}
	return nil
}

// Finish performs the terminal transition. The status guard in the WHERE
// clause makes a second terminal transition affect no rows.
func (s *PgStore) Finish(ctx context.Context, id string, c Completion) error {
	if !c.Status.IsTerminal() {
		return model.NewBadRequestError(fmt.Sprintf("status %s is not terminal", c.Status))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, output = $3, error = $4, outcome = $5, completed_at = $6
		WHERE id = $1 AND status <> ALL($7)`,
		id, string(c.Status), jsonArg(c.Output), truncateMessage(c.Error), string(c.Outcome), c.CompletedAt,
		terminalStatusStrings(),
	)
	if err != nil {
		return fmt.Errorf("finish workflow execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "already finished")
	}
	return nil
}

// AmendOutcome rewrites the outcome of a CANCELLED or TIMEOUT execution.
func (s *PgStore) AmendOutcome(ctx context.Context, id string, outcome model.Outcome) error {
	statuses := make([]string, len(amendableStatuses))
	for i, st := range amendableStatuses {
		statuses[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET outcome = $2
		WHERE id = $1 AND status = ANY($3)`,
		id, string(outcome), statuses,
	)
	if err != nil {
		return fmt.Errorf("amend execution outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "is not cancelled or timed out")
	}
	return nil
}

// transitionError distinguishes a missing execution from a refused
// transition after a conditional update matched nothing.
func (s *PgStore) transitionError(ctx context.Context, id, reason string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM workflow_executions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewExecutionNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("query execution status: %w", err)
	}
	return model.NewConflictError(fmt.Sprintf("execution %q %s (status %s)", id, reason, status))
}

// List returns a page of executions matching filters, newest first.
func (s *PgStore) List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, int, error) {
	var (
		clauses []string
		args    []any
	)
	if filters.WorkflowName != "" {
		args = append(args, filters.WorkflowName)
		clauses = append(clauses, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, st := range filters.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filters.Since.IsZero() {
		args = append(args, filters.Since)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM workflow_executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow executions: %w", err)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions` + where + ` ORDER BY created_at DESC, id`
	if filters.PageSize > 0 {
		args = append(args, filters.PageSize, filters.Offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow executions: %w", err)
	}
	execs, err := collectExecutions(rows)
	if err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// FindExpired returns RUNNING executions whose deadline is before cutoff.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE status = $1 AND deadline_at IS NOT NULL AND deadline_at < $2
		ORDER BY deadline_at ASC`,
		string(model.StatusRunning), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired executions: %w", err)
	}
	return collectExecutions(rows)
}

// Stats aggregates executions of one workflow in the database.
func (s *PgStore) Stats(ctx context.Context, workflowName string, since time.Time) (model.WorkflowStatistics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status,
		       COUNT(*),
		       COUNT(completed_at),
		       COALESCE(SUM(EXTRACT(EPOCH FROM (completed_at - created_at)) * 1000), 0)::bigint
		FROM workflow_executions
		WHERE workflow_name = $1 AND created_at >= $2
		GROUP BY status`,
		workflowName, since,
	)
	if err != nil {
		return model.WorkflowStatistics{}, fmt.Errorf("query workflow statistics: %w", err)
	}
	defer rows.Close()

	stats := model.WorkflowStatistics{
		WorkflowName: workflowName,
		Since:        since,
		ByStatus:     make(map[model.ExecutionStatus]int),
	}
	var totalMs, finished int64
	for rows.Next() {
		var (
			status      string
			count, done int64
			sumMs       int64
		)
		if err := rows.Scan(&status, &count, &done, &sumMs); err != nil {
			return model.WorkflowStatistics{}, fmt.Errorf("scan workflow statistics: %w", err)
		}
		stats.ByStatus[model.ExecutionStatus(status)] = int(count)
		stats.Total += int(count)
		finished += done
		totalMs += sumMs
	}
	if err := rows.Err(); err != nil {
		return model.WorkflowStatistics{}, fmt.Errorf("iterate workflow statistics: %w", err)
	}
	if finished > 0 {
		stats.AverageDurationMs = totalMs / finished
	}
	return stats, nil
}

// AppendStepEvent inserts a step event.
func (s *PgStore) AppendStepEvent(ctx context.Context, event model.WorkflowStepEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_step_events (`+stepEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		event.ID, event.ExecutionID, event.WorkflowName, event.StepName, event.StepIndex, event.TotalSteps,
		string(event.Status), jsonArg(event.Input), jsonArg(event.Output),
		truncateMessage(event.Error), event.ErrorKind, event.DurationMs, event.Attempts, event.CorrelationID,
		event.StartedAt, event.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step event: %w", err)
	}
	return nil
}

// CompleteStepEvent records the outcome of a RUNNING step event.
func (s *PgStore) CompleteStepEvent(ctx context.Context, event model.WorkflowStepEvent) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_step_events
		SET status = $2, output = $3, error = $4, error_kind = $5, duration_ms = $6, attempts = $7, completed_at = $8
		WHERE id = $1 AND completed_at IS NULL`,
		event.ID, string(event.Status), jsonArg(event.Output), truncateMessage(event.Error), event.ErrorKind,
		event.DurationMs, event.Attempts, event.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("complete step event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("step event %q is missing or already completed", event.ID))
	}
	return nil
}

// StepEvents returns an execution's step events ordered by step index.
func (s *PgStore) StepEvents(ctx context.Context, executionID string) ([]model.WorkflowStepEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepEventColumns+`
		FROM workflow_step_events
		WHERE execution_id = $1
		ORDER BY step_index ASC, started_at ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowStepEvent
	for rows.Next() {
		var (
			e             model.WorkflowStepEvent
			status        string
			input, output []byte
		)
		if err := rows.Scan(
			&e.ID, &e.ExecutionID, &e.WorkflowName, &e.StepName, &e.StepIndex, &e.TotalSteps, &status,
			&input, &output, &e.Error, &e.ErrorKind, &e.DurationMs, &e.Attempts, &e.CorrelationID,
			&e.StartedAt, &e.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step event: %w", err)
		}
		e.Status = model.StepStatus(status)
		e.Input = rawJSON(input)
		e.Output = rawJSON(output)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step events: %w", err)
	}
	return events, nil
}

func collectExecutions(rows pgx.Rows) ([]model.WorkflowExecution, error) {
	defer rows.Close()

	execs := []model.WorkflowExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow executions: %w", err)
	}
	return execs, nil
}

func scanExecution(row pgx.Row) (model.WorkflowExecution, error) {
	var (
		exec            model.WorkflowExecution
		status, outcome string
		input, output   []byte
		metadata        []byte
	)
	err := row.Scan(
		&exec.ID, &exec.WorkflowName, &status, &input, &output, &exec.Error, &outcome,
		&exec.RetryCount, &exec.MaxRetries, &exec.RetryOf, &exec.CorrelationID, &exec.ParentExecutionID,
		&exec.IdempotencyKey, &exec.LockKey, &exec.CreatedAt, &exec.StartedAt, &exec.DeadlineAt, &exec.CompletedAt,
		&metadata,
	)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if exec.Metadata, err = decodeMetadata(metadata); err != nil {
		return model.WorkflowExecution{}, err
	}
	exec.Status = model.ExecutionStatus(status)
	exec.Outcome = model.Outcome(outcome)
	exec.Input = rawJSON(input)
	exec.Output = rawJSON(output)
	return exec, nil
}

// jsonArg passes empty JSON as SQL NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func terminalStatusStrings() []string {
	out := make([]string, len(model.TerminalStatuses))
	for i, st := range model.TerminalStatuses {
		out[i] = string(st)
	}
	return out
}
