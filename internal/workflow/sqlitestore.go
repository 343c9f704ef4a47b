package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pitabwire/orchestra/model"
)

// SQLiteStore is a Store backed by SQLite through database/sql.
//
// The caller opens the *sql.DB and imports the driver:
//
//	import _ "modernc.org/sqlite"
//
// Timestamps are stored as UTC Unix nanoseconds so range queries compare
// integers.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the schema in db and returns the store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_executions (
			id                  TEXT PRIMARY KEY,
			workflow_name       TEXT NOT NULL,
			status              TEXT NOT NULL,
			input               BLOB,
			output              BLOB,
			error               TEXT NOT NULL DEFAULT '',
			outcome             TEXT NOT NULL DEFAULT '',
			retry_count         INTEGER NOT NULL DEFAULT 0,
			max_retries         INTEGER NOT NULL DEFAULT 0,
			retry_of            TEXT NOT NULL DEFAULT '',
			correlation_id      TEXT NOT NULL DEFAULT '',
			parent_execution_id TEXT NOT NULL DEFAULT '',
			idempotency_key     TEXT NOT NULL DEFAULT '',
			lock_key            TEXT NOT NULL DEFAULT '',
			created_at          INTEGER NOT NULL,
			started_at          INTEGER,
			deadline_at         INTEGER,
			completed_at        INTEGER,
			metadata            BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_executions_name_created ON workflow_executions (workflow_name, created_at);
		CREATE INDEX IF NOT EXISTS idx_workflow_executions_status_deadline ON workflow_executions (status, deadline_at);
		CREATE TABLE IF NOT EXISTS workflow_step_events (
			id             TEXT PRIMARY KEY,
			execution_id   TEXT NOT NULL,
			workflow_name  TEXT NOT NULL,
			step_name      TEXT NOT NULL,
			step_index     INTEGER NOT NULL,
			total_steps    INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL,
			input          BLOB,
			output         BLOB,
			error          TEXT NOT NULL DEFAULT '',
			error_kind     TEXT NOT NULL DEFAULT '',
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			attempts       INTEGER NOT NULL DEFAULT 0,
			correlation_id TEXT NOT NULL DEFAULT '',
			started_at     INTEGER NOT NULL,
			completed_at   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_step_events_execution ON workflow_step_events (execution_id, step_index);`,
	)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new execution.
func (s *SQLiteStore) Create(ctx context.Context, exec model.WorkflowExecution) error {
	md, err := encodeMetadata(exec.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO workflow_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		exec.ID, exec.WorkflowName, string(exec.Status), blobArg(exec.Input), blobArg(exec.Output),
		truncateMessage(exec.Error), string(exec.Outcome),
		exec.RetryCount, exec.MaxRetries, exec.RetryOf, exec.CorrelationID, exec.ParentExecutionID,
		exec.IdempotencyKey, exec.LockKey, nanos(exec.CreatedAt), nullNanos(exec.StartedAt), nullNanos(exec.DeadlineAt),
		blobArg(md),
	)
	if err != nil {
		return fmt.Errorf("insert workflow execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
	}
	return nil
}

// Get retrieves an execution by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanSQLiteExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowExecution{}, model.NewExecutionNotFoundError(id)
	}
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("query workflow execution: %w", err)
	}
	return exec, nil
}

// MarkRunning moves a PENDING execution to RUNNING.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, startedAt time.Time, deadline *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, started_at = ?, deadline_at = ?
		WHERE id = ? AND status = ?`,
		string(model.StatusRunning), nanos(startedAt), nullNanos(deadline), id, string(model.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, "is not "+string(model.StatusPending))
	}
	return nil
}

// Finish performs the terminal transition.
func (s *SQLiteStore) Finish(ctx context.Context, id string, c Completion) error {
	if !c.Status.IsTerminal() {
		return model.NewBadRequestError(fmt.Sprintf("status %s is not terminal", c.Status))
	}
	terminal := terminalStatusStrings()
	args := []any{string(c.Status), blobArg(c.Output), truncateMessage(c.Error), string(c.Outcome), nanos(c.CompletedAt), id}
	for _, st := range terminal {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, output = ?, error = ?, outcome = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (`+placeholders(len(terminal))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("finish workflow execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, "already finished")
	}
	return nil
}

// AmendOutcome rewrites the outcome of a CANCELLED or TIMEOUT execution.
func (s *SQLiteStore) AmendOutcome(ctx context.Context, id string, outcome model.Outcome) error {
	args := []any{string(outcome), id}
	for _, st := range amendableStatuses {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET outcome = ?
		WHERE id = ? AND status IN (`+placeholders(len(amendableStatuses))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("amend execution outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, "is not cancelled or timed out")
	}
	return nil
}

func (s *SQLiteStore) transitionError(ctx context.Context, id, reason string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewExecutionNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("query execution status: %w", err)
	}
	return model.NewConflictError(fmt.Sprintf("execution %q %s (status %s)", id, reason, status))
}

// List returns a page of executions matching filters, newest first.
func (s *SQLiteStore) List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, int, error) {
	var (
		clauses []string
		args    []any
	)
	if filters.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filters.WorkflowName)
	}
	if len(filters.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(filters.Statuses))+")")
		for _, st := range filters.Statuses {
			args = append(args, string(st))
		}
	}
	if !filters.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, nanos(filters.Since))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow executions: %w", err)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions` + where + ` ORDER BY created_at DESC, id`
	if filters.PageSize > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filters.PageSize, filters.Offset())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow executions: %w", err)
	}
	execs, err := collectSQLiteExecutions(rows)
	if err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// FindExpired returns RUNNING executions whose deadline is before cutoff.
func (s *SQLiteStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE status = ? AND deadline_at IS NOT NULL AND deadline_at < ?
		ORDER BY deadline_at ASC`,
		string(model.StatusRunning), nanos(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired executions: %w", err)
	}
	return collectSQLiteExecutions(rows)
}

// Stats aggregates executions of one workflow.
func (s *SQLiteStore) Stats(ctx context.Context, workflowName string, since time.Time) (model.WorkflowStatistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status,
		       COUNT(*),
		       COUNT(completed_at),
		       COALESCE(SUM((completed_at - created_at) / 1000000), 0)
		FROM workflow_executions
		WHERE workflow_name = ? AND created_at >= ?
		GROUP BY status`,
		workflowName, sinceNanos(since),
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
			status             string
			count, done, sumMs int64
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
func (s *SQLiteStore) AppendStepEvent(ctx context.Context, event model.WorkflowStepEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_step_events (`+stepEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ExecutionID, event.WorkflowName, event.StepName, event.StepIndex, event.TotalSteps,
		string(event.Status), blobArg(event.Input), blobArg(event.Output),
		truncateMessage(event.Error), event.ErrorKind, event.DurationMs, event.Attempts, event.CorrelationID,
		nanos(event.StartedAt), nullNanos(event.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert step event: %w", err)
	}
	return nil
}

// CompleteStepEvent records the outcome of a RUNNING step event.
func (s *SQLiteStore) CompleteStepEvent(ctx context.Context, event model.WorkflowStepEvent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_step_events
		SET status = ?, output = ?, error = ?, error_kind = ?, duration_ms = ?, attempts = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL`,
		string(event.Status), blobArg(event.Output), truncateMessage(event.Error), event.ErrorKind,
		event.DurationMs, event.Attempts, nullNanos(event.CompletedAt), event.ID,
	)
	if err != nil {
		return fmt.Errorf("complete step event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewConflictError(fmt.Sprintf("step event %q is missing or already completed", event.ID))
	}
	return nil
}

// StepEvents returns an execution's step events ordered by step index.
func (s *SQLiteStore) StepEvents(ctx context.Context, executionID string) ([]model.WorkflowStepEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepEventColumns+`
		FROM workflow_step_events
		WHERE execution_id = ?
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
			startedAt     int64
			completedAt   sql.NullInt64
		)
		if err := rows.Scan(
			&e.ID, &e.ExecutionID, &e.WorkflowName, &e.StepName, &e.StepIndex, &e.TotalSteps, &status,
			&input, &output, &e.Error, &e.ErrorKind, &e.DurationMs, &e.Attempts, &e.CorrelationID,
			&startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step event: %w", err)
		}
		e.Status = model.StepStatus(status)
		e.Input = rawJSON(input)
		e.Output = rawJSON(output)
		e.StartedAt = fromNanos(startedAt)
		e.CompletedAt = fromNullNanos(completedAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step events: %w", err)
	}
	return events, nil
}

func collectSQLiteExecutions(rows *sql.Rows) ([]model.WorkflowExecution, error) {
	defer rows.Close()

	execs := []model.WorkflowExecution{}
	for rows.Next() {
		exec, err := scanSQLiteExecution(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteExecution(row rowScanner) (model.WorkflowExecution, error) {
	var (
		exec                           model.WorkflowExecution
		status, outcome                string
		input, output                  []byte
		createdAt                      int64
		startedAt, deadline, completed sql.NullInt64
		metadata                       []byte
	)
	err := row.Scan(
		&exec.ID, &exec.WorkflowName, &status, &input, &output, &exec.Error, &outcome,
		&exec.RetryCount, &exec.MaxRetries, &exec.RetryOf, &exec.CorrelationID, &exec.ParentExecutionID,
		&exec.IdempotencyKey, &exec.LockKey, &createdAt, &startedAt, &deadline, &completed,
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
	exec.CreatedAt = fromNanos(createdAt)
	exec.StartedAt = fromNullNanos(startedAt)
	exec.DeadlineAt = fromNullNanos(deadline)
	exec.CompletedAt = fromNullNanos(completed)
	return exec, nil
}

func blobArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// sinceNanos maps the zero time to the smallest bound; UnixNano is undefined
// before 1678.
func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return nanos(t)
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
