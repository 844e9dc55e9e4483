package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/cadence/errors"
)

// ExecutionStore handles persistence of scheduler execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// CreateExecution creates a new execution record
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_executions (id, scheduler_id, job_id, status, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.SchedulerID, exec.JobID, exec.Status, exec.Error, exec.StartedAt.UTC(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create execution")
		return errors.WithDetail(err, "Scheduler ID: "+exec.SchedulerID)
	}
	return nil
}

// UpdateExecution writes the final status of an execution
func (s *ExecutionStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	var completedAt interface{}
	if exec.CompletedAt != nil {
		completedAt = exec.CompletedAt.UTC()
	}
	var duration interface{}
	if exec.DurationMs != nil {
		duration = *exec.DurationMs
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pulse_executions
		SET job_id = ?, status = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		exec.JobID, exec.Status, exec.Error, completedAt, duration, exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("execution %s", exec.ID)
	}
	return nil
}

// ListExecutions returns a scheduler's executions, newest first.
func (s *ExecutionStore) ListExecutions(ctx context.Context, schedulerID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scheduler_id, job_id, status, error, started_at, completed_at, duration_ms
		FROM pulse_executions
		WHERE scheduler_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		schedulerID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			e           Execution
			completedAt sql.NullTime
			duration    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.SchedulerID, &e.JobID, &e.Status, &e.Error,
			&e.StartedAt, &completedAt, &duration); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		e.StartedAt = e.StartedAt.UTC()
		if completedAt.Valid {
			t := completedAt.Time.UTC()
			e.CompletedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMs = &d
		}
		out = append(out, &e)
	}
	return out, errors.Wrap(rows.Err(), "error iterating executions")
}

// CleanupOldExecutions deletes executions started before cutoff.
func (s *ExecutionStore) CleanupOldExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pulse_executions WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}
