package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// claimCandidates bounds how many ready rows one claim attempt considers
// before giving up to concurrent claimers.
const claimCandidates = 8

// Store handles persistence of jobs in pulse_jobs.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Namespace string
	Queue     string
	Status    *JobStatus
	Limit     int
}

// QueueCounts is the per-status job count for one queue.
type QueueCounts struct {
	Queued    int `json:"queued"`
	Delayed   int `json:"delayed"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO pulse_jobs (
			id, namespace, queue, source, payload,
			priority, status, attempts, max_attempts,
			backoff_base_ms, backoff_max_ms, stalled_count,
			error, lock_token, run_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Namespace,
		job.Queue,
		job.Source,
		payload,
		job.Priority,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.Backoff.Base.Milliseconds(),
		job.Backoff.Max.Milliseconds(),
		job.StalledCount,
		job.Error,
		job.LockToken,
		job.RunAt.UTC(),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pulse_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// ClaimNext atomically moves the best ready job on a queue to running.
// Ready means queued with run_at <= now; best means highest priority, then
// earliest run_at. Returns nil, nil when nothing is ready.
func (s *Store) ClaimNext(ctx context.Context, namespace, queue string, now time.Time, token string, leaseUntil time.Time) (*Job, error) {
	now = now.UTC()
	ids, err := s.readyIDs(ctx, namespace, queue, now)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pulse_jobs
			SET status = ?, attempts = attempts + 1, lock_token = ?,
				lease_expires_at = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			JobStatusRunning, token, leaseUntil.UTC(), now, now,
			id, JobStatusQueued,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim job %s", id)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetJob(ctx, id)
		}
		// Another worker won this row; try the next candidate.
	}
	return nil, nil
}

func (s *Store) readyIDs(ctx context.Context, namespace, queue string, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM pulse_jobs
		WHERE namespace = ? AND queue = ? AND status = ? AND run_at <= ?
		ORDER BY priority DESC, run_at ASC, created_at ASC
		LIMIT ?`,
		namespace, queue, JobStatusQueued, now, claimCandidates,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ready jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan ready job id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "error iterating ready jobs")
}

// transition applies an update guarded by the job's current lock token.
// ErrConflict means the lease was lost (stalled and requeued, or cancelled).
func (s *Store) transition(ctx context.Context, id, token, set string, args ...interface{}) error {
	query := `UPDATE pulse_jobs SET ` + set + ` WHERE id = ? AND status = ? AND lock_token = ?`
	args = append(args, id, JobStatusRunning, token)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is no longer held by this worker", id)
	}
	return nil
}

// CompleteJob marks a running job completed.
func (s *Store) CompleteJob(ctx context.Context, id, token string, now time.Time) error {
	now = now.UTC()
	return s.transition(ctx, id, token,
		`status = ?, error = '', lock_token = '', lease_expires_at = NULL, finished_at = ?, updated_at = ?`,
		JobStatusCompleted, now, now)
}

// RetryJob puts a running job back in the queue to start no earlier than runAt.
func (s *Store) RetryJob(ctx context.Context, id, token string, runAt time.Time, errMsg string, now time.Time) error {
	now = now.UTC()
	return s.transition(ctx, id, token,
		`status = ?, error = ?, lock_token = '', lease_expires_at = NULL, run_at = ?, updated_at = ?`,
		JobStatusQueued, errMsg, runAt.UTC(), now)
}

// FailJob moves a running job to the terminal failed state.
func (s *Store) FailJob(ctx context.Context, id, token, errMsg string, now time.Time) error {
	now = now.UTC()
	return s.transition(ctx, id, token,
		`status = ?, error = ?, lock_token = '', lease_expires_at = NULL, finished_at = ?, updated_at = ?`,
		JobStatusFailed, errMsg, now, now)
}

// ReleaseJob returns a claimed job to the queue without consuming an attempt.
func (s *Store) ReleaseJob(ctx context.Context, id, token string, now time.Time) error {
	now = now.UTC()
	return s.transition(ctx, id, token,
		`status = ?, attempts = MAX(attempts - 1, 0), lock_token = '', lease_expires_at = NULL, updated_at = ?`,
		JobStatusQueued, now)
}

// RequeueStalledJob returns a job whose lease expired to the queue.
func (s *Store) RequeueStalledJob(ctx context.Context, id, token string, now time.Time) error {
	now = now.UTC()
	return s.transition(ctx, id, token,
		`status = ?, attempts = MAX(attempts - 1, 0), stalled_count = stalled_count + 1,
		lock_token = '', lease_expires_at = NULL, run_at = ?, updated_at = ?`,
		JobStatusQueued, now, now)
}

// ListStalledJobs returns running jobs whose lease expired before now.
func (s *Store) ListStalledJobs(ctx context.Context, namespace string, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+StandardJobSelectColumns()+`
		FROM pulse_jobs
		WHERE namespace = ? AND status = ? AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC
		LIMIT ?`,
		namespace, JobStatusRunning, now.UTC(), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stalled jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "stalled jobs")
}

// FindActiveBySource returns a queued or running job with the given source.
// Returns nil, nil if none exists.
func (s *Store) FindActiveBySource(ctx context.Context, namespace, source string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM pulse_jobs
		WHERE namespace = ? AND source = ? AND status IN (?, ?)
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, namespace, source, JobStatusQueued, JobStatusRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job by source")
	}
	return job, nil
}

// CancelBySourcePrefix cancels queued jobs whose source starts with prefix.
// Running jobs are left to finish.
func (s *Store) CancelBySourcePrefix(ctx context.Context, namespace, prefix string, now time.Time) (int, error) {
	if prefix == "" {
		return 0, errors.NewInvalidRequestError("source prefix cannot be empty")
	}
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs
		SET status = ?, error = 'cancelled', finished_at = ?, updated_at = ?
		WHERE namespace = ? AND status = ? AND substr(source, 1, ?) = ?`,
		JobStatusCancelled, now, now,
		namespace, JobStatusQueued, len(prefix), prefix,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cancel jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var (
		where []string
		args  []interface{}
	)
	where = append(where, "namespace = ?")
	args = append(args, filter.Namespace)
	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > MaxJobsLimit {
		limit = MaxJobsLimit
	}
	args = append(args, limit)

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pulse_jobs
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to scan %s", context))
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("error iterating %s", context))
	}
	return jobs, nil
}

// Stats counts jobs per queue and status. Queued jobs with run_at in the
// future are reported as delayed.
func (s *Store) Stats(ctx context.Context, namespace string, now time.Time) (map[string]*QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue, status, run_at > ? AS delayed, COUNT(*)
		FROM pulse_jobs
		WHERE namespace = ?
		GROUP BY queue, status, delayed`,
		now.UTC(), namespace,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job stats")
	}
	defer rows.Close()

	stats := make(map[string]*QueueCounts)
	for rows.Next() {
		var (
			queue   string
			status  JobStatus
			delayed bool
			count   int
		)
		if err := rows.Scan(&queue, &status, &delayed, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan job stats")
		}
		c, ok := stats[queue]
		if !ok {
			c = &QueueCounts{}
			stats[queue] = c
		}
		switch status {
		case JobStatusQueued:
			if delayed {
				c.Delayed += count
			} else {
				c.Queued += count
			}
		case JobStatusRunning:
			c.Running += count
		case JobStatusCompleted:
			c.Completed += count
		case JobStatusFailed:
			c.Failed += count
		case JobStatusCancelled:
			c.Cancelled += count
		}
	}
	return stats, errors.Wrap(rows.Err(), "error iterating job stats")
}

// PruneOlderThan deletes finished jobs with the given status older than cutoff.
func (s *Store) PruneOlderThan(ctx context.Context, namespace string, status JobStatus, cutoff time.Time) (int, error) {
	if !status.IsTerminal() {
		return 0, errors.NewInvalidRequestError("cannot prune %s jobs", status)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pulse_jobs
		WHERE namespace = ? AND status = ? AND finished_at < ?`,
		namespace, status, cutoff.UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune old jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// PruneExcess keeps only the newest keep finished jobs of a status on a queue.
func (s *Store) PruneExcess(ctx context.Context, namespace, queue string, status JobStatus, keep int) (int, error) {
	if !status.IsTerminal() {
		return 0, errors.NewInvalidRequestError("cannot prune %s jobs", status)
	}
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pulse_jobs WHERE id IN (
			SELECT id FROM pulse_jobs
			WHERE namespace = ? AND queue = ? AND status = ?
			ORDER BY finished_at DESC
			LIMIT -1 OFFSET ?
		)`,
		namespace, queue, status, keep,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune excess jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}
