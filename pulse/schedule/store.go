package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/cadence/errors"
)

// Store handles persistence of schedulers
type Store struct {
	db *sql.DB
}

// NewStore creates a new scheduler store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schedulerColumns = `id, queue, payload, interval_seconds, next_run_at,
	last_run_at, last_job_id, state, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScheduler(row rowScanner) (*Scheduler, error) {
	var (
		s         Scheduler
		payload   sql.NullString
		interval  int64
		lastRunAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.Queue, &payload, &interval, &s.NextRunAt,
		&lastRunAt, &s.LastJobID, &s.State, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		s.Payload = []byte(payload.String)
	}
	s.Interval = time.Duration(interval) * time.Second
	s.NextRunAt = s.NextRunAt.UTC()
	if lastRunAt.Valid {
		t := lastRunAt.Time.UTC()
		s.LastRunAt = &t
	}
	return &s, nil
}

// Upsert registers a scheduler by its stable ID. A new scheduler fires at
// now; an existing one keeps its next_run_at unless its interval changed.
func (s *Store) Upsert(ctx context.Context, sch *Scheduler, now time.Time) error {
	if sch.ID == "" || sch.Queue == "" {
		return errors.NewInvalidRequestError("scheduler requires id and queue")
	}
	seconds := int64(sch.Interval / time.Second)
	if seconds <= 0 {
		return errors.NewInvalidRequestError("scheduler %s interval must be at least one second", sch.ID)
	}
	state := sch.State
	if state == "" {
		state = StateActive
	}
	now = now.UTC()
	payload := sql.NullString{String: string(sch.Payload), Valid: len(sch.Payload) > 0}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_schedulers (
			id, queue, payload, interval_seconds, next_run_at, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			queue = excluded.queue,
			payload = excluded.payload,
			next_run_at = CASE
				WHEN pulse_schedulers.interval_seconds != excluded.interval_seconds THEN excluded.next_run_at
				ELSE pulse_schedulers.next_run_at
			END,
			interval_seconds = excluded.interval_seconds,
			updated_at = excluded.updated_at`,
		sch.ID, sch.Queue, payload, seconds, now, state, now, now,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to upsert scheduler")
		return errors.WithDetail(err, "Scheduler ID: "+sch.ID)
	}
	return nil
}

// Get retrieves a scheduler by ID
func (s *Store) Get(ctx context.Context, id string) (*Scheduler, error) {
	sch, err := scanScheduler(s.db.QueryRowContext(ctx,
		`SELECT `+schedulerColumns+` FROM pulse_schedulers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("scheduler %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduler")
	}
	return sch, nil
}

// List returns every scheduler ordered by ID.
func (s *Store) List(ctx context.Context) ([]*Scheduler, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+schedulerColumns+` FROM pulse_schedulers ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedulers")
	}
	defer rows.Close()
	return scanSchedulers(rows)
}

// ListDue returns active schedulers whose next_run_at has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Scheduler, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+schedulerColumns+` FROM pulse_schedulers
		WHERE state = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC`,
		StateActive, now.UTC(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedulers")
	}
	defer rows.Close()
	return scanSchedulers(rows)
}

func scanSchedulers(rows *sql.Rows) ([]*Scheduler, error) {
	var out []*Scheduler
	for rows.Next() {
		sch, err := scanScheduler(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduler")
		}
		out = append(out, sch)
	}
	return out, errors.Wrap(rows.Err(), "error iterating schedulers")
}

// Claim advances next_run_at only if it still equals the value the caller
// read. Exactly one process wins each firing.
func (s *Store) Claim(ctx context.Context, sch *Scheduler, now, nextRun time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulse_schedulers
		SET next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND next_run_at = ? AND state = ?`,
		nextRun.UTC(), now.UTC(), now.UTC(),
		sch.ID, sch.NextRunAt.UTC(), StateActive,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim scheduler %s", sch.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n == 1, nil
}

// RecordJob stores the tick job enqueued by the latest firing.
func (s *Store) RecordJob(ctx context.Context, id, jobID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pulse_schedulers SET last_job_id = ?, updated_at = ? WHERE id = ?`,
		jobID, now.UTC(), id)
	return errors.Wrapf(err, "failed to record job for scheduler %s", id)
}

// Reschedule sets next_run_at directly, e.g. to retry a firing whose enqueue failed.
func (s *Store) Reschedule(ctx context.Context, id string, nextRun, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pulse_schedulers SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nextRun.UTC(), now.UTC(), id)
	return errors.Wrapf(err, "failed to reschedule scheduler %s", id)
}

// SetState pauses or resumes a scheduler.
func (s *Store) SetState(ctx context.Context, id, state string, now time.Time) error {
	if state != StateActive && state != StatePaused {
		return errors.NewInvalidRequestError("invalid scheduler state %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pulse_schedulers SET state = ?, updated_at = ? WHERE id = ?`,
		state, now.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update scheduler %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("scheduler %s", id)
	}
	return nil
}

// NextDue returns the active scheduler that fires soonest, or nil.
func (s *Store) NextDue(ctx context.Context) (*Scheduler, error) {
	sch, err := scanScheduler(s.db.QueryRowContext(ctx, `
		SELECT `+schedulerColumns+` FROM pulse_schedulers
		WHERE state = ?
		ORDER BY next_run_at ASC
		LIMIT 1`, StateActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next scheduler")
	}
	return sch, nil
}
