package async

import (
	"database/sql"
	"time"
)

// JobScanArgs holds the nullable columns scanned alongside a Job.
type JobScanArgs struct {
	Payload        sql.NullString
	BackoffBaseMS  int64
	BackoffMaxMS   int64
	LeaseExpiresAt sql.NullTime
	StartedAt      sql.NullTime
	FinishedAt     sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order.
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Namespace,
		&job.Queue,
		&job.Source,
		&args.Payload,
		&job.Priority,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&args.BackoffBaseMS,
		&args.BackoffMaxMS,
		&job.StalledCount,
		&job.Error,
		&job.LockToken,
		&job.RunAt,
		&args.LeaseExpiresAt,
		&job.CreatedAt,
		&args.StartedAt,
		&args.FinishedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies the scanned nullable values onto the job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	job.Backoff = Backoff{
		Base: time.Duration(args.BackoffBaseMS) * time.Millisecond,
		Max:  time.Duration(args.BackoffMaxMS) * time.Millisecond,
	}
	if args.LeaseExpiresAt.Valid {
		t := args.LeaseExpiresAt.Time.UTC()
		job.LeaseExpiresAt = &t
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time.UTC()
		job.StartedAt = &t
	}
	if args.FinishedAt.Valid {
		t := args.FinishedAt.Time.UTC()
		job.FinishedAt = &t
	}
	job.RunAt = job.RunAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a single job from a sql.Row or sql.Rows
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	args := GetJobScanArgs()
	if err := row.Scan(GetJobScanTargets(&job, args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, args)
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, namespace, queue, source, payload,
		priority, status, attempts, max_attempts,
		backoff_base_ms, backoff_max_ms, stalled_count,
		error, lock_token, run_at, lease_expires_at,
		created_at, started_at, finished_at, updated_at`
}
