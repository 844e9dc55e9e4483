// Package async provides durable, prioritized job queues drained by bounded worker pools.
package async

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no worker will pick the job up again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Backoff is an exponential retry delay capped at Max.
type Backoff struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// Delay returns min(Base * 2^attemptsMade, Max).
func (b Backoff) Delay(attemptsMade int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attemptsMade))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// EnqueueOptions control how a job is scheduled and retried.
type EnqueueOptions struct {
	Priority int           // Higher runs first
	Delay    time.Duration // Earliest start relative to now
	Attempts int           // Total attempts including the first; default 1
	Backoff  Backoff
	Source   string // Deduplication key, e.g. "scheduler:sequence-due"
}

// Job is one unit of work on a named queue.
//
// Attempts counts claims: it is incremented when a worker takes the job and
// given back when the job is released without having run.
type Job struct {
	ID             string          `json:"id"`
	Namespace      string          `json:"namespace"`
	Queue          string          `json:"queue"`
	Source         string          `json:"source,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Backoff        Backoff         `json:"backoff"`
	StalledCount   int             `json:"stalled_count,omitempty"`
	Error          string          `json:"error,omitempty"`
	LockToken      string          `json:"-"`
	RunAt          time.Time       `json:"run_at"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewJob builds a queued job. now is the enqueue instant.
func NewJob(namespace, queue string, payload json.RawMessage, opts EnqueueOptions, now time.Time) (*Job, error) {
	if queue == "" {
		return nil, errors.New("queue cannot be empty")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	now = now.UTC()
	return &Job{
		ID:          uuid.NewString(),
		Namespace:   namespace,
		Queue:       queue,
		Source:      opts.Source,
		Payload:     payload,
		Priority:    opts.Priority,
		Status:      JobStatusQueued,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// QualifiedQueue returns the namespaced queue name used in logs.
func (j *Job) QualifiedQueue() string {
	if j.Namespace == "" {
		return j.Queue
	}
	return j.Namespace + ":" + j.Queue
}

// AttemptsRemaining reports whether a failed run may be retried.
func (j *Job) AttemptsRemaining() bool {
	return j.Attempts < j.MaxAttempts
}

// RetryDelay is the wait before the next attempt after a failed run.
func (j *Job) RetryDelay() time.Duration {
	return j.Backoff.Delay(j.Attempts - 1)
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Payload) == 0 {
		return errors.Newf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		err = errors.Wrap(err, "failed to decode job payload")
		return errors.WithDetail(err, "Job ID: "+j.ID)
	}
	return nil
}
