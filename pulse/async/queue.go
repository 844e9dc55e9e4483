package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
)

const (
	// MaxJobsLimit is the maximum number of jobs returned by a listing
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the namespaced front door to the job store. Every transition it
// performs is published to subscribers.
type Queue struct {
	store       *Store
	namespace   string
	clock       clock.Clock
	mu          sync.RWMutex
	subscribers []chan Event
}

// NewQueue creates a job queue. namespace isolates deployments sharing a database.
func NewQueue(db *sql.DB, namespace string, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		store:       NewStore(db),
		namespace:   namespace,
		clock:       clk,
		subscribers: make([]chan Event, 0),
	}
}

// Namespace returns the queue prefix jobs are stored under.
func (q *Queue) Namespace() string {
	return q.namespace
}

// Enqueue adds a new job to a named queue.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload json.RawMessage, opts EnqueueOptions) (*Job, error) {
	job, err := NewJob(q.namespace, queue, payload, opts, q.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", job.QualifiedQueue()))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		return nil, err
	}

	q.notify(Event{Kind: EventEnqueued, Job: job, Delay: opts.Delay})
	return job, nil
}

// Dequeue claims the next ready job on a queue for lease. Returns nil, nil
// when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	now := q.clock.Now()
	job, err := q.store.ClaimNext(ctx, q.namespace, queue, now, uuid.NewString(), now.Add(lease))
	if err != nil {
		err = errors.Wrap(err, "failed to dequeue job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Queue: %s:%s", q.namespace, queue))
	}
	if job == nil {
		return nil, nil
	}

	q.notify(Event{Kind: EventStarted, Job: job})
	return job, nil
}

// Complete marks a claimed job as completed.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := q.clock.Now()
	if err := q.store.CompleteJob(ctx, job.ID, job.LockToken, now); err != nil {
		err = errors.Wrap(err, "failed to complete job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	job.Status = JobStatusCompleted
	job.Error = ""
	job.LockToken = ""
	job.FinishedAt = &now

	q.notify(Event{Kind: EventCompleted, Job: job})
	return nil
}

// Retry requeues a claimed job to run again after its backoff delay.
// The job is re-read by a worker; the caller must not keep using it.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) (time.Duration, error) {
	now := q.clock.Now()
	delay := job.RetryDelay()
	msg := errorMessage(cause)

	if err := q.store.RetryJob(ctx, job.ID, job.LockToken, now.Add(delay), msg, now); err != nil {
		err = errors.Wrap(err, "failed to schedule retry")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return 0, errors.WithDetail(err, fmt.Sprintf("Attempt: %d/%d", job.Attempts, job.MaxAttempts))
	}
	job.Status = JobStatusQueued
	job.Error = msg
	job.LockToken = ""
	job.RunAt = now.Add(delay)

	q.notify(Event{Kind: EventRetrying, Job: job, Error: msg, Delay: delay})
	return delay, nil
}

// Fail moves a claimed job to the terminal failed state.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	now := q.clock.Now()
	msg := errorMessage(cause)

	if err := q.store.FailJob(ctx, job.ID, job.LockToken, msg, now); err != nil {
		err = errors.Wrap(err, "failed to mark job failed")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	job.Status = JobStatusFailed
	job.Error = msg
	job.LockToken = ""
	job.FinishedAt = &now

	q.notify(Event{Kind: EventFailed, Job: job, Error: msg})
	return nil
}

// Release gives a claimed job back without counting the attempt.
func (q *Queue) Release(ctx context.Context, job *Job) error {
	if err := q.store.ReleaseJob(ctx, job.ID, job.LockToken, q.clock.Now()); err != nil {
		err = errors.Wrap(err, "failed to release job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	job.Status = JobStatusQueued
	job.LockToken = ""
	return nil
}

// requeueStalled returns a job whose lease expired to the queue.
func (q *Queue) requeueStalled(ctx context.Context, job *Job) error {
	if err := q.store.RequeueStalledJob(ctx, job.ID, job.LockToken, q.clock.Now()); err != nil {
		return err
	}
	job.Status = JobStatusQueued
	job.StalledCount++
	q.notify(Event{Kind: EventStalled, Job: job})
	return nil
}

// CancelBySourcePrefix cancels every queued job whose source starts with prefix.
func (q *Queue) CancelBySourcePrefix(ctx context.Context, prefix string) (int, error) {
	n, err := q.store.CancelBySourcePrefix(ctx, q.namespace, prefix, q.clock.Now())
	if err != nil {
		return 0, errors.WithDetail(err, fmt.Sprintf("Source prefix: %s", prefix))
	}
	if n > 0 {
		q.notify(Event{Kind: EventCancelled, Count: n, Error: "cancelled by source " + prefix})
	}
	return n, nil
}

// FindActiveBySource returns the queued or running job for source, or nil.
func (q *Queue) FindActiveBySource(ctx context.Context, source string) (*Job, error) {
	return q.store.FindActiveBySource(ctx, q.namespace, source)
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Namespace != q.namespace {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs in this namespace, newest first.
func (q *Queue) ListJobs(ctx context.Context, queue string, status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, JobFilter{
		Namespace: q.namespace,
		Queue:     queue,
		Status:    status,
		Limit:     limit,
	})
}

// Stats returns per-queue job counts.
func (q *Queue) Stats(ctx context.Context) (map[string]*QueueCounts, error) {
	return q.store.Stats(ctx, q.namespace, q.clock.Now())
}

// GetJobCounts returns the number of ready-or-delayed and running jobs across queues.
func (q *Queue) GetJobCounts(ctx context.Context) (queued int, running int, err error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range stats {
		queued += c.Queued + c.Delayed
		running += c.Running
	}
	return queued, running, nil
}

// Subscribe returns a channel receiving every lifecycle event.
// Slow subscribers miss events rather than blocking workers.
func (q *Queue) Subscribe() <-chan Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan Event, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (q *Queue) Unsubscribe(ch <-chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (q *Queue) notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = q.clock.Now()
	}
	if ev.Job != nil {
		snapshot := *ev.Job
		ev.Job = &snapshot
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
