package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

// StartLimiter gates job starts for one pool. pulse/throttle.Limiter satisfies it.
type StartLimiter interface {
	Allow() error
	Remaining() int
}

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// JobExecutor runs a claimed job.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// PoolConfig contains configuration for one queue's worker pool
type PoolConfig struct {
	Workers      int           `json:"workers"`       // Concurrent jobs on this queue
	PollInterval time.Duration `json:"poll_interval"` // How often idle workers look for jobs
	LockDuration time.Duration `json:"lock_duration"` // Lease length and handler deadline
	StartLimit   int           `json:"start_limit"`   // Max job starts per StartWindow; 0 disables
	StartWindow  time.Duration `json:"start_window"`
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      1,
		PollInterval: time.Second,
		LockDuration: 5 * time.Minute,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = d.LockDuration
	}
	return c
}

// WorkerPool drains a single named queue with bounded concurrency.
type WorkerPool struct {
	name          string
	queue         *Queue
	executor      JobExecutor
	limiter       StartLimiter // Optional: nil disables start throttling
	retryable     RetryClassifier
	hook          FailureHook // Optional
	cfg           PoolConfig
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	jobsProcessed int
	activeWorkers int
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a pool for one queue. Call Start to begin polling.
func NewWorkerPool(ctx context.Context, name string, queue *Queue, executor JobExecutor, cfg PoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		name:      name,
		queue:     queue,
		executor:  executor,
		retryable: DefaultRetryable,
		cfg:       cfg.withDefaults(),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    pulseLogger{logger.Named("pulse").With("queue", name)},
	}
}

// SetLimiter installs the job-start throttle.
func (wp *WorkerPool) SetLimiter(l StartLimiter) {
	wp.limiter = l
}

// SetRetryClassifier replaces DefaultRetryable.
func (wp *WorkerPool) SetRetryClassifier(c RetryClassifier) {
	if c != nil {
		wp.retryable = c
	}
}

// SetFailureHook installs the terminal-failure hook.
func (wp *WorkerPool) SetFailureHook(h FailureHook) {
	wp.hook = h
}

// Start spawns the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	wp.logger.Starting("Starting worker pool", "workers", wp.cfg.Workers, "poll_interval", wp.cfg.PollInterval)
	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels the workers and waits up to 30 seconds for running jobs.
// Jobs interrupted by the cancellation are released back to the queue.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Pulse("Worker pool stopped - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("Worker pool stop timed out - jobs will be recovered as stalled", "timeout", timeout)
	}
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain while jobs are ready so a backlog is not paced by the ticker.
		for {
			processed, err := wp.processNextJob()
			if err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				// Shutdown closed the database under us
				if db.IsDatabaseClosed(err) {
					return
				}

				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-wp.ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if !processed || wp.ctx.Err() != nil {
				break
			}
		}
	}
}

// processNextJob claims and runs one job. processed is false when the queue
// had nothing ready or the start throttle is exhausted.
func (wp *WorkerPool) processNextJob() (processed bool, err error) {
	if wp.ctx.Err() != nil {
		return false, nil
	}

	// Skip the claim entirely when the throttle is known to be exhausted.
	if wp.limiter != nil && wp.limiter.Remaining() == 0 {
		return false, nil
	}

	job, err := wp.queue.Dequeue(wp.ctx, wp.name, wp.cfg.LockDuration)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Another worker may have taken the last slot between Remaining and Allow.
	if wp.limiter != nil {
		if err := wp.limiter.Allow(); err != nil {
			wp.logger.Debugw("Start limit reached - releasing job",
				"job_id", job.ID,
				"remaining", wp.limiter.Remaining())
			if relErr := wp.queue.Release(context.WithoutCancel(wp.ctx), job); relErr != nil {
				return false, relErr
			}
			return false, nil
		}
	}

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With("job_id", job.ID, "attempt", job.Attempts)

	execCtx, cancel := context.WithTimeout(wp.ctx, wp.cfg.LockDuration)
	execErr := wp.execute(execCtx, job)
	cancel()

	// Transitions after execution must land even while shutting down.
	ctx := context.WithoutCancel(wp.ctx)

	if execErr == nil {
		return true, wp.queue.Complete(ctx, job)
	}

	if wp.ctx.Err() != nil {
		wp.logger.Closing("Job interrupted by shutdown, releasing", "job_id", job.ID)
		if err := wp.queue.Release(ctx, job); err != nil {
			log.Errorw("Failed to release interrupted job", "error", err)
		}
		return true, nil
	}

	return true, wp.handleFailure(ctx, job, execErr, log)
}

// execute runs the handler, converting a panic into an unrecoverable error.
func (wp *WorkerPool) execute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Unrecoverable(errors.Newf("handler panic: %v", r))
		}
	}()
	return wp.executor.Execute(ctx, job)
}

// handleFailure requeues the job with backoff or fails it terminally.
func (wp *WorkerPool) handleFailure(ctx context.Context, job *Job, execErr error, log *zap.SugaredLogger) error {
	code := ClassifyError(execErr)

	if wp.retryable(execErr) && job.AttemptsRemaining() {
		delay, err := wp.queue.Retry(ctx, job, execErr)
		if err != nil {
			return err
		}
		log.Infow(sym.Pulse+" Retry scheduled",
			"error", execErr.Error(),
			"error_code", code,
			"max_attempts", job.MaxAttempts,
			"delay", delay)
		return nil
	}

	if err := wp.queue.Fail(ctx, job, execErr); err != nil {
		return err
	}
	log.Warnw(sym.Pulse+" Job failed",
		"error", execErr.Error(),
		"error_code", code,
		"max_attempts", job.MaxAttempts)

	if wp.hook != nil {
		wp.hook.OnFinalFailure(ctx, job, execErr)
	}
	return nil
}

// PoolStatus is a point-in-time view of a pool.
type PoolStatus struct {
	Queue           string `json:"queue"`
	Workers         int    `json:"workers"`
	Active          int    `json:"active"`
	JobsProcessed   int    `json:"jobs_processed"`
	StartsRemaining int    `json:"starts_remaining"` // -1 when unthrottled
}

// Status reports the pool's current activity.
func (wp *WorkerPool) Status() PoolStatus {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	remaining := -1
	if wp.limiter != nil {
		remaining = wp.limiter.Remaining()
	}
	return PoolStatus{
		Queue:           wp.name,
		Workers:         wp.cfg.Workers,
		Active:          wp.activeWorkers,
		JobsProcessed:   wp.jobsProcessed,
		StartsRemaining: remaining,
	}
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}
