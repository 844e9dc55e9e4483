package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/sym"
)

// MetricsSource supplies worker and memory figures for the pulse log line.
// *async.Orchestrator satisfies it.
type MetricsSource interface {
	GetSystemMetrics(ctx context.Context) async.SystemMetrics
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval           time.Duration // How often to check for due schedulers (default: 1 second)
	TickAttempts       int           // Attempts for each enqueued tick job
	TickBackoff        async.Backoff // Backoff between tick job attempts
	ExecutionRetention time.Duration // Execution history older than this is deleted; 0 keeps all
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:           time.Second,
		TickAttempts:       3,
		TickBackoff:        async.Backoff{Base: 10 * time.Second, Max: time.Minute},
		ExecutionRetention: 7 * 24 * time.Hour,
	}
}

// Ticker fires due schedulers. Each firing is claimed in the database first,
// so concurrent processes sharing a database enqueue each tick once.
type Ticker struct {
	store     *Store
	execStore *ExecutionStore
	queue     *async.Queue
	metrics   MetricsSource
	clock     clock.Clock
	cfg       TickerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	pulseLog  *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
	lastCleanup     time.Time
}

// NewTicker creates a new Pulse ticker. metrics may be nil.
func NewTicker(db *sql.DB, queue *async.Queue, metrics MetricsSource, cfg TickerConfig, clk clock.Clock, log *zap.SugaredLogger) *Ticker {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Ticker{
		store:          NewStore(db),
		execStore:      NewExecutionStore(db),
		queue:          queue,
		metrics:        metrics,
		clock:          clk,
		cfg:            cfg,
		pulseLog:       logger.AddPulseSymbol(log),
		lastActiveWork: -1,
	}
}

// Store exposes the scheduler store for listing and state changes.
func (t *Ticker) Store() *Store {
	return t.store
}

// Executions exposes the execution history store.
func (t *Ticker) Executions() *ExecutionStore {
	return t.execStore
}

// Register upserts a scheduler by its stable ID.
func (t *Ticker) Register(ctx context.Context, sch *Scheduler) error {
	if err := t.store.Upsert(ctx, sch, t.clock.Now()); err != nil {
		return err
	}
	t.pulseLog.Debugw("Scheduler registered",
		logger.FieldScheduler, sch.ID,
		logger.FieldQueue, sch.Queue,
		"interval", sch.Interval)
	return nil
}

// Start begins the ticker loop
func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run(ctx)
	t.pulseLog.Infow("Pulse ticker started", "interval", t.cfg.Interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = t.clock.Now()
			t.ticksSinceStart++
			ticks := t.ticksSinceStart
			t.mu.Unlock()

			if _, err := t.Tick(ctx); err != nil && ctx.Err() == nil {
				t.pulseLog.Warnw("Pulse tick error", "error", err, "tick", ticks)
			}
			t.logPulse(ctx)
			t.cleanupExecutions(ctx)
		}
	}
}

// Tick fires every due scheduler once and returns how many fired.
// A failure on one scheduler is logged and does not stop the others.
func (t *Ticker) Tick(ctx context.Context) (int, error) {
	now := t.clock.Now()
	due, err := t.store.ListDue(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list due schedulers")
	}

	fired := 0
	for _, sch := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		ok, err := t.fire(ctx, sch, now)
		if err != nil {
			t.pulseLog.Errorw("Failed to fire scheduler",
				logger.FieldScheduler, sch.ID,
				logger.FieldQueue, sch.Queue,
				"error", err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// fire claims one firing, enqueues the tick job unless the previous tick is
// still active, and records the execution.
func (t *Ticker) fire(ctx context.Context, sch *Scheduler, now time.Time) (bool, error) {
	nextRun := now.Add(sch.Interval)
	claimed, err := t.store.Claim(ctx, sch, now, nextRun)
	if err != nil {
		return false, err
	}
	if !claimed {
		t.pulseLog.Debugw("Scheduler firing claimed elsewhere", logger.FieldScheduler, sch.ID)
		return false, nil
	}

	exec := &Execution{
		ID:          uuid.NewString(),
		SchedulerID: sch.ID,
		Status:      ExecutionStatusRunning,
		StartedAt:   now.UTC(),
	}
	if err := t.execStore.CreateExecution(ctx, exec); err != nil {
		t.pulseLog.Warnw("Failed to create execution record", logger.FieldScheduler, sch.ID, "error", err)
	}

	jobID, reused, enqueueErr := t.enqueueTick(ctx, sch)

	if enqueueErr != nil {
		exec.Finish(ExecutionStatusFailed, "", enqueueErr, t.clock.Now())
		// Retry the firing on the next tick instead of waiting a full interval.
		if err := t.store.Reschedule(ctx, sch.ID, now.Add(t.cfg.Interval), now); err != nil {
			t.pulseLog.Warnw("Failed to reschedule after enqueue error", logger.FieldScheduler, sch.ID, "error", err)
		}
	} else {
		exec.Finish(ExecutionStatusCompleted, jobID, nil, t.clock.Now())
		if err := t.store.RecordJob(ctx, sch.ID, jobID, now); err != nil {
			t.pulseLog.Warnw("Failed to record tick job", logger.FieldScheduler, sch.ID, "error", err)
		}
		t.pulseLog.Debugw("Pulse OK",
			logger.FieldScheduler, sch.ID,
			logger.FieldJobID, jobID,
			"reused_active_job", reused,
			logger.FieldNextRunAt, nextRun.Format(time.RFC3339))
	}

	if err := t.execStore.UpdateExecution(ctx, exec); err != nil {
		t.pulseLog.Warnw("Failed to update execution record", "execution_id", exec.ID, "error", err)
	}
	return true, enqueueErr
}

// enqueueTick returns the active tick job for the scheduler if one exists,
// otherwise enqueues a new one.
func (t *Ticker) enqueueTick(ctx context.Context, sch *Scheduler) (jobID string, reused bool, err error) {
	existing, err := t.queue.FindActiveBySource(ctx, sch.Source())
	if err != nil {
		return "", false, errors.Wrap(err, "failed to check for active tick job")
	}
	if existing != nil {
		t.pulseLog.Debugw("Skipping tick - previous tick still active",
			logger.FieldScheduler, sch.ID,
			"existing_job_id", existing.ID,
			"existing_status", existing.Status)
		return existing.ID, true, nil
	}

	job, err := t.queue.Enqueue(ctx, sch.Queue, sch.Payload, async.EnqueueOptions{
		Source:   sch.Source(),
		Attempts: t.cfg.TickAttempts,
		Backoff:  t.cfg.TickBackoff,
	})
	if err != nil {
		return "", false, errors.Wrap(err, "failed to enqueue tick job")
	}
	return job.ID, false, nil
}

// logPulse logs the next firing and queue activity whenever the active work count changes.
func (t *Ticker) logPulse(ctx context.Context) {
	queued, running, err := t.queue.GetJobCounts(ctx)
	if err != nil {
		return
	}
	activeWork := queued + running

	t.mu.Lock()
	changed := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()
	if !changed {
		return
	}

	// One pulse symbol per five active jobs, capped
	indicator := ""
	if activeWork > 0 {
		indicator = strings.Repeat(sym.Pulse, min(activeWork/5+1, 60)) + " "
	}

	msg := indicator + "Pulse - no active schedulers"
	if next, err := t.store.NextDue(ctx); err == nil && next != nil {
		until := max(next.NextRunAt.Sub(t.clock.Now()), 0)
		msg = fmt.Sprintf("%sPulse - next tick '%s' in %s", indicator, next.ID, until.Round(time.Second))
	}
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d jobs active", activeWork)
	}
	if t.metrics != nil {
		m := t.metrics.GetSystemMetrics(ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.WorkersTotal, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}

// cleanupExecutions prunes execution history at most once an hour.
func (t *Ticker) cleanupExecutions(ctx context.Context) {
	if t.cfg.ExecutionRetention <= 0 {
		return
	}
	now := t.clock.Now()
	t.mu.Lock()
	if now.Sub(t.lastCleanup) < time.Hour {
		t.mu.Unlock()
		return
	}
	t.lastCleanup = now
	t.mu.Unlock()

	n, err := t.execStore.CleanupOldExecutions(ctx, now.Add(-t.cfg.ExecutionRetention))
	if err != nil {
		t.pulseLog.Warnw("Failed to cleanup executions", "error", err)
		return
	}
	if n > 0 {
		t.pulseLog.Debugw("Cleaned up old executions", logger.FieldCount, n)
	}
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.cfg.Interval.String(),
	}
}
