package async

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
)

// maxStalledPerSweep bounds how many expired leases one maintenance pass handles.
const maxStalledPerSweep = 1000

// Config holds the orchestrator-wide settings.
type Config struct {
	Namespace           string
	MaintenanceInterval time.Duration
	MaxStalled          int // Stalls tolerated before a job is failed

	RetainCompleted time.Duration
	KeepCompleted   int
	RetainFailed    time.Duration
	KeepFailed      int
}

// MaintenanceResult summarizes one maintenance pass.
type MaintenanceResult struct {
	Requeued       int
	StalledFailed  int
	PrunedComplete int
	PrunedFailed   int
}

// Orchestrator owns the queue, one worker pool per registered queue and the
// maintenance loop that recovers stalled jobs and prunes history.
type Orchestrator struct {
	queue     *Queue
	cfg       Config
	clock     clock.Clock
	registry  *HandlerRegistry
	pools     map[string]*WorkerPool
	retryable RetryClassifier
	hook      FailureHook
	logger    pulseLogger
	rawLogger *zap.SugaredLogger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryClassifier overrides DefaultRetryable for every pool.
func WithRetryClassifier(c RetryClassifier) Option {
	return func(o *Orchestrator) { o.retryable = c }
}

// WithFailureHook installs the hook invoked on terminal failures.
func WithFailureHook(h FailureHook) Option {
	return func(o *Orchestrator) { o.hook = h }
}

// NewOrchestrator creates an orchestrator over db. Register handlers before Start.
func NewOrchestrator(db *sql.DB, cfg Config, clk clock.Clock, logger *zap.SugaredLogger, opts ...Option) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}
	o := &Orchestrator{
		queue:     NewQueue(db, cfg.Namespace, clk),
		cfg:       cfg,
		clock:     clk,
		registry:  NewHandlerRegistry(),
		pools:     make(map[string]*WorkerPool),
		retryable: DefaultRetryable,
		logger:    pulseLogger{logger.Named("pulse")},
		rawLogger: logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetFailureHook replaces the failure hook. It takes effect at Start.
func (o *Orchestrator) SetFailureHook(h FailureHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hook = h
}

// Queue returns the job queue (useful for enqueuing jobs)
func (o *Orchestrator) Queue() *Queue {
	return o.queue
}

// Register attaches a handler and its pool configuration to the queue named
// by handler.Name(). limiter may be nil.
func (o *Orchestrator) Register(handler JobHandler, cfg PoolConfig, limiter StartLimiter) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.Newf("cannot register %s after start", handler.Name())
	}
	if o.registry.Has(handler.Name()) {
		return errors.Wrapf(errors.ErrConflict, "queue %s already registered", handler.Name())
	}
	o.registry.Register(handler)

	// Pools are created in Start so they inherit its context.
	pool := &WorkerPool{name: handler.Name(), cfg: cfg.withDefaults(), limiter: limiter}
	o.pools[handler.Name()] = pool
	return nil
}

// Start recovers stalled jobs, then starts every pool and the maintenance loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.started = true

	executor := NewRegistryExecutor(o.registry)
	for name, spec := range o.pools {
		pool := NewWorkerPool(o.ctx, name, o.queue, executor, spec.cfg, o.rawLogger)
		pool.SetLimiter(spec.limiter)
		pool.SetRetryClassifier(o.retryable)
		pool.SetFailureHook(o.hook)
		o.pools[name] = pool
	}
	o.mu.Unlock()

	// ✿ Opening: jobs orphaned by a crash have expired leases by now or soon will.
	res, err := o.RunMaintenance(o.ctx)
	if err != nil {
		o.logger.Warnw("Initial maintenance failed", "error", err)
	} else if res.Requeued > 0 || res.StalledFailed > 0 {
		o.logger.Starting("Recovered stalled jobs", "requeued", res.Requeued, "failed", res.StalledFailed)
	}

	for _, name := range o.QueueNames() {
		o.pools[name].Start()
	}

	o.wg.Add(1)
	go o.maintenanceLoop()

	o.logger.Pulse("Orchestrator started", "queues", len(o.pools), "namespace", o.cfg.Namespace)
	return nil
}

// Stop halts the maintenance loop and every pool.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.cancel()
	pools := make([]*WorkerPool, 0, len(o.pools))
	for _, p := range o.pools {
		pools = append(pools, p)
	}
	o.mu.Unlock()

	o.wg.Wait()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *WorkerPool) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
	o.logger.Closing("Orchestrator stopped")
}

func (o *Orchestrator) maintenanceLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RunMaintenance(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Errorw("Maintenance pass failed", "error", err)
			}
		}
	}
}

// RunMaintenance requeues jobs whose lease expired and prunes finished jobs
// beyond the retention thresholds.
func (o *Orchestrator) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	var res MaintenanceResult
	now := o.clock.Now()

	stalled, err := o.queue.store.ListStalledJobs(ctx, o.cfg.Namespace, now, maxStalledPerSweep)
	if err != nil {
		return res, err
	}
	for _, job := range stalled {
		if job.StalledCount >= o.cfg.MaxStalled {
			if err := o.queue.Fail(ctx, job, ErrStalled); err != nil {
				if errors.IsConflictError(err) {
					continue
				}
				return res, err
			}
			res.StalledFailed++
			o.logger.Warnw("Job failed after repeated stalls", "job_id", job.ID, "queue", job.Queue, "stalled_count", job.StalledCount)
			if o.hook != nil {
				o.hook.OnFinalFailure(ctx, job, ErrStalled)
			}
			continue
		}
		if err := o.queue.requeueStalled(ctx, job); err != nil {
			if errors.IsConflictError(err) {
				continue
			}
			return res, err
		}
		res.Requeued++
		o.logger.Warnw("Requeued stalled job", "job_id", job.ID, "queue", job.Queue, "stalled_count", job.StalledCount)
	}

	if o.cfg.RetainCompleted > 0 {
		n, err := o.queue.store.PruneOlderThan(ctx, o.cfg.Namespace, JobStatusCompleted, now.Add(-o.cfg.RetainCompleted))
		if err != nil {
			return res, err
		}
		res.PrunedComplete += n
	}
	if o.cfg.RetainFailed > 0 {
		n, err := o.queue.store.PruneOlderThan(ctx, o.cfg.Namespace, JobStatusFailed, now.Add(-o.cfg.RetainFailed))
		if err != nil {
			return res, err
		}
		res.PrunedFailed += n
	}
	for _, name := range o.QueueNames() {
		if o.cfg.KeepCompleted > 0 {
			n, err := o.queue.store.PruneExcess(ctx, o.cfg.Namespace, name, JobStatusCompleted, o.cfg.KeepCompleted)
			if err != nil {
				return res, err
			}
			res.PrunedComplete += n
		}
		if o.cfg.KeepFailed > 0 {
			n, err := o.queue.store.PruneExcess(ctx, o.cfg.Namespace, name, JobStatusFailed, o.cfg.KeepFailed)
			if err != nil {
				return res, err
			}
			res.PrunedFailed += n
		}
	}

	if res.PrunedComplete+res.PrunedFailed > 0 {
		o.logger.Debugw("Pruned finished jobs", "completed", res.PrunedComplete, "failed", res.PrunedFailed)
	}
	return res, nil
}

// QueueNames returns the registered queues in name order.
func (o *Orchestrator) QueueNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, 0, len(o.pools))
	for name := range o.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pools returns the status of every registered pool.
func (o *Orchestrator) Pools() []PoolStatus {
	names := o.QueueNames()
	out := make([]PoolStatus, 0, len(names))

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range names {
		out = append(out, o.pools[name].Status())
	}
	return out
}
