package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/pulse/async"
)

type fixedMetrics struct{}

func (fixedMetrics) GetSystemMetrics(ctx context.Context) async.SystemMetrics {
	return async.SystemMetrics{WorkersActive: 1, WorkersTotal: 4, MemoryUsedGB: 2, MemoryTotalGB: 8, MemoryPercent: 25}
}

type tickerFixture struct {
	ticker *Ticker
	queue  *async.Queue
	clock  *clock.Mock
}

func newTickerFixture(t *testing.T) *tickerFixture {
	t.Helper()
	db := createTestDB(t)
	clk := clock.NewMock(t0)
	q := async.NewQueue(db, "cadence", clk)
	cfg := DefaultTickerConfig()
	cfg.Interval = 10 * time.Millisecond
	return &tickerFixture{
		ticker: NewTicker(db, q, fixedMetrics{}, cfg, clk, zap.NewNop().Sugar()),
		queue:  q,
		clock:  clk,
	}
}

func (f *tickerFixture) tickJobs(t *testing.T) []*async.Job {
	t.Helper()
	jobs, err := f.queue.ListJobs(context.Background(), "sequence-intake", nil, 100)
	require.NoError(t, err)
	return jobs
}

func TestTickEnqueuesDueScheduler(t *testing.T) {
	ctx := context.Background()
	f := newTickerFixture(t)
	require.NoError(t, f.ticker.Register(ctx, intakeScheduler()))

	fired, err := f.ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	jobs := f.tickJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, "scheduler:sequence-intake", jobs[0].Source)
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	sch, err := f.ticker.Store().Get(ctx, "sequence-intake")
	require.NoError(t, err)
	assert.Equal(t, jobs[0].ID, sch.LastJobID)
	assert.Equal(t, t0.Add(time.Minute), sch.NextRunAt)

	execs, err := f.ticker.Executions().ListExecutions(ctx, "sequence-intake", 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusCompleted, execs[0].Status)
	assert.Equal(t, jobs[0].ID, execs[0].JobID)

	// Not due again until the interval passes
	fired, err = f.ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestTickReusesActiveTickJob(t *testing.T) {
	ctx := context.Background()
	f := newTickerFixture(t)
	require.NoError(t, f.ticker.Register(ctx, intakeScheduler()))

	_, err := f.ticker.Tick(ctx)
	require.NoError(t, err)
	first := f.tickJobs(t)
	require.Len(t, first, 1)

	// Given the previous tick job is still queued
	// When the interval elapses
	f.clock.Advance(time.Minute)
	fired, err := f.ticker.Tick(ctx)
	require.NoError(t, err)

	// Then the firing is recorded against the existing job
	assert.Equal(t, 1, fired)
	assert.Len(t, f.tickJobs(t), 1)
	sch, err := f.ticker.Store().Get(ctx, "sequence-intake")
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, sch.LastJobID)

	// Once it completes the next firing enqueues a fresh job
	claimed, err := f.queue.Dequeue(ctx, "sequence-intake", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, f.queue.Complete(ctx, claimed))

	f.clock.Advance(time.Minute)
	_, err = f.ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, f.tickJobs(t), 2)
}

func TestTickSkipsPausedScheduler(t *testing.T) {
	ctx := context.Background()
	f := newTickerFixture(t)
	require.NoError(t, f.ticker.Register(ctx, intakeScheduler()))
	require.NoError(t, f.ticker.Store().SetState(ctx, "sequence-intake", StatePaused, t0))

	fired, err := f.ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Empty(t, f.tickJobs(t))
}

func TestTickEnqueueFailureRetriesNextTick(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)
	clk := clock.NewMock(t0)
	q := async.NewQueue(db, "cadence", clk)
	ticker := NewTicker(db, q, nil, TickerConfig{Interval: time.Second}, clk, zap.NewNop().Sugar())
	require.NoError(t, ticker.Register(ctx, intakeScheduler()))

	_, err := db.Exec(`DROP TABLE pulse_jobs`)
	require.NoError(t, err)

	fired, err := ticker.Tick(ctx)
	require.NoError(t, err, "per-scheduler failures are logged, not returned")
	assert.Zero(t, fired)

	sch, err := ticker.Store().Get(ctx, "sequence-intake")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), sch.NextRunAt, "retried on the next tick, not the next interval")
	assert.Empty(t, sch.LastJobID)

	execs, err := ticker.Executions().ListExecutions(ctx, "sequence-intake", 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusFailed, execs[0].Status)
	assert.NotEmpty(t, execs[0].Error)
}

func TestTickerStartStop(t *testing.T) {
	ctx := context.Background()
	f := newTickerFixture(t)
	require.NoError(t, f.ticker.Register(ctx, intakeScheduler()))

	f.ticker.Start(ctx)
	require.Eventually(t, func() bool {
		return len(f.tickJobs(t)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.ticker.Stop()

	stats := f.ticker.GetStats()
	assert.Greater(t, stats["ticks_since_start"].(int64), int64(0))
	assert.Equal(t, "10ms", stats["interval"])
}

func TestStopWithoutStart(t *testing.T) {
	f := newTickerFixture(t)
	assert.NotPanics(t, f.ticker.Stop)
}
