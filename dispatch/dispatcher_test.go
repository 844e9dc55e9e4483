package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/sequence"
	"github.com/teranos/cadence/timing"
)

// Monday
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db      *sqlx.DB
	d       *Dispatcher
	store   *sequence.Store
	queue   *async.Queue
	limiter *ratelimit.Limiter
	clock   *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbx := cadencetest.CreateMigratedTestDBx(t)
	clk := clock.NewMock(t0)
	log := zap.NewNop().Sugar()

	store := sequence.NewStore(dbx, clk)
	q := async.NewQueue(dbx.DB, "cadence", clk)
	enq := jobs.NewEnqueuer(q, async.EnqueueOptions{Attempts: 3, Backoff: async.Backoff{Base: time.Minute, Max: time.Hour}})
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clk), ratelimit.DefaultLimits(), true, log)

	return &fixture{
		db:      dbx,
		d:       New(store, enq, limiter, DefaultConfig(), clk, log),
		store:   store,
		queue:   q,
		limiter: limiter,
		clock:   clk,
	}
}

// seed creates seq-1 owned by u-1 with the given steps and enrolls c-1.
func (f *fixture) seed(t *testing.T, steps ...sequence.Step) {
	t.Helper()
	ctx := context.Background()
	for i := range steps {
		steps[i].Order = i + 1
	}
	require.NoError(t, f.store.CreateSequence(ctx, &sequence.Sequence{ID: "seq-1", UserID: "u-1", Name: "Intro", Steps: steps}))
	require.NoError(t, f.store.UpsertContact(ctx, &sequence.Contact{ID: "c-1", Email: "ada@example.com"}))
	_, err := f.store.Enroll(ctx, "seq-1", "c-1")
	require.NoError(t, err)
}

func (f *fixture) contact(t *testing.T) *sequence.SequenceContact {
	t.Helper()
	sc, err := f.store.GetSequenceContact(context.Background(), "seq-1", "c-1")
	require.NoError(t, err)
	return sc
}

// takeEmail dequeues the next email-send job and decodes it.
func (f *fixture) takeEmail(t *testing.T) (*async.Job, jobs.EmailJob) {
	t.Helper()
	job, err := f.queue.Dequeue(context.Background(), jobs.QueueEmailSend, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job, "expected an email-send job")
	p, err := jobs.Decode[jobs.EmailJob](job)
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(context.Background(), job))
	return job, p
}

func (f *fixture) emailJobs(t *testing.T) int {
	t.Helper()
	list, err := f.queue.ListJobs(context.Background(), jobs.QueueEmailSend, nil, 100)
	require.NoError(t, err)
	return len(list)
}

func immediate(subject string) sequence.Step {
	return sequence.Step{Type: sequence.StepAutomatedEmail, Timing: timing.ModeImmediate, Subject: subject}
}

func delayed(subject string, minutes int) sequence.Step {
	return sequence.Step{Type: sequence.StepAutomatedEmail, Timing: timing.ModeDelay, DelayAmount: minutes, Subject: subject, ReplyToThread: true}
}

func TestTwoStepSequenceRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"), delayed("Following up", 60))

	// Intake dispatches the immediate first step in the same pass
	res, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	sc := f.contact(t)
	assert.Equal(t, sequence.ContactInProgress, sc.Status)
	assert.Equal(t, 1, sc.CurrentStep)
	assert.Nil(t, sc.NextScheduledAt)

	job, first := f.takeEmail(t)
	assert.Equal(t, "sequence:seq-1:contact:c-1:step:1", job.Source)
	assert.Equal(t, 1, first.StepOrder)
	assert.Equal(t, "ada@example.com", first.Recipient)
	assert.Equal(t, "u-1", first.UserID)
	assert.Equal(t, "Hello", first.Subject)
	assert.Equal(t, t0, first.ScheduledTime)
	assert.Empty(t, first.ThreadID)

	require.NoError(t, f.d.ConfirmSend(ctx, first, SendResult{MessageID: "m-1", ThreadID: "th-1"}))

	sc = f.contact(t)
	assert.Equal(t, sequence.ContactScheduled, sc.Status)
	assert.Equal(t, 2, sc.CurrentStep)
	assert.Equal(t, "th-1", sc.ThreadID)
	require.NotNil(t, sc.NextScheduledAt)
	assert.Equal(t, t0.Add(time.Hour), sc.NextScheduledAt.UTC())

	// Not yet due
	res, err = f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	f.clock.Advance(time.Hour)
	res, err = f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	_, second := f.takeEmail(t)
	assert.Equal(t, 2, second.StepOrder)
	assert.Equal(t, "th-1", second.ThreadID, "follow-up replies in the first thread")

	require.NoError(t, f.d.ConfirmSend(ctx, second, SendResult{MessageID: "m-2", ThreadID: "th-1"}))

	sc = f.contact(t)
	assert.Equal(t, sequence.ContactCompleted, sc.Status)
	assert.Equal(t, 2, sc.CurrentStep)
	require.NotNil(t, sc.CompletedAt)

	stats, err := f.store.GetStats(ctx, "seq-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)

	// A completed contact is never dispatched again
	f.clock.Advance(24 * time.Hour)
	res, err = f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.Equal(t, 2, f.emailJobs(t))
}

func TestIntakeSchedulesDelayedFirstStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, delayed("Later", 30))

	res, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, TickResult{Scanned: 1, Advanced: 1}, res)

	sc := f.contact(t)
	assert.Equal(t, sequence.ContactScheduled, sc.Status)
	assert.Equal(t, 1, sc.CurrentStep)
	assert.Equal(t, t0.Add(30*time.Minute), sc.NextScheduledAt.UTC())
	assert.Zero(t, f.emailJobs(t))

	// Intake never picks the contact up twice
	res, err = f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestIntakeRespectsBusinessHours(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateSequence(ctx, &sequence.Sequence{
		ID: "seq-1", UserID: "u-1", Name: "Weekdays",
		BusinessHours: &timing.BusinessHours{
			Timezone:       "UTC",
			Days:           []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			WorkHoursStart: "09:00",
			WorkHoursEnd:   "17:00",
		},
		Steps: []sequence.Step{{Order: 1, Type: sequence.StepAutomatedEmail, Timing: timing.ModeImmediate, Subject: "Hi"}},
	}))
	require.NoError(t, f.store.UpsertContact(ctx, &sequence.Contact{ID: "c-1", Email: "ada@example.com"}))
	_, err := f.store.Enroll(ctx, "seq-1", "c-1")
	require.NoError(t, err)

	// Saturday 10:00
	f.clock.Set(time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC))
	_, err = f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)

	sc := f.contact(t)
	assert.Equal(t, sequence.ContactScheduled, sc.Status)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), sc.NextScheduledAt.UTC())
	assert.Zero(t, f.emailJobs(t))
}

func TestBounceBeforeDueTickSkipsSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, delayed("Later", 30))
	_, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)

	// Given a bounce recorded while the contact waits
	out, err := f.store.RecordBounce(ctx, sequence.Finding{SequenceID: "seq-1", ContactID: "c-1"})
	require.NoError(t, err)
	require.True(t, out.Terminated)

	// When the due tick fires
	f.clock.Advance(time.Hour)
	_, err = f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)

	// Then nothing is sent and the step does not advance
	assert.Zero(t, f.emailJobs(t))
	sc := f.contact(t)
	assert.Equal(t, sequence.ContactBounced, sc.Status)
	assert.Equal(t, 1, sc.CurrentStep)
}

func TestStopEventRecheckedBeforeSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"))

	// A bounce event written without a status change, as a concurrent monitor would
	_, err := f.store.RecordEvent(ctx, &sequence.EmailEvent{SequenceID: "seq-1", ContactID: "c-1", Type: sequence.EventBounced})
	require.NoError(t, err)

	res, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Enqueued)
	assert.Zero(t, f.emailJobs(t))

	sc := f.contact(t)
	assert.Equal(t, sequence.ContactScheduled, sc.Status)
	assert.Equal(t, 1, sc.CurrentStep)
}

func TestReplyStopsSendsWhenConfigured(t *testing.T) {
	tests := []struct {
		name        string
		stopOnReply bool
		enqueued    int
	}{
		{"stop on reply", true, 0},
		{"continue after reply", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			cfg := DefaultConfig()
			cfg.StopOnReply = tt.stopOnReply
			f.d.cfg = cfg
			f.seed(t, immediate("Hello"))

			_, err := f.store.RecordReply(ctx, sequence.Finding{SequenceID: "seq-1", ContactID: "c-1"})
			require.NoError(t, err)

			res, err := f.d.Intake(ctx, sequence.Filter{})
			require.NoError(t, err)
			assert.Equal(t, tt.enqueued, res.Enqueued)
			assert.Equal(t, tt.enqueued, f.emailJobs(t))
		})
	}
}

func TestRateLimitRefusalReschedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"))
	require.NoError(t, f.limiter.AddCooldown(ctx, "u-1", ratelimit.CooldownBounce, 2*time.Hour))

	res, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Zero(t, f.emailJobs(t))

	sc := f.contact(t)
	assert.Equal(t, sequence.ContactScheduled, sc.Status)
	assert.Equal(t, 1, sc.CurrentStep)
	assert.Equal(t, t0.Add(2*time.Hour), sc.NextScheduledAt.UTC(), "waits out the cooldown")

	f.clock.Advance(2 * time.Hour)
	res, err = f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
}

func TestShortRefusalUsesRetryDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"))
	require.NoError(t, f.limiter.AddCooldown(ctx, "u-1", ratelimit.CooldownError, time.Minute))

	_, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), f.contact(t).NextScheduledAt.UTC())
}

func TestMissingStepIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, delayed("Later", 30), immediate("Again"))
	_, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)

	// The step is deleted by an external edit while the contact waits
	require.NoError(t, f.store.DeleteStep(ctx, "seq-1", 1))

	f.clock.Advance(time.Hour)
	res, err := f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Zero(t, res.Errors)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, 1, res.Deferred)

	sc := f.contact(t)
	assert.Equal(t, sequence.ContactScheduled, sc.Status)
	assert.Equal(t, 1, sc.CurrentStep, "never advances past a hole")
}

func TestMissingFirstStepLeavesContactNotStarted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"), immediate("Again"))
	require.NoError(t, f.store.DeleteStep(ctx, "seq-1", 1))

	res, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, sequence.ContactNotStarted, f.contact(t).Status)
}

func TestWaitStepsAdvanceWithoutSending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t,
		immediate("Hello"),
		sequence.Step{Type: sequence.StepWait, DelayAmount: 2, DelayUnit: timing.UnitDays},
		immediate("Checking in"),
	)

	_, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	_, first := f.takeEmail(t)
	require.NoError(t, f.d.ConfirmSend(ctx, first, SendResult{MessageID: "m-1", ThreadID: "th-1"}))

	sc := f.contact(t)
	assert.Equal(t, 2, sc.CurrentStep)
	assert.Equal(t, t0.Add(48*time.Hour), sc.NextScheduledAt.UTC())

	f.clock.Advance(48 * time.Hour)
	res, err := f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Advanced)
	assert.Zero(t, res.Enqueued)

	sc = f.contact(t)
	assert.Equal(t, sequence.ContactScheduled, sc.Status)
	assert.Equal(t, 3, sc.CurrentStep)

	res, err = f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	_, third := f.takeEmail(t)
	assert.Equal(t, 3, third.StepOrder)
}

func TestTrailingWaitCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, sequence.Step{Type: sequence.StepWait, DelayAmount: 10})

	_, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	res, err := f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, sequence.ContactCompleted, f.contact(t).Status)
}

func TestTerminalContactsAreNeverDispatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"))

	ok, err := f.store.OptOut(ctx, "seq-1", "c-1")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	res, err = f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.Zero(t, f.emailJobs(t))
}

func TestConfirmSendAfterBounceDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"), delayed("Again", 60))
	_, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	_, first := f.takeEmail(t)

	_, err = f.store.RecordBounce(ctx, sequence.Finding{SequenceID: "seq-1", ContactID: "c-1"})
	require.NoError(t, err)

	require.NoError(t, f.d.ConfirmSend(ctx, first, SendResult{MessageID: "m-1", ThreadID: "th-1"}))
	sc := f.contact(t)
	assert.Equal(t, sequence.ContactBounced, sc.Status)
	assert.Equal(t, 1, sc.CurrentStep)
	assert.Nil(t, sc.NextScheduledAt)
}

func TestEnqueueFailureHandsContactBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"))

	_, err := f.store.DB().ExecContext(ctx, `DROP TABLE pulse_jobs`)
	require.NoError(t, err)

	res, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err, "per-contact failures do not fail the tick")
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Deferred)

	sc := f.contact(t)
	assert.Equal(t, sequence.ContactScheduled, sc.Status)
	assert.Equal(t, 1, sc.CurrentStep)
	assert.Equal(t, t0.Add(15*time.Minute), sc.NextScheduledAt.UTC())
}

func TestPausedSequenceIsNotDispatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"))

	require.NoError(t, f.d.Pause(ctx, "seq-1"))
	res, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	require.NoError(t, f.d.Resume(ctx, "seq-1"))
	res, err = f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	assert.True(t, errors.IsNotFoundError(f.d.Pause(ctx, "missing")))
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"))

	failed, err := f.d.MarkFailed(ctx, "seq-1", "c-1", "invalid recipient")
	require.NoError(t, err)
	assert.True(t, failed)
	assert.Equal(t, sequence.ContactFailed, f.contact(t).Status)

	failed, err = f.d.MarkFailed(ctx, "seq-1", "c-1", "invalid recipient")
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestOptOutStopsDueSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, delayed("Later", 30))

	// Given a contact scheduled for its first step
	_, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	require.Equal(t, sequence.ContactScheduled, f.contact(t).Status)

	// When it opts out before the step is due
	opted, err := f.d.OptOut(ctx, "seq-1", "c-1")
	require.NoError(t, err)
	assert.True(t, opted)

	// Then the due tick sends nothing
	f.clock.Advance(time.Hour)
	res, err := f.d.ProcessDue(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Zero(t, f.emailJobs(t))
	assert.Equal(t, sequence.ContactOptedOut, f.contact(t).Status)

	opted, err = f.d.OptOut(ctx, "seq-1", "c-1")
	require.NoError(t, err)
	assert.False(t, opted)

	_, err = f.d.OptOut(ctx, "seq-1", "c-404")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestResetSequenceCancelsJobsAndProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"), delayed("Again", 60))
	_, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)

	res, err := f.d.ResetSequence(ctx, "seq-1")
	require.NoError(t, err)
	assert.Equal(t, ResetResult{Contacts: 1, CancelledJobs: 1}, res)

	sc := f.contact(t)
	assert.Equal(t, sequence.ContactNotStarted, sc.Status)
	assert.Zero(t, sc.CurrentStep)

	job, err := f.queue.Dequeue(ctx, jobs.QueueEmailSend, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job, "cancelled jobs are not claimed")

	// The contact starts over
	intake, err := f.d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, intake.Enqueued)

	_, err = f.d.ResetSequence(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestProcessSequenceChecksOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, immediate("Hello"))

	_, err := f.d.ProcessSequence(ctx, "seq-1", "u-2")
	assert.True(t, errors.IsInvalidRequestError(err))

	res, err := f.d.ProcessSequence(ctx, "seq-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
}

func TestAdHocConfirmIsNoop(t *testing.T) {
	f := newFixture(t)
	err := f.d.ConfirmSend(context.Background(), jobs.EmailJob{AdHoc: true, UserID: "u-1", Recipient: "x@example.com"}, SendResult{})
	assert.NoError(t, err)
}

func TestBatchSizeBoundsTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, delayed("Later", 30))
	for _, id := range []string{"c-2", "c-3"} {
		require.NoError(t, f.store.UpsertContact(ctx, &sequence.Contact{ID: id, Email: id + "@example.com"}))
		_, err := f.store.Enroll(ctx, "seq-1", id)
		require.NoError(t, err)
	}

	res, err := f.d.Intake(ctx, sequence.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)

	res, err = f.d.Intake(ctx, sequence.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
}
