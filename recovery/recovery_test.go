package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/cadence/alert"
	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/provider/providertest"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/sender"
	"github.com/teranos/cadence/sequence"
	"github.com/teranos/cadence/timing"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *recordingNotifier) all() []alert.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Alert(nil), n.alerts...)
}

type recordingFailer struct {
	calls [][3]string
}

func (f *recordingFailer) MarkFailed(_ context.Context, sequenceID, contactID, reason string) (bool, error) {
	f.calls = append(f.calls, [3]string{sequenceID, contactID, reason})
	return true, nil
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", errors.New("connection reset by peer"), true},
		{"timeout", errors.Wrap(context.DeadlineExceeded, "get thread"), true},
		{"invalid recipient", errors.Wrap(errors.ErrInvalidRecipient, "send"), false},
		{"invalid credentials", errors.Mark(errors.New("invalid_grant"), errors.ErrInvalidCredentials), false},
		{"provider rate limit", errors.Mark(errors.New("429"), errors.ErrRateLimitExceeded), false},
		{"invalid thread", errors.Mark(errors.New("404"), errors.ErrInvalidThread), false},
		{"unrecoverable", async.Unrecoverable(errors.New("bad payload")), false},
		{"not found", errors.NewNotFoundError("sequence %s", "seq-1"), false},
		{"invalid request", errors.NewInvalidRequestError("bad step"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestPolicyFrom(t *testing.T) {
	p := PolicyFrom(am.RetryConfig{Attempts: 3, BaseDelay: 30 * time.Second})
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 30*time.Second, p.Backoff.Base)
	assert.Equal(t, time.Hour, p.Backoff.Max, "unset values keep defaults")

	opts := p.EnqueueOptions()
	assert.Equal(t, 3, opts.Attempts)
	assert.Equal(t, p.Backoff, opts.Backoff)

	// min(base * 2^attemptsMade, max)
	assert.Equal(t, 30*time.Second, p.Backoff.Delay(0))
	assert.Equal(t, 2*time.Minute, p.Backoff.Delay(2))
	assert.Equal(t, time.Hour, p.Backoff.Delay(20))
}

func TestHookOnEmailSendFailure(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(t0)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clk), ratelimit.DefaultLimits(), true, zap.NewNop().Sugar())
	notifier := &recordingNotifier{}
	failer := &recordingFailer{}
	hook := NewHook(notifier, limiter, failer, zap.NewNop().Sugar())

	job := &async.Job{
		ID:          "job-1",
		Queue:       jobs.QueueEmailSend,
		Source:      "sequence:seq-1:contact:c-1:step:1",
		Payload:     []byte(`{"sequence_id":"seq-1","contact_id":"c-1","user_id":"u-1","recipient":"ada@example.com","step_order":1}`),
		Attempts:    1,
		MaxAttempts: 5,
	}
	cause := errors.Wrap(errors.ErrInvalidRecipient, "gmail send")
	hook.OnFinalFailure(ctx, job, cause)

	alerts := notifier.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, jobs.QueueEmailSend, alerts[0].Tags["queue"])
	assert.Equal(t, string(async.ErrorCodeProviderError), alerts[0].Tags["error_code"])
	assert.Equal(t, "u-1", alerts[0].Tags["user_id"])
	assert.Equal(t, "1/5", alerts[0].Extra["attempts"])
	assert.True(t, errors.Is(alerts[0].Err, errors.ErrInvalidRecipient))

	d := limiter.CheckRateLimit(ctx, ratelimit.Scope{UserID: "u-1"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonErrorCooldown, d.Reason)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)

	require.Len(t, failer.calls, 1)
	assert.Equal(t, "seq-1", failer.calls[0][0])
	assert.Equal(t, "c-1", failer.calls[0][1])
	assert.Contains(t, failer.calls[0][2], "provider_error")
}

func TestHookSkipsContactForOtherQueues(t *testing.T) {
	tests := []struct {
		name    string
		queue   string
		payload string
	}{
		{"thread check", jobs.QueueThreadCheck, `{"thread_id":"th-1","user_id":"u-1","sequence_id":"seq-1","contact_id":"c-1"}`},
		{"ad-hoc send", jobs.QueueEmailSend, `{"user_id":"u-1","recipient":"grace@example.com","ad_hoc":true}`},
		{"tick", jobs.QueueSequenceDue, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			failer := &recordingFailer{}
			hook := NewHook(notifier, nil, failer, zap.NewNop().Sugar())

			hook.OnFinalFailure(context.Background(), &async.Job{ID: "job-1", Queue: tt.queue, Payload: []byte(tt.payload)}, async.ErrStalled)

			assert.Len(t, notifier.all(), 1)
			assert.Empty(t, failer.calls)
		})
	}
}

func TestHookCooldownOnlyForSends(t *testing.T) {
	tests := []struct {
		name     string
		queue    string
		payload  string
		cooldown bool
	}{
		{"thread check", jobs.QueueThreadCheck, `{"thread_id":"th-1","user_id":"u-1","sequence_id":"seq-1","contact_id":"c-1"}`, false},
		{"sequence send", jobs.QueueEmailSend, `{"user_id":"u-1","sequence_id":"seq-1","contact_id":"c-1","recipient":"ada@example.com"}`, true},
		{"ad-hoc send", jobs.QueueEmailSend, `{"user_id":"u-1","recipient":"grace@example.com","ad_hoc":true}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clock.NewMock(t0)), ratelimit.DefaultLimits(), true, zap.NewNop().Sugar())
			hook := NewHook(nil, limiter, &recordingFailer{}, zap.NewNop().Sugar())

			// When a job exhausts its attempts
			hook.OnFinalFailure(ctx, &async.Job{ID: "job-1", Queue: tt.queue, Payload: []byte(tt.payload)}, errors.New("connection reset by peer"))

			// Then only send failures pause the user
			d := limiter.CheckRateLimit(ctx, ratelimit.Scope{UserID: "u-1"})
			assert.Equal(t, !tt.cooldown, d.Allowed)
			if tt.cooldown {
				assert.Equal(t, ratelimit.ReasonErrorCooldown, d.Reason)
			}
		})
	}
}

// A permanent send failure runs once, fails the contact and pauses the user.
func TestPermanentSendFailureThroughOrchestrator(t *testing.T) {
	ctx := context.Background()
	db := cadencetest.CreateMigratedTestDBx(t)
	clk := clock.NewMock(t0)
	log := zap.NewNop().Sugar()

	store := sequence.NewStore(db, clk)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clk), ratelimit.DefaultLimits(), true, log)
	notifier := &recordingNotifier{}

	enq := jobs.NewEnqueuer(async.NewQueue(db.DB, "cadence", clk), DefaultPolicy().EnqueueOptions())
	d := dispatch.New(store, enq, limiter, dispatch.DefaultConfig(), clk, log)
	hook := NewHook(notifier, limiter, d, log)
	orch := async.NewOrchestrator(db.DB, async.Config{Namespace: "cadence", MaintenanceInterval: time.Hour}, clk, log,
		async.WithRetryClassifier(IsRetryable), async.WithFailureHook(hook))

	fake := providertest.New()
	fake.SendErr = errors.Mark(errors.New("Invalid To header"), errors.ErrInvalidRecipient)
	s := sender.New(store, fake, d, limiter, nil, sender.Config{StopOnReply: true}, clk, log)
	require.NoError(t, orch.Register(s.Handler(), async.PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond, LockDuration: time.Minute}, nil))

	require.NoError(t, store.CreateSequence(ctx, &sequence.Sequence{
		ID: "seq-1", UserID: "u-1", Name: "Intro",
		Steps: []sequence.Step{{Order: 1, Type: sequence.StepAutomatedEmail, Timing: timing.ModeImmediate, Subject: "Hello"}},
	}))
	require.NoError(t, store.UpsertContact(ctx, &sequence.Contact{ID: "c-1", Email: "not-an-address"}))
	_, err := store.Enroll(ctx, "seq-1", "c-1")
	require.NoError(t, err)
	require.NoError(t, store.UpsertAccount(ctx, &sequence.MailAccount{UserID: "u-1", Email: "owner@example.com", AccessToken: "tok"}))

	res, err := d.Intake(ctx, sequence.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)

	require.NoError(t, orch.Start(ctx))
	defer orch.Stop()

	require.Eventually(t, func() bool {
		sc, err := store.GetSequenceContact(ctx, "seq-1", "c-1")
		return err == nil && sc.Status == sequence.ContactFailed
	}, 3*time.Second, 10*time.Millisecond)

	list, err := orch.Queue().ListJobs(ctx, jobs.QueueEmailSend, nil, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, async.JobStatusFailed, list[0].Status)
	assert.Equal(t, 1, list[0].Attempts, "permanent errors are not retried")

	require.Len(t, notifier.all(), 1)
	assert.Equal(t, ratelimit.ReasonErrorCooldown, limiter.CheckRateLimit(ctx, ratelimit.Scope{UserID: "u-1"}).Reason)

	stats, err := store.GetStats(ctx, "seq-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}
