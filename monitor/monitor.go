// Package monitor polls sent threads for bounces and replies.
//
// A thread is checked by a ThreadCheck job. When nothing is found the check
// re-enqueues itself with a delay taken from the FrequencyTable, so young
// threads are polled often and old ones rarely. The chain ends on the first
// finding, on a permanent provider error, once the contact leaves the
// sequence, or when the thread passes MaxAge.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/provider"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/sequence"
)

// Cooldowns applies the bounce cooldown. *ratelimit.Limiter satisfies it.
type Cooldowns interface {
	AddCooldown(ctx context.Context, userID string, kind ratelimit.Kind, d time.Duration) error
}

// Config tunes the monitor.
type Config struct {
	Frequency FrequencyTable
}

// ConfigFrom builds a Config from the loaded configuration.
func ConfigFrom(cfg *am.Config) Config {
	return Config{
		Frequency: FrequencyFrom(cfg.Monitor),
	}
}

// Stop reasons reported in a Result
const (
	StopFound         = "found"
	StopContactGone   = "contact_gone"
	StopContactClosed = "contact_closed"
	StopAlreadyKnown  = "already_recorded"
	StopMaxAge        = "max_age"
	StopNoAccount     = "no_account"
	StopProviderError = "provider_error"
)

// Result describes one check.
type Result struct {
	Detection Detection
	Recorded  bool          // the finding was new
	Stopped   string        // why the chain ended, empty when requeued
	NextIn    time.Duration // delay of the follow-up check
	NextJobID string
}

// Monitor runs thread checks.
type Monitor struct {
	store     *sequence.Store
	provider  provider.Provider
	enqueuer  *jobs.Enqueuer
	cooldowns Cooldowns
	cfg       Config
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// New creates a Monitor.
func New(store *sequence.Store, p provider.Provider, enqueuer *jobs.Enqueuer, cooldowns Cooldowns, cfg Config, clk clock.Clock, log *zap.SugaredLogger) *Monitor {
	if cfg.Frequency == (FrequencyTable{}) {
		cfg.Frequency = DefaultFrequencyTable()
	}
	return &Monitor{
		store:     store,
		provider:  p,
		enqueuer:  enqueuer,
		cooldowns: cooldowns,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.AddMailSymbol(log.Named("monitor")),
	}
}

// Watch starts the check chain for a new thread. An active check for the
// same thread is returned instead of enqueuing a second one.
func (m *Monitor) Watch(ctx context.Context, check jobs.ThreadCheck) (*async.Job, error) {
	if check.CreatedAt.IsZero() {
		check.CreatedAt = m.clock.Now()
	}
	existing, err := m.enqueuer.Queue().FindActiveBySource(ctx, check.Source())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return m.enqueuer.Enqueue(ctx, check, async.EnqueueOptions{Delay: m.cfg.Frequency.Delay(0)})
}

// Check fetches the thread once and records what it finds. Only transient
// failures are returned; the caller retries those.
func (m *Monitor) Check(ctx context.Context, check jobs.ThreadCheck) (Result, error) {
	log := m.logger.With(
		logger.FieldThreadID, check.ThreadID,
		logger.FieldSequenceID, check.SequenceID,
		logger.FieldContactID, check.ContactID)

	age := m.clock.Now().Sub(check.CreatedAt)
	if m.cfg.Frequency.Expired(age) {
		log.Debugw("Thread past max age, monitoring ends", "age", age)
		return Result{Stopped: StopMaxAge}, nil
	}

	sc, err := m.store.GetSequenceContact(ctx, check.SequenceID, check.ContactID)
	if errors.IsNotFoundError(err) {
		return Result{Stopped: StopContactGone}, nil
	}
	if err != nil {
		return Result{}, err
	}
	// A completed contact can still bounce or reply to its last step
	if sc.Status.IsTerminal() && sc.Status != sequence.ContactCompleted {
		return Result{Stopped: StopContactClosed}, nil
	}
	stop, err := m.store.StopEvent(ctx, check.SequenceID, check.ContactID, true)
	if err != nil {
		return Result{}, err
	}
	if stop != "" {
		return Result{Stopped: StopAlreadyKnown}, nil
	}

	acct, err := m.store.GetAccount(ctx, check.UserID)
	if errors.IsNotFoundError(err) {
		log.Warnw("No mail account for thread owner, monitoring ends", logger.FieldUserID, check.UserID)
		return Result{Stopped: StopNoAccount}, nil
	}
	if err != nil {
		return Result{}, err
	}

	msgs, err := m.provider.GetThread(ctx, acct.ProviderAccount(), check.ThreadID)
	// Throttling is transient for reads; the chain continues on its normal cadence
	if err != nil && errors.Is(err, errors.ErrRateLimitExceeded) {
		log.Infow("Thread read throttled by provider, check rescheduled", logger.FieldError, err)
		return m.requeue(ctx, check, age, log)
	}
	if errors.IsPermanent(err) {
		log.Warnw("Thread cannot be read, monitoring ends", logger.FieldError, err)
		return Result{Stopped: StopProviderError}, nil
	}
	if err != nil {
		return Result{}, err
	}

	det := Classify(msgs, acct.Email)
	if det.Kind == KindNone {
		return m.requeue(ctx, check, age, log)
	}

	res := Result{Detection: det, Stopped: StopFound}
	res.Recorded, err = m.record(ctx, check, det)
	if err != nil {
		return Result{}, err
	}
	log.Infow("Thread finding recorded",
		"kind", det.Kind,
		logger.FieldMessageID, det.MessageID,
		logger.FieldReason, det.Reason,
		"new", res.Recorded)
	return res, nil
}

func (m *Monitor) record(ctx context.Context, check jobs.ThreadCheck, det Detection) (bool, error) {
	f := sequence.Finding{
		SequenceID: check.SequenceID,
		ContactID:  check.ContactID,
		Metadata: sequence.Metadata{
			"thread_id":  check.ThreadID,
			"message_id": det.MessageID,
			"reason":     det.Reason,
		},
	}
	if det.FailedRecipients != "" {
		f.Metadata["failed_recipients"] = det.FailedRecipients
	}
	if tr, err := m.store.LatestTracking(ctx, check.SequenceID, check.ContactID); err == nil {
		f.TrackingID = tr.ID
	} else if !errors.IsNotFoundError(err) {
		return false, err
	}

	if det.Kind == KindReply {
		out, err := m.store.RecordReply(ctx, f)
		return out.Recorded, err
	}

	out, err := m.store.RecordBounce(ctx, f)
	if err != nil {
		return false, err
	}
	if out.Recorded && m.cooldowns != nil {
		if err := m.cooldowns.AddCooldown(ctx, check.UserID, ratelimit.CooldownBounce, 0); err != nil {
			m.logger.Warnw("Failed to apply bounce cooldown", logger.FieldUserID, check.UserID, logger.FieldError, err)
		}
	}
	return out.Recorded, nil
}

// requeue enqueues the next check of the chain as a new delayed job.
func (m *Monitor) requeue(ctx context.Context, check jobs.ThreadCheck, age time.Duration, log *zap.SugaredLogger) (Result, error) {
	delay := m.cfg.Frequency.Delay(age)
	job, err := m.enqueuer.Enqueue(ctx, check, async.EnqueueOptions{Delay: delay})
	if err != nil {
		return Result{}, err
	}
	log.Debugw("Nothing found, next check scheduled", logger.FieldDelay, delay, logger.FieldJobID, job.ID)
	return Result{NextIn: delay, NextJobID: job.ID}, nil
}

// Handler returns the thread-check queue handler.
func (m *Monitor) Handler() async.JobHandler {
	return async.HandlerFunc{Queue: jobs.QueueThreadCheck, Fn: m.handleCheck}
}

func (m *Monitor) handleCheck(ctx context.Context, job *async.Job) error {
	check, err := jobs.Decode[jobs.ThreadCheck](job)
	if err != nil {
		return err
	}
	_, err = m.Check(ctx, check)
	return err
}
