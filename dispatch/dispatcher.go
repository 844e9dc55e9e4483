// Package dispatch advances contacts through their sequences.
//
// The Dispatcher is driven by two periodic ticks. Intake picks up
// NOT_STARTED contacts and schedules their first step. The due tick takes
// SCHEDULED contacts whose send time has passed, re-checks stop events and
// rate limits, and either enqueues the step's EmailJob or steps past a WAIT.
// The send path reports back through ConfirmSend, which schedules the next
// step or completes the contact.
//
// Every transition is a conditional update on the SequenceContact row, so a
// contact claimed by one dispatcher is skipped by any other.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/internal/lock"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/sequence"
	"github.com/teranos/cadence/timing"
)

// RateLimiter gates sends. *ratelimit.Limiter satisfies it.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, s ratelimit.Scope, opts ...ratelimit.Option) ratelimit.Decision
}

// Config tunes the dispatcher.
type Config struct {
	BatchSize   int           // Contacts per tick
	StopOnReply bool          // A REPLIED event stops further sends
	RetryDelay  time.Duration // Minimum reschedule delay after a refusal or enqueue failure
	Priority    int           // Priority of enqueued EmailJobs
}

// DefaultConfig returns the defaults used when am leaves a value unset.
func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		StopOnReply: true,
		RetryDelay:  15 * time.Minute,
	}
}

// ConfigFrom builds a Config from the loaded configuration.
func ConfigFrom(cfg *am.Config) Config {
	c := DefaultConfig()
	if cfg.Schedulers.BatchSize > 0 {
		c.BatchSize = cfg.Schedulers.BatchSize
	}
	if cfg.Limits.RetryDelay > 0 {
		c.RetryDelay = cfg.Limits.RetryDelay
	}
	c.StopOnReply = cfg.Monitor.StopOnReply
	return c
}

// SendResult is what the provider returned for an issued send.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// TickResult counts what one Intake or ProcessDue call did.
type TickResult struct {
	Scanned   int `json:"scanned"`
	Enqueued  int `json:"enqueued"`  // EmailJobs enqueued
	Advanced  int `json:"advanced"`  // WAIT steps stepped past, intakes scheduled for later
	Completed int `json:"completed"` // contacts finished without a send
	Deferred  int `json:"deferred"`  // rescheduled after a refusal or enqueue failure
	Skipped   int `json:"skipped"`   // stop events, lost claims, missing steps
	Errors    int `json:"errors"`
}

func (r *TickResult) add(o TickResult) {
	r.Scanned += o.Scanned
	r.Enqueued += o.Enqueued
	r.Advanced += o.Advanced
	r.Completed += o.Completed
	r.Deferred += o.Deferred
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// Dispatcher runs the SequenceContact state machine.
type Dispatcher struct {
	store    *sequence.Store
	enqueuer *jobs.Enqueuer
	limiter  RateLimiter
	clock    clock.Clock
	locks    *lock.MutexMap
	cfg      Config
	logger   *zap.SugaredLogger
}

// New creates a Dispatcher.
func New(store *sequence.Store, enqueuer *jobs.Enqueuer, limiter RateLimiter, cfg Config, clk clock.Clock, log *zap.SugaredLogger) *Dispatcher {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	return &Dispatcher{
		store:    store,
		enqueuer: enqueuer,
		limiter:  limiter,
		clock:    clk,
		locks:    lock.NewMutexMap(),
		cfg:      cfg,
		logger:   log.Named("dispatch"),
	}
}

// Store returns the sequence store.
func (d *Dispatcher) Store() *sequence.Store {
	return d.store
}

// sequences caches the sequences touched during one tick.
type sequences struct {
	store *sequence.Store
	byID  map[string]*sequence.Sequence
}

func (d *Dispatcher) newCache() *sequences {
	return &sequences{store: d.store, byID: make(map[string]*sequence.Sequence)}
}

func (c *sequences) get(ctx context.Context, id string) (*sequence.Sequence, error) {
	if seq, ok := c.byID[id]; ok {
		return seq, nil
	}
	seq, err := c.store.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	c.byID[id] = seq
	return seq, nil
}

// stepAt returns the step with the given order, or nil for a hole.
func stepAt(seq *sequence.Sequence, order int) *sequence.Step {
	for i := range seq.Steps {
		if seq.Steps[i].Order == order {
			return &seq.Steps[i]
		}
	}
	return nil
}

// lastStep returns the highest step order.
func lastStep(seq *sequence.Sequence) int {
	last := 0
	for _, st := range seq.Steps {
		if st.Order > last {
			last = st.Order
		}
	}
	return last
}

// Intake moves NOT_STARTED contacts to PENDING and schedules their first
// step. A first step that is already due is dispatched in the same call.
// The returned error is set only when the candidate query fails.
func (d *Dispatcher) Intake(ctx context.Context, f sequence.Filter) (TickResult, error) {
	if f.Limit <= 0 {
		f.Limit = d.cfg.BatchSize
	}
	var res TickResult
	candidates, err := d.store.ListIntakeCandidates(ctx, f)
	if err != nil {
		return res, errors.Wrap(err, "intake tick")
	}

	cache := d.newCache()
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		r, err := d.withSequenceLock(c.SequenceID, func() (TickResult, error) {
			return d.intakeOne(ctx, cache, c)
		})
		res.add(r)
		if err != nil {
			res.Errors++
			d.contactLogger(c).Warnw("Intake failed for contact", logger.FieldError, err)
		}
	}

	if res.Scanned > 0 {
		logger.AddPulseSymbol(d.logger).Infow("Intake tick processed",
			logger.FieldCount, res.Scanned,
			"enqueued", res.Enqueued,
			"scheduled", res.Advanced,
			"skipped", res.Skipped,
			"errors", res.Errors)
	}
	return res, nil
}

func (d *Dispatcher) intakeOne(ctx context.Context, cache *sequences, c sequence.DueContact) (TickResult, error) {
	var res TickResult
	log := d.contactLogger(c)

	seq, err := cache.get(ctx, c.SequenceID)
	if err != nil {
		return res, err
	}
	first := stepAt(seq, 1)
	if first == nil {
		log.Warnw("Sequence has no first step, skipping contact")
		res.Skipped++
		return res, nil
	}

	now := d.clock.Now()
	at := timing.CalculateNextRun(now, first.Spec(), seq.BusinessHours)
	ok, err := d.store.AdmitContact(ctx, c.SequenceID, c.ContactID, at)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped++
		return res, nil
	}
	log.Debugw("Contact scheduled for first step", logger.FieldNextRunAt, at)

	if at.After(now) {
		res.Advanced++
		return res, nil
	}

	c.Status = sequence.ContactScheduled
	c.CurrentStep = 1
	c.NextScheduledAt = &at
	r, err := d.dispatchDue(ctx, seq, c)
	res.add(r)
	return res, err
}

// ProcessDue dispatches SCHEDULED contacts whose send time has passed.
// Per-contact failures are logged and counted; the returned error is set
// only when the due query fails.
func (d *Dispatcher) ProcessDue(ctx context.Context, f sequence.Filter) (TickResult, error) {
	if f.Limit <= 0 {
		f.Limit = d.cfg.BatchSize
	}
	var res TickResult
	due, err := d.store.ListDue(ctx, d.clock.Now(), d.cfg.StopOnReply, f)
	if err != nil {
		return res, errors.Wrap(err, "due tick")
	}

	cache := d.newCache()
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		r, err := d.withSequenceLock(c.SequenceID, func() (TickResult, error) {
			seq, err := cache.get(ctx, c.SequenceID)
			if err != nil {
				return TickResult{}, err
			}
			return d.dispatchDue(ctx, seq, c)
		})
		res.add(r)
		if err != nil {
			res.Errors++
			d.contactLogger(c).Warnw("Due dispatch failed for contact", logger.FieldError, err)
		}
	}

	if res.Scanned > 0 {
		logger.AddPulseSymbol(d.logger).Infow("Due tick processed",
			logger.FieldCount, res.Scanned,
			"enqueued", res.Enqueued,
			"advanced", res.Advanced,
			"completed", res.Completed,
			"deferred", res.Deferred,
			"skipped", res.Skipped,
			"errors", res.Errors)
	}
	return res, nil
}

// dispatchDue handles one SCHEDULED contact whose time has come.
func (d *Dispatcher) dispatchDue(ctx context.Context, seq *sequence.Sequence, c sequence.DueContact) (TickResult, error) {
	var res TickResult
	log := d.contactLogger(c).With(logger.FieldStep, c.CurrentStep)
	n := c.CurrentStep

	// A bounce or reply recorded since the due query ran still stops the send
	stop, err := d.store.StopEvent(ctx, c.SequenceID, c.ContactID, d.cfg.StopOnReply)
	if err != nil {
		return res, err
	}
	if stop != "" {
		log.Infow("Stop event recorded, skipping contact", logger.FieldReason, stop)
		res.Skipped++
		return res, nil
	}

	step := stepAt(seq, n)
	if step == nil {
		log.Warnw("Step missing, skipping contact until the sequence is repaired")
		return res, d.reschedule(ctx, c, n, d.cfg.RetryDelay, &res)
	}

	if step.Type == sequence.StepWait {
		return d.advance(ctx, seq, c, n, sequence.ContactScheduled, log)
	}

	decision := d.limiter.CheckRateLimit(ctx, ratelimit.Scope{
		UserID:     c.UserID,
		SequenceID: c.SequenceID,
		ContactID:  c.ContactID,
	})
	if !decision.Allowed {
		delay := max(decision.RetryAfter, d.cfg.RetryDelay)
		log.Infow("Send refused by rate limiter, rescheduling",
			logger.FieldReason, decision.Reason,
			logger.FieldDelay, delay)
		return res, d.reschedule(ctx, c, n, delay, &res)
	}

	ok, err := d.store.StartSend(ctx, c.SequenceID, c.ContactID, n)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped++
		return res, nil
	}

	scheduled := d.clock.Now()
	if c.NextScheduledAt != nil {
		scheduled = *c.NextScheduledAt
	}
	payload := jobs.EmailJob{
		SequenceID:    c.SequenceID,
		ContactID:     c.ContactID,
		StepID:        step.ID,
		StepOrder:     n,
		UserID:        c.UserID,
		Recipient:     c.Email,
		Subject:       step.Subject,
		Body:          step.Body,
		ScheduledTime: scheduled.UTC(),
	}
	if step.ReplyToThread {
		payload.ThreadID = c.ThreadID
	}

	job, err := d.enqueuer.Enqueue(ctx, payload, async.EnqueueOptions{Priority: d.cfg.Priority})
	if err != nil {
		// Hand the contact back so a later tick retries the step
		if _, rerr := d.store.Schedule(ctx, c.SequenceID, c.ContactID,
			[]sequence.ContactStatus{sequence.ContactInProgress}, n, n,
			d.clock.Now().Add(d.cfg.RetryDelay)); rerr != nil {
			return res, errors.CombineErrors(err, rerr)
		}
		res.Deferred++
		return res, errors.Wrap(err, "failed to enqueue email job")
	}

	log.Infow("Email job enqueued", logger.FieldJobID, job.ID)
	res.Enqueued++
	return res, nil
}

// reschedule pushes a SCHEDULED contact's send time back without changing its step.
func (d *Dispatcher) reschedule(ctx context.Context, c sequence.DueContact, step int, delay time.Duration, res *TickResult) error {
	ok, err := d.store.Schedule(ctx, c.SequenceID, c.ContactID,
		[]sequence.ContactStatus{sequence.ContactScheduled}, step, step, d.clock.Now().Add(delay))
	if err != nil {
		return err
	}
	if ok {
		res.Deferred++
	} else {
		res.Skipped++
	}
	return nil
}

// advance moves a contact past step n: the next step is scheduled with its
// own timing, or the contact completes when n was the last step.
func (d *Dispatcher) advance(ctx context.Context, seq *sequence.Sequence, c sequence.DueContact, n int, from sequence.ContactStatus, log *zap.SugaredLogger) (TickResult, error) {
	var res TickResult
	if n >= lastStep(seq) {
		ok, err := d.store.Complete(ctx, c.SequenceID, c.ContactID, n)
		if err != nil {
			return res, err
		}
		if ok {
			log.Infow("Contact completed sequence")
			res.Completed++
		} else {
			res.Skipped++
		}
		return res, nil
	}

	next := stepAt(seq, n+1)
	now := d.clock.Now()
	at := now.Add(d.cfg.RetryDelay)
	if next != nil {
		at = timing.CalculateNextRun(now, next.Spec(), seq.BusinessHours)
	} else {
		log.Warnw("Next step missing, scheduling a re-check", "next_step", n+1)
	}

	ok, err := d.store.Schedule(ctx, c.SequenceID, c.ContactID,
		[]sequence.ContactStatus{from}, n, n+1, at)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped++
		return res, nil
	}
	log.Debugw("Next step scheduled", "next_step", n+1, logger.FieldNextRunAt, at)
	res.Advanced++
	return res, nil
}

// ConfirmSend records the provider thread for a sent step and moves the
// contact on: the next step is scheduled or the contact completes. Ad-hoc
// sends have no state to advance.
func (d *Dispatcher) ConfirmSend(ctx context.Context, job jobs.EmailJob, result SendResult) error {
	if job.AdHoc {
		return nil
	}
	return d.locks.With(job.SequenceID, func() error {
		if err := d.store.SetThread(ctx, job.SequenceID, job.ContactID, result.ThreadID); err != nil {
			return err
		}
		seq, err := d.store.GetSequence(ctx, job.SequenceID)
		if err != nil {
			return err
		}
		c := sequence.DueContact{
			SequenceContact: sequence.SequenceContact{
				SequenceID:  job.SequenceID,
				ContactID:   job.ContactID,
				CurrentStep: job.StepOrder,
				Status:      sequence.ContactInProgress,
				ThreadID:    result.ThreadID,
			},
			UserID: job.UserID,
			Email:  job.Recipient,
		}
		log := d.contactLogger(c).With(logger.FieldStep, job.StepOrder, logger.FieldMessageID, result.MessageID)
		res, err := d.advance(ctx, seq, c, job.StepOrder, sequence.ContactInProgress, log)
		if err != nil {
			return err
		}
		if res.Skipped > 0 {
			log.Debugw("Contact no longer in progress at this step, nothing to advance")
		}
		return nil
	})
}

// MarkFailed moves an active contact to FAILED after an irrecoverable send
// error. FAILED contacts are not retried by the dispatcher.
func (d *Dispatcher) MarkFailed(ctx context.Context, sequenceID, contactID, reason string) (bool, error) {
	failed, err := d.store.RecordFailure(ctx, sequenceID, contactID, reason)
	if err != nil {
		return false, err
	}
	if failed {
		d.logger.Warnw("Contact marked failed",
			logger.FieldSequenceID, sequenceID,
			logger.FieldContactID, contactID,
			logger.FieldReason, reason)
	}
	return failed, nil
}

// OptOut stops all further sends to one contact of a sequence. Jobs already
// enqueued for the contact are skipped by the sender. It reports false when
// the contact had already left the sequence.
func (d *Dispatcher) OptOut(ctx context.Context, sequenceID, contactID string) (bool, error) {
	if _, err := d.store.GetSequenceContact(ctx, sequenceID, contactID); err != nil {
		return false, err
	}
	ok, err := d.store.OptOut(ctx, sequenceID, contactID)
	if err != nil {
		return false, err
	}
	if ok {
		d.logger.Infow("Contact opted out",
			logger.FieldSequenceID, sequenceID,
			logger.FieldContactID, contactID)
	}
	return ok, nil
}

// Pause stops new sends for a sequence. Jobs already enqueued still run.
func (d *Dispatcher) Pause(ctx context.Context, sequenceID string) error {
	if err := d.store.SetSequenceStatus(ctx, sequenceID, sequence.StatusPaused); err != nil {
		return err
	}
	d.logger.Infow("Sequence paused", logger.FieldSequenceID, sequenceID)
	return nil
}

// Resume re-activates a paused sequence. Overdue contacts go out on the next due tick.
func (d *Dispatcher) Resume(ctx context.Context, sequenceID string) error {
	if err := d.store.SetSequenceStatus(ctx, sequenceID, sequence.StatusActive); err != nil {
		return err
	}
	d.logger.Infow("Sequence resumed", logger.FieldSequenceID, sequenceID)
	return nil
}

// ResetResult reports what ResetSequence removed.
type ResetResult struct {
	Contacts      int `json:"contacts"`
	CancelledJobs int `json:"cancelled_jobs"`
}

// ResetSequence cancels the sequence's queued jobs and returns every contact
// to NOT_STARTED, deleting events, tracking and stats. It holds the
// sequence lock, so dispatching in this process waits for it. Another
// process dispatching the same sequence concurrently races on a best-effort
// basis: its conditional updates fail once the rows are reset.
func (d *Dispatcher) ResetSequence(ctx context.Context, sequenceID string) (ResetResult, error) {
	var res ResetResult
	err := d.locks.With(sequenceID, func() error {
		if _, err := d.store.GetSequence(ctx, sequenceID); err != nil {
			return err
		}
		n, err := d.enqueuer.Queue().CancelBySourcePrefix(ctx, jobs.SequenceSourcePrefix(sequenceID))
		if err != nil {
			return err
		}
		res.CancelledJobs = n
		res.Contacts, err = d.store.ResetSequence(ctx, sequenceID)
		return err
	})
	if err != nil {
		return res, err
	}
	d.logger.Infow("Sequence reset",
		logger.FieldSequenceID, sequenceID,
		"contacts", res.Contacts,
		"cancelled_jobs", res.CancelledJobs)
	return res, nil
}

// ProcessSequence runs intake and the due pass for one sequence. The
// sequence must belong to userID.
func (d *Dispatcher) ProcessSequence(ctx context.Context, sequenceID, userID string) (TickResult, error) {
	seq, err := d.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return TickResult{}, err
	}
	if seq.UserID != userID {
		return TickResult{}, errors.NewInvalidRequestError("sequence %s does not belong to user %s", sequenceID, userID)
	}

	f := sequence.Filter{SequenceID: sequenceID, UserID: userID}
	res, err := d.Intake(ctx, f)
	if err != nil {
		return res, err
	}
	due, err := d.ProcessDue(ctx, f)
	res.add(due)
	return res, err
}

func (d *Dispatcher) withSequenceLock(sequenceID string, fn func() (TickResult, error)) (TickResult, error) {
	var res TickResult
	err := d.locks.With(sequenceID, func() error {
		var err error
		res, err = fn()
		return err
	})
	return res, err
}

func (d *Dispatcher) contactLogger(c sequence.DueContact) *zap.SugaredLogger {
	return d.logger.With(
		logger.FieldSequenceID, c.SequenceID,
		logger.FieldContactID, c.ContactID,
		logger.FieldUserID, c.UserID)
}
