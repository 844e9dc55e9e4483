// Package sender executes email-send jobs: it sends one step to one contact
// through the mail provider and reports the result back to the dispatcher.
package sender

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/provider"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/sequence"
)

// Confirmer advances a contact after its step went out. *dispatch.Dispatcher satisfies it.
type Confirmer interface {
	ConfirmSend(ctx context.Context, job jobs.EmailJob, result dispatch.SendResult) error
}

// Limiter is the part of the rate limiter the send path uses.
type Limiter interface {
	CheckRateLimit(ctx context.Context, s ratelimit.Scope, opts ...ratelimit.Option) ratelimit.Decision
	IncrementCounters(ctx context.Context, s ratelimit.Scope) error
}

// Watcher starts thread monitoring. *monitor.Monitor satisfies it.
type Watcher interface {
	Watch(ctx context.Context, check jobs.ThreadCheck) (*async.Job, error)
}

// ErrUnconfirmed marks a send that reached the provider but could not be
// recorded. Such jobs are never retried.
var ErrUnconfirmed = errors.New("message sent but not recorded")

// Skip reasons
const (
	SkipContactClosed = "contact_closed"
	SkipStale         = "stale_step"
	SkipStopEvent     = "stop_event"
)

// Config tunes the sender.
type Config struct {
	StopOnReply bool
}

// Result describes one executed job.
type Result struct {
	Skipped   string
	MessageID string
	ThreadID  string
}

// Sender runs email-send jobs.
type Sender struct {
	store     *sequence.Store
	provider  provider.Provider
	confirmer Confirmer
	limiter   Limiter
	watcher   Watcher
	cfg       Config
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// New creates a Sender. watcher may be nil to disable thread monitoring.
func New(store *sequence.Store, p provider.Provider, confirmer Confirmer, limiter Limiter, watcher Watcher, cfg Config, clk clock.Clock, log *zap.SugaredLogger) *Sender {
	return &Sender{
		store:     store,
		provider:  p,
		confirmer: confirmer,
		limiter:   limiter,
		watcher:   watcher,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.AddMailSymbol(log.Named("sender")),
	}
}

// Send executes job. Errors before the provider accepted the message are
// returned as is for the retry policy to classify. Errors after it are
// marked ErrUnconfirmed and unrecoverable so the message is never sent twice.
func (s *Sender) Send(ctx context.Context, job jobs.EmailJob) (Result, error) {
	log := s.logger.With(
		logger.FieldUserID, job.UserID,
		logger.FieldSequenceID, job.SequenceID,
		logger.FieldContactID, job.ContactID,
		logger.FieldStep, job.StepOrder)

	if job.AdHoc {
		scope := ratelimit.Scope{UserID: job.UserID}
		if d := s.limiter.CheckRateLimit(ctx, scope); !d.Allowed {
			return Result{}, errors.Newf("ad-hoc send refused by rate limiter: %s (retry after %s)", d.Reason, d.RetryAfter)
		}
	} else {
		reason, err := s.precheck(ctx, job)
		if err != nil {
			return Result{}, err
		}
		if reason != "" {
			log.Infow("Send skipped", logger.FieldReason, reason)
			return Result{Skipped: reason}, nil
		}
	}

	acct, err := s.store.GetAccount(ctx, job.UserID)
	if errors.IsNotFoundError(err) {
		return Result{}, errors.Mark(err, errors.ErrInvalidCredentials)
	}
	if err != nil {
		return Result{}, err
	}
	pa := acct.ProviderAccount()

	out := provider.Outgoing{
		From:    acct.Email,
		To:      job.Recipient,
		Subject: job.Subject,
		Body:    job.Body,
	}
	if job.ThreadID != "" {
		out.InReplyTo = s.replyTarget(ctx, pa, job, log)
	}
	raw, err := provider.BuildRaw(out)
	if err != nil {
		return Result{}, err
	}

	sent, err := s.provider.SendMessage(ctx, pa, raw, job.ThreadID)
	if err != nil {
		return Result{}, err
	}
	log = log.With(logger.FieldMessageID, sent.MessageID, logger.FieldThreadID, sent.ThreadID)
	log.Infow("Message sent")

	if err := s.afterSend(ctx, job, sent, log); err != nil {
		log.Errorw("Sent message could not be recorded", logger.FieldError, err)
		return Result{MessageID: sent.MessageID, ThreadID: sent.ThreadID},
			async.Unrecoverable(errors.Mark(errors.Wrap(err, ErrUnconfirmed.Error()), ErrUnconfirmed))
	}
	return Result{MessageID: sent.MessageID, ThreadID: sent.ThreadID}, nil
}

// precheck returns a skip reason when the job no longer matches the contact.
func (s *Sender) precheck(ctx context.Context, job jobs.EmailJob) (string, error) {
	sc, err := s.store.GetSequenceContact(ctx, job.SequenceID, job.ContactID)
	if errors.IsNotFoundError(err) {
		return "", async.Unrecoverable(err)
	}
	if err != nil {
		return "", err
	}
	if sc.Status.IsTerminal() {
		return SkipContactClosed, nil
	}
	if sc.Status != sequence.ContactInProgress || sc.CurrentStep != job.StepOrder {
		return SkipStale, nil
	}
	stop, err := s.store.StopEvent(ctx, job.SequenceID, job.ContactID, s.cfg.StopOnReply)
	if err != nil {
		return "", err
	}
	if stop != "" {
		return SkipStopEvent, nil
	}
	return "", nil
}

// replyTarget returns the Message-ID of the last message sent to the contact
// in this sequence. Threading headers are best effort.
func (s *Sender) replyTarget(ctx context.Context, acct provider.Account, job jobs.EmailJob, log *zap.SugaredLogger) string {
	tr, err := s.store.LatestTracking(ctx, job.SequenceID, job.ContactID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			log.Warnw("Failed to load previous send", logger.FieldError, err)
		}
		return ""
	}
	h, err := s.provider.GetMessage(ctx, acct, tr.MessageID, "Message-ID")
	if err != nil {
		log.Warnw("Failed to load Message-ID of previous send", logger.FieldMessageID, tr.MessageID, logger.FieldError, err)
		return ""
	}
	return h.Get("Message-ID")
}

func (s *Sender) afterSend(ctx context.Context, job jobs.EmailJob, sent provider.SendResult, log *zap.SugaredLogger) error {
	scope := ratelimit.Scope{UserID: job.UserID, SequenceID: job.SequenceID, ContactID: job.ContactID}
	if job.AdHoc {
		scope = ratelimit.Scope{UserID: job.UserID}
	}
	// Counter failures are logged by the limiter and do not block the send path
	_ = s.limiter.IncrementCounters(ctx, scope)

	if job.AdHoc {
		return nil
	}

	if _, err := s.store.RecordSend(ctx, sequence.SendRecord{
		SequenceID: job.SequenceID,
		ContactID:  job.ContactID,
		StepID:     job.StepID,
		MessageID:  sent.MessageID,
		ThreadID:   sent.ThreadID,
	}); err != nil {
		return err
	}
	if err := s.confirmer.ConfirmSend(ctx, job, dispatch.SendResult{MessageID: sent.MessageID, ThreadID: sent.ThreadID}); err != nil {
		return err
	}

	if job.ThreadID == "" && sent.ThreadID != "" && s.watcher != nil {
		check := jobs.ThreadCheck{
			ThreadID:   sent.ThreadID,
			UserID:     job.UserID,
			SequenceID: job.SequenceID,
			ContactID:  job.ContactID,
			CreatedAt:  s.clock.Now(),
		}
		if _, err := s.watcher.Watch(ctx, check); err != nil {
			log.Warnw("Failed to start thread monitoring", logger.FieldError, err)
		}
	}
	return nil
}

// Handler returns the email-send queue handler.
func (s *Sender) Handler() async.JobHandler {
	return async.HandlerFunc{Queue: jobs.QueueEmailSend, Fn: s.handleSend}
}

func (s *Sender) handleSend(ctx context.Context, job *async.Job) error {
	p, err := jobs.Decode[jobs.EmailJob](job)
	if err != nil {
		return err
	}
	_, err = s.Send(ctx, p)
	return err
}
