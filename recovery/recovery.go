// Package recovery decides which job failures are retried and what happens
// when a job fails for good.
//
// Retryable failures are re-enqueued by the orchestrator with
// Backoff.Delay(attemptsMade) until the job's attempts run out. A job that
// fails terminally is reported through an alert.Notifier, its user is put in
// the error cooldown, and an email-send job's contact is marked FAILED.
package recovery

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/alert"
	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
)

// Policy is the attempt budget and backoff given to every enqueued job.
type Policy struct {
	Attempts int
	Backoff  async.Backoff
}

// DefaultPolicy allows 5 attempts with delays doubling from a minute up to an hour.
func DefaultPolicy() Policy {
	return Policy{Attempts: 5, Backoff: async.Backoff{Base: time.Minute, Max: time.Hour}}
}

// PolicyFrom converts the [retry] config section, keeping defaults for unset values.
func PolicyFrom(c am.RetryConfig) Policy {
	p := DefaultPolicy()
	if c.Attempts > 0 {
		p.Attempts = c.Attempts
	}
	if c.BaseDelay > 0 {
		p.Backoff.Base = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.Backoff.Max = c.MaxDelay
	}
	return p
}

// EnqueueOptions returns the enqueue defaults for the policy.
func (p Policy) EnqueueOptions() async.EnqueueOptions {
	return async.EnqueueOptions{Attempts: p.Attempts, Backoff: p.Backoff}
}

// IsRetryable reports whether a failed run may be tried again. Unrecoverable
// errors, the permanent delivery errors and validation errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, async.ErrUnrecoverable),
		errors.IsPermanent(err),
		errors.IsInvalidRequestError(err),
		errors.IsNotFoundError(err):
		return false
	}
	return true
}

// Cooldowns applies the error cooldown. *ratelimit.Limiter satisfies it.
type Cooldowns interface {
	AddCooldown(ctx context.Context, userID string, kind ratelimit.Kind, d time.Duration) error
}

// ContactFailer marks a contact FAILED. *dispatch.Dispatcher satisfies it.
type ContactFailer interface {
	MarkFailed(ctx context.Context, sequenceID, contactID, reason string) (bool, error)
}

// Hook handles terminal job failures.
type Hook struct {
	notifier  alert.Notifier
	cooldowns Cooldowns
	failer    ContactFailer
	logger    *zap.SugaredLogger
}

var _ async.FailureHook = (*Hook)(nil)

// NewHook creates a Hook. cooldowns and failer may be nil.
func NewHook(n alert.Notifier, cooldowns Cooldowns, failer ContactFailer, log *zap.SugaredLogger) *Hook {
	return &Hook{
		notifier:  n,
		cooldowns: cooldowns,
		failer:    failer,
		logger:    log.Named("recovery"),
	}
}

// owner holds the fields payloads share.
type owner struct {
	UserID     string `json:"user_id"`
	SequenceID string `json:"sequence_id"`
	ContactID  string `json:"contact_id"`
	AdHoc      bool   `json:"ad_hoc"`
}

// OnFinalFailure implements async.FailureHook.
func (h *Hook) OnFinalFailure(ctx context.Context, job *async.Job, err error) {
	var o owner
	if len(job.Payload) > 0 {
		if jerr := json.Unmarshal(job.Payload, &o); jerr != nil {
			h.logger.Warnw("Failed job has an unreadable payload", logger.FieldJobID, job.ID, logger.FieldError, jerr)
		}
	}
	log := h.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldQueue, job.Queue,
		logger.FieldUserID, o.UserID)

	code := async.ClassifyError(err)
	if h.notifier != nil {
		h.notifier.Notify(ctx, alert.Alert{
			Title: "Job failed permanently",
			Err:   err,
			Tags: map[string]string{
				"queue":      job.Queue,
				"error_code": string(code),
				"user_id":    o.UserID,
			},
			Extra: map[string]interface{}{
				"job_id":       job.ID,
				"source":       job.Source,
				"attempts":     strconv.Itoa(job.Attempts) + "/" + strconv.Itoa(job.MaxAttempts),
				"sequence_id":  o.SequenceID,
				"contact_id":   o.ContactID,
				"stalled":      job.StalledCount,
				"retryable":    IsRetryable(err),
				"error_detail": errors.FlattenDetails(err),
			},
		})
	}

	// Only send failures say anything about the account's standing with the provider
	if job.Queue == jobs.QueueEmailSend && o.UserID != "" && h.cooldowns != nil {
		if cerr := h.cooldowns.AddCooldown(ctx, o.UserID, ratelimit.CooldownError, 0); cerr != nil {
			log.Warnw("Failed to apply error cooldown", logger.FieldError, cerr)
		}
	}

	if job.Queue == jobs.QueueEmailSend && !o.AdHoc && o.SequenceID != "" && o.ContactID != "" && h.failer != nil {
		reason := string(code)
		if err != nil {
			reason += ": " + err.Error()
		}
		if _, ferr := h.failer.MarkFailed(ctx, o.SequenceID, o.ContactID, reason); ferr != nil {
			log.Errorw("Failed to mark contact failed",
				logger.FieldSequenceID, o.SequenceID,
				logger.FieldContactID, o.ContactID,
				logger.FieldError, ferr)
		}
	}
}
