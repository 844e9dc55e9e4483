// Package ratelimit gates sends per user, sequence and contact, and holds
// the bounce and error cooldowns that pause a user's sends.
//
// Checks run in a fixed order: error cooldown, bounce cooldown, then the
// counters. When the backing store fails the limiter fails open by default
// and says so in the Decision.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// Reasons reported in a Decision
const (
	ReasonErrorCooldown    = "error_cooldown"
	ReasonBounceCooldown   = "bounce_cooldown"
	ReasonMinuteLimit      = "minute_limit"
	ReasonHourLimit        = "hour_limit"
	ReasonDayLimit         = "day_limit"
	ReasonSequenceLimit    = "sequence_limit"
	ReasonContactLimit     = "contact_limit"
	ReasonStoreUnavailable = "store_unavailable"
)

// CounterTTL is the lifetime of the sequence and contact counters.
const CounterTTL = 24 * time.Hour

const keyPrefix = "cadence:rl:"

// Kind selects a cooldown.
type Kind string

const (
	CooldownError  Kind = "error"
	CooldownBounce Kind = "bounce"
)

// Limits are send ceilings and cooldown durations. A ceiling of 0 disables it.
type Limits struct {
	PerMinute      int
	PerHour        int
	PerDay         int
	PerContact     int
	PerSequence    int
	BounceCooldown time.Duration
	ErrorCooldown  time.Duration
}

// DefaultLimits returns the built-in ceilings.
func DefaultLimits() Limits {
	return Limits{
		PerMinute:      10,
		PerHour:        100,
		PerDay:         500,
		PerContact:     3,
		PerSequence:    200,
		BounceCooldown: time.Hour,
		ErrorCooldown:  15 * time.Minute,
	}
}

// LimitsFromConfig converts the [limits] config section.
func LimitsFromConfig(c am.LimitsConfig) Limits {
	return Limits{
		PerMinute:      c.PerMinute,
		PerHour:        c.PerHour,
		PerDay:         c.PerDay,
		PerContact:     c.PerContact,
		PerSequence:    c.PerSequence,
		BounceCooldown: c.BounceCooldown,
		ErrorCooldown:  c.ErrorCooldown,
	}
}

// Scope identifies what a send counts against. SequenceID and ContactID are optional.
type Scope struct {
	UserID     string
	SequenceID string
	ContactID  string
}

// Decision is the outcome of CheckRateLimit.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // time until the blocking key expires, when known
	FailedOpen bool          `json:"failed_open,omitempty"`
}

// Option overrides limits for one call.
type Option func(*Limits)

// WithLimits replaces the limiter's limits for one call.
func WithLimits(l Limits) Option {
	return func(dst *Limits) { *dst = l }
}

// Limiter applies Limits over a Store.
type Limiter struct {
	store    Store
	failOpen bool
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	limits Limits
}

// NewLimiter creates a limiter. With failOpen, store errors allow the send.
func NewLimiter(store Store, limits Limits, failOpen bool, log *zap.SugaredLogger) *Limiter {
	return &Limiter{
		store:    store,
		limits:   limits,
		failOpen: failOpen,
		logger:   log.Named("ratelimit"),
	}
}

// Limits returns the current limits.
func (l *Limiter) Limits() Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits
}

// SetLimits replaces the limits, e.g. after a config reload.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
	l.logger.Infow("Rate limits updated",
		"per_minute", limits.PerMinute,
		"per_hour", limits.PerHour,
		"per_day", limits.PerDay,
		"per_contact", limits.PerContact,
		"per_sequence", limits.PerSequence)
}

func (l *Limiter) resolve(opts []Option) Limits {
	limits := l.Limits()
	for _, o := range opts {
		o(&limits)
	}
	return limits
}

// counter is one windowed count a send is charged against.
type counter struct {
	key    string
	limit  int
	ttl    time.Duration
	reason string
}

func cooldownKey(userID string, kind Kind) string {
	return keyPrefix + "cooldown:" + string(kind) + ":" + userID
}

func counters(s Scope, limits Limits) []counter {
	user := keyPrefix + "user:" + s.UserID
	cs := []counter{
		{user + ":minute", limits.PerMinute, time.Minute, ReasonMinuteLimit},
		{user + ":hour", limits.PerHour, time.Hour, ReasonHourLimit},
		{user + ":day", limits.PerDay, 24 * time.Hour, ReasonDayLimit},
	}
	if s.SequenceID != "" {
		seq := keyPrefix + "sequence:" + s.SequenceID
		cs = append(cs, counter{seq + ":sent", limits.PerSequence, CounterTTL, ReasonSequenceLimit})
		if s.ContactID != "" {
			cs = append(cs, counter{seq + ":contact:" + s.ContactID, limits.PerContact, CounterTTL, ReasonContactLimit})
		}
	}
	return cs
}

// CheckRateLimit decides whether a send for scope may proceed now.
// It does not count the send; call IncrementCounters once the send is issued.
func (l *Limiter) CheckRateLimit(ctx context.Context, s Scope, opts ...Option) Decision {
	limits := l.resolve(opts)
	log := l.logger.With(logger.FieldUserID, s.UserID)

	for _, kind := range []Kind{CooldownError, CooldownBounce} {
		key := cooldownKey(s.UserID, kind)
		_, active, err := l.store.Get(ctx, key)
		if err != nil {
			return l.storeFailure(log, err)
		}
		if active {
			return Decision{Reason: string(kind) + "_cooldown", RetryAfter: l.ttl(ctx, key)}
		}
	}

	for _, c := range counters(s, limits) {
		if c.limit <= 0 {
			continue
		}
		v, ok, err := l.store.Get(ctx, c.key)
		if err != nil {
			return l.storeFailure(log, err)
		}
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return l.storeFailure(log, errors.Wrapf(err, "counter %s", c.key))
		}
		if n >= int64(c.limit) {
			log.Debugw("Send refused", logger.FieldReason, c.reason, logger.FieldCount, n, "limit", c.limit)
			return Decision{Reason: c.reason, RetryAfter: l.ttl(ctx, c.key)}
		}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) storeFailure(log *zap.SugaredLogger, err error) Decision {
	if l.failOpen {
		log.Warnw("Rate limit store unavailable, allowing send", logger.FieldReason, ReasonStoreUnavailable, "error", err)
		return Decision{Allowed: true, Reason: ReasonStoreUnavailable, FailedOpen: true}
	}
	log.Warnw("Rate limit store unavailable, refusing send", logger.FieldReason, ReasonStoreUnavailable, "error", err)
	return Decision{Reason: ReasonStoreUnavailable}
}

// ttl is best effort; a failure reports no retry hint.
func (l *Limiter) ttl(ctx context.Context, key string) time.Duration {
	d, err := l.store.TTL(ctx, key)
	if err != nil {
		return 0
	}
	return d
}

// IncrementCounters charges one issued send to every counter in scope.
// Each counter starts its window on its first increment.
func (l *Limiter) IncrementCounters(ctx context.Context, s Scope) error {
	var errs error
	for _, c := range counters(s, l.Limits()) {
		if _, err := l.store.IncrWithTTL(ctx, c.key, c.ttl); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if errs != nil {
		l.logger.Warnw("Failed to increment rate counters", logger.FieldUserID, s.UserID, "error", errs)
	}
	return errs
}

// AddCooldown pauses the user's sends for d, or the kind's default when d is 0.
// A later call replaces the earlier one.
func (l *Limiter) AddCooldown(ctx context.Context, userID string, kind Kind, d time.Duration) error {
	if d <= 0 {
		limits := l.Limits()
		switch kind {
		case CooldownBounce:
			d = limits.BounceCooldown
		case CooldownError:
			d = limits.ErrorCooldown
		default:
			return errors.NewInvalidRequestError("unknown cooldown kind %q", kind)
		}
	}
	if d <= 0 {
		return nil
	}
	if err := l.store.SetTTL(ctx, cooldownKey(userID, kind), "1", d); err != nil {
		return errors.Wrapf(err, "failed to set %s cooldown", kind)
	}
	l.logger.Infow("Cooldown applied", logger.FieldUserID, userID, "kind", kind, "duration", d)
	return nil
}

// ClearCooldown lifts a cooldown early.
func (l *Limiter) ClearCooldown(ctx context.Context, userID string, kind Kind) error {
	return l.store.Del(ctx, cooldownKey(userID, kind))
}

// Usage is a snapshot of a scope's counters and cooldowns.
type Usage struct {
	Minute         int64         `json:"minute"`
	Hour           int64         `json:"hour"`
	Day            int64         `json:"day"`
	Sequence       int64         `json:"sequence,omitempty"`
	Contact        int64         `json:"contact,omitempty"`
	ErrorCooldown  time.Duration `json:"error_cooldown,omitempty"`
	BounceCooldown time.Duration `json:"bounce_cooldown,omitempty"`
	Limits         Limits        `json:"limits"`
}

// Usage reads the counters for scope.
func (l *Limiter) Usage(ctx context.Context, s Scope) (Usage, error) {
	limits := l.Limits()
	u := Usage{Limits: limits}
	targets := map[string]*int64{
		ReasonMinuteLimit:   &u.Minute,
		ReasonHourLimit:     &u.Hour,
		ReasonDayLimit:      &u.Day,
		ReasonSequenceLimit: &u.Sequence,
		ReasonContactLimit:  &u.Contact,
	}
	for _, c := range counters(s, limits) {
		v, ok, err := l.store.Get(ctx, c.key)
		if err != nil {
			return u, err
		}
		if ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			*targets[c.reason] = n
		}
	}

	var err error
	if u.ErrorCooldown, err = l.store.TTL(ctx, cooldownKey(s.UserID, CooldownError)); err != nil {
		return u, err
	}
	if u.BounceCooldown, err = l.store.TTL(ctx, cooldownKey(s.UserID, CooldownBounce)); err != nil {
		return u, err
	}
	return u, nil
}
