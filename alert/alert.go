// Package alert reports jobs that failed for good.
package alert

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// Alert is one final failure.
type Alert struct {
	Title string
	Err   error
	Tags  map[string]string
	Extra map[string]interface{}
}

// Notifier delivers alerts. Notify must not block for long.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: log.Named("alert")}
}

// Notify logs a at error level with its tags and extras as fields.
func (n *LogNotifier) Notify(_ context.Context, a Alert) {
	fields := make([]interface{}, 0, 2*(len(a.Tags)+len(a.Extra))+2)
	fields = append(fields, logger.FieldError, a.Err)
	for k, v := range a.Tags {
		fields = append(fields, k, v)
	}
	for k, v := range a.Extra {
		fields = append(fields, k, v)
	}
	n.logger.Errorw(a.Title, fields...)
}

// SentryNotifier captures alerts as Sentry exceptions and logs them.
type SentryNotifier struct {
	hub *sentry.Hub
	log *LogNotifier
}

// NewSentryNotifier creates a notifier reporting to dsn. beforeSend may be
// nil; tests use it to observe events.
func NewSentryNotifier(dsn, environment string, beforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event, log *zap.SugaredLogger) (*SentryNotifier, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		BeforeSend:  beforeSend,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Sentry client")
	}
	return &SentryNotifier{
		hub: sentry.NewHub(client, sentry.NewScope()),
		log: NewLogNotifier(log),
	}, nil
}

// Notify captures a with its tags and extras on a fresh scope.
func (n *SentryNotifier) Notify(ctx context.Context, a Alert) {
	n.log.Notify(ctx, a)

	err := a.Err
	if err == nil {
		err = errors.New(a.Title)
	}
	n.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("alert", a.Title)
		for k, v := range a.Tags {
			scope.SetTag(k, v)
		}
		for k, v := range a.Extra {
			scope.SetExtra(k, v)
		}
		n.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be delivered.
func (n *SentryNotifier) Flush(timeout time.Duration) bool {
	return n.hub.Flush(timeout)
}

// FromConfig returns a SentryNotifier when a DSN is configured and a
// LogNotifier otherwise.
func FromConfig(cfg am.AlertsConfig, log *zap.SugaredLogger) (Notifier, error) {
	if cfg.SentryDSN == "" {
		return NewLogNotifier(log), nil
	}
	return NewSentryNotifier(cfg.SentryDSN, cfg.Environment, nil, log)
}
