package alert

import (
	"context"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
)

func testAlert() Alert {
	return Alert{
		Title: "Job failed permanently",
		Err:   errors.Mark(errors.New("invalid To header"), errors.ErrInvalidRecipient),
		Tags:  map[string]string{"queue": "email-send"},
		Extra: map[string]interface{}{"attempts": 1},
	}
}

func TestLogNotifierWritesFields(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	n := NewLogNotifier(zap.New(core).Sugar())

	n.Notify(context.Background(), testAlert())

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Job failed permanently", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "email-send", fields["queue"])
	assert.EqualValues(t, 1, fields["attempts"])
}

func TestSentryNotifierCapturesException(t *testing.T) {
	var mu sync.Mutex
	var events []*sentry.Event
	capture := func(ev *sentry.Event, _ *sentry.EventHint) *sentry.Event {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	}

	n, err := NewSentryNotifier("", "test", capture, zap.NewNop().Sugar())
	require.NoError(t, err)

	n.Notify(context.Background(), testAlert())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "test", ev.Environment)
	assert.Equal(t, "email-send", ev.Tags["queue"])
	assert.Equal(t, "Job failed permanently", ev.Tags["alert"])
	assert.Equal(t, 1, ev.Extra["attempts"])
	require.NotEmpty(t, ev.Exception)
	assert.Contains(t, ev.Exception[len(ev.Exception)-1].Value, "invalid To header")
}

func TestFromConfig(t *testing.T) {
	n, err := FromConfig(am.AlertsConfig{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.IsType(t, &LogNotifier{}, n)

	_, err = FromConfig(am.AlertsConfig{SentryDSN: "not a dsn"}, zap.NewNop().Sugar())
	assert.Error(t, err)
}
