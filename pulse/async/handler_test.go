package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
)

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	r.Register(HandlerFunc{Queue: "email-send", Fn: func(ctx context.Context, job *Job) error { return nil }})

	assert.True(t, r.Has("email-send"))
	assert.False(t, r.Has("thread-check"))
	assert.Nil(t, r.Get("thread-check"))
	assert.Equal(t, []string{"email-send"}, r.Names())

	assert.Panics(t, func() {
		r.Register(HandlerFunc{Queue: "email-send"})
	})
}

func TestRegistryExecutorRoutesByQueue(t *testing.T) {
	r := NewHandlerRegistry()
	var ran string
	r.Register(HandlerFunc{Queue: "thread-check", Fn: func(ctx context.Context, job *Job) error {
		ran = job.ID
		return nil
	}})
	exec := NewRegistryExecutor(r)

	require.NoError(t, exec.Execute(context.Background(), &Job{ID: "j1", Queue: "thread-check"}))
	assert.Equal(t, "j1", ran)

	err := exec.Execute(context.Background(), &Job{ID: "j2", Queue: "unknown"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnrecoverable), "unknown queues are never retried")
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", errors.New("connection refused"), true},
		{"unrecoverable", Unrecoverable(errors.New("bad payload")), false},
		{"invalid recipient", errors.Wrap(errors.ErrInvalidRecipient, "send"), false},
		{"revoked credentials", errors.Mark(errors.New("invalid_grant"), errors.ErrInvalidCredentials), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultRetryable(tt.err))
		})
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ErrorCodeProviderError, ClassifyError(errors.ErrInvalidThread))
	assert.Equal(t, ErrorCodeTimeout, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, ErrorCodeValidationError, ClassifyError(errors.NewNotFoundError("step %d", 2)))
	assert.Equal(t, ErrorCodeNetworkError, ClassifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, ErrorCodeDatabaseError, ClassifyError(errors.New("sql: no rows")))
	assert.Equal(t, ErrorCodeUnknown, ClassifyError(errors.New("boom")))
}
