package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrNotFound, "sequence seq-1")
	err = WithDetail(err, "Sequence ID: seq-1")
	err = Wrap(err, "load sequence")

	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "load sequence")
	assert.Contains(t, err.Error(), "not found")
	assert.Contains(t, GetAllDetails(err), "Sequence ID: seq-1")
}

func TestMarkedProviderErrorIsPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"nil", nil, false},
		{"plain", New("connection reset"), false},
		{"invalid recipient", Mark(New("550 no such user"), ErrInvalidRecipient), true},
		{"credentials wrapped twice", Wrap(Wrap(Mark(New("invalid_grant"), ErrInvalidCredentials), "refresh"), "send"), true},
		{"rate limit", Mark(New("429"), ErrRateLimitExceeded), true},
		{"thread", Wrapf(ErrInvalidThread, "thread %s", "t-1"), true},
		{"conflict is not permanent", Wrap(ErrConflict, "claim lost"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestMarkKeepsOriginalMessage(t *testing.T) {
	err := Mark(New("googleapi: Error 400: Invalid To header"), ErrInvalidRecipient)

	assert.Equal(t, "googleapi: Error 400: Invalid To header", err.Error())
	assert.True(t, Is(err, ErrInvalidRecipient))
	assert.False(t, Is(err, ErrInvalidCredentials))
}

func TestConstructors(t *testing.T) {
	nf := NewNotFoundError("job %s", "j-1")
	require.True(t, IsNotFoundError(nf))
	assert.Contains(t, nf.Error(), "job j-1")

	inv := NewInvalidRequestError("queue %q unknown", "x")
	require.True(t, IsInvalidRequestError(inv))
	assert.False(t, IsNotFoundError(inv))

	assert.True(t, IsConflictError(Wrap(ErrConflict, "lost")))
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFoundError(nil))
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func ExampleWrap() {
	err := Wrap(ErrInvalidThread, "check thread")
	fmt.Println(err)
	// Output: check thread: invalid thread
}
