package gmail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/teranos/cadence/errors"
)

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *googleapi.Error
		want error // nil means retryable
	}{
		{"unauthorized", &googleapi.Error{Code: 401, Message: "Invalid Credentials"}, errors.ErrInvalidCredentials},
		{"forbidden", &googleapi.Error{Code: 403, Message: "Insufficient Permission"}, errors.ErrInvalidCredentials},
		{"forbidden quota", &googleapi.Error{
			Code:    403,
			Message: "User-rate limit exceeded",
			Errors:  []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
		}, errors.ErrRateLimitExceeded},
		{"too many requests", &googleapi.Error{Code: 429}, errors.ErrRateLimitExceeded},
		{"not found", &googleapi.Error{Code: 404, Message: "Requested entity was not found."}, errors.ErrInvalidThread},
		{"bad recipient", &googleapi.Error{Code: 400, Message: "Invalid To header"}, errors.ErrInvalidRecipient},
		{"bad thread", &googleapi.Error{Code: 400, Message: "Invalid thread_id value"}, errors.ErrInvalidThread},
		{"bad request", &googleapi.Error{Code: 400, Message: "Invalid value for ByteString"}, errors.ErrInvalidRequest},
		{"server error", &googleapi.Error{Code: 503, Message: "Backend Error"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := apiError(tt.err, "send")
			assert.Contains(t, err.Error(), "gmail send")
			if tt.want == nil {
				assert.False(t, errors.IsPermanent(err))
				assert.False(t, errors.IsInvalidRequestError(err))
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAPIErrorPassesThroughPermanent(t *testing.T) {
	cause := errors.Mark(errors.New("token revoked"), errors.ErrInvalidCredentials)
	err := apiError(cause, "get thread")
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
	assert.Nil(t, apiError(nil, "send"))
}
