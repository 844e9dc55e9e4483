package gmail

import (
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/teranos/cadence/errors"
)

// apiError maps a Gmail API failure onto the delivery sentinels. Anything
// unmapped stays retryable.
func apiError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.IsPermanent(err) {
		return errors.Wrapf(err, "gmail %s", op)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return errors.Wrapf(err, "gmail %s", op)
	}

	var mark error
	msg := strings.ToLower(gerr.Message)
	switch gerr.Code {
	case http.StatusUnauthorized:
		mark = errors.ErrInvalidCredentials
	case http.StatusForbidden:
		mark = errors.ErrInvalidCredentials
		if hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded", "quotaExceeded") {
			mark = errors.ErrRateLimitExceeded
		}
	case http.StatusTooManyRequests:
		mark = errors.ErrRateLimitExceeded
	case http.StatusNotFound:
		mark = errors.ErrInvalidThread
	case http.StatusBadRequest:
		switch {
		case strings.Contains(msg, "recipient") || strings.Contains(msg, "to header") || strings.Contains(msg, "invalid to"):
			mark = errors.ErrInvalidRecipient
		case strings.Contains(msg, "thread"):
			mark = errors.ErrInvalidThread
		default:
			mark = errors.ErrInvalidRequest
		}
	}

	if mark == nil {
		return errors.Wrapf(err, "gmail %s", op)
	}
	return errors.Wrapf(errors.Mark(err, mark), "gmail %s", op)
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
