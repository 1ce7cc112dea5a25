package reliability

import (
	"errors"
	"time"

	"github.com/ent0n29/memsync/internal/apperr"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a failed sync call may succeed if repeated.
// Server responses are judged by status; failures without a response are
// retryable when they are transport or gateway errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *apperr.Error
	if !errors.As(err, &e) {
		return true
	}
	if e.Status != 0 {
		return IsRetryableHTTPStatus(e.Status)
	}
	switch e.Kind {
	case apperr.KindNetwork, apperr.KindGateway:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
