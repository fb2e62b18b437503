package transport

import (
	"errors"
	"fmt"
	"time"
)

// RateLimited wraps err with an explicit retry delay.
//
// This is used when the downstream channel returns a retry-after value
// (e.g. Telegram flood control). Senders must suspend for the delay
// before attempting anything further.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return rateLimitedError{err: err, after: after}
}

// RateLimitedError is implemented by errors that carry an explicit
// retry delay.
type RateLimitedError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter extracts the mandatory wait from err. ok is false when err
// does not carry one (permanent failure).
func RetryAfter(err error) (after time.Duration, ok bool) {
	var rl RateLimitedError
	if err != nil && errors.As(err, &rl) {
		return rl.RetryAfter(), true
	}
	return 0, false
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string {
	return fmt.Sprintf("rate-limited(%s): %v", e.after, e.err)
}

func (e rateLimitedError) Unwrap() error { return e.err }

func (e rateLimitedError) RetryAfter() time.Duration { return e.after }
