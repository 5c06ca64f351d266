package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSaturated means all permits are taken; the caller should back off
	// and resubmit. Not surfaced to subscribers.
	ErrSaturated = errors.New("dispatch: saturated")
	// ErrCircuitOpen means the destination has been failing consecutively
	// and is cooling down.
	ErrCircuitOpen = errors.New("dispatch: circuit open")
)

// Permanent marks a send failure as non-retryable (e.g. invalid destination).
// The queue surfaces it immediately instead of burning retry attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying, e.g. when the
// downstream returns a Retry-After value. The queue respects the hint
// (bounded by RetryMaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
