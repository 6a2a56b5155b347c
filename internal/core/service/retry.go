package service

import (
	"errors"
	"time"
)

const DefaultMaxRetries = 3

// RetryPolicy bounds webhook handler retries. A handler is attempted at most
// MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
	// Inline retries inside the webhook request with blocking sleeps instead
	// of leaving them to the retry worker. It holds the request for the sum
	// of the backoff schedule and only suits short schedules.
	Inline bool
	// Lease is how long a claimed record may stay in processing before
	// another worker treats the attempt as crashed.
	Lease time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Backoff:    []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		Lease:      time.Minute,
	}
}

// Delay returns the wait after the given number of failed attempts. The last
// entry of the schedule repeats.
func (p RetryPolicy) Delay(failedAttempts int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := failedAttempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts > p.MaxRetries
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
