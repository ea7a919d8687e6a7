// Package retry retries transient failures with exponential backoff.
//
// It is used for dependencies that may come up after the service does:
// PostgreSQL and Redis are pinged through Do at startup.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes how often and how patiently to retry.
type Backoff struct {
	Attempts int
	Base     time.Duration
	// Max caps a single sleep. Zero means uncapped.
	Max time.Duration
}

// Startup is the backoff used while waiting for storage at boot.
var Startup = Backoff{Attempts: 6, Base: 250 * time.Millisecond, Max: 5 * time.Second}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// delay returns the sleep before retry n (0-based) with +-25% jitter.
func (b Backoff) delay(n int) time.Duration {
	d := b.Base << n
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	jitter := int64(d / 4)
	if jitter <= 0 {
		return d
	}
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// run out, or ctx ends. The last error is returned.
func Do(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for n := 0; n < attempts; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if n == attempts-1 {
			break
		}

		timer := time.NewTimer(b.delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
