// Package retry holds the retry policy for remote operations and the
// breaker that throttles tunnel recreation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PermanentError marks a failure that another attempt cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that [Policy.Do] returns it without another
// attempt.  Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with [Permanent].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy retries an operation a bounded number of times with a fixed
// pause between attempts.
type Policy struct {
	Delay    time.Duration
	Attempts int
}

// Fixed returns a policy that tries at most attempts times, waiting
// delay between tries.  Fewer than one attempt means one.
func Fixed(delay time.Duration, attempts int) Policy {
	if attempts < 1 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	return Policy{Delay: delay, Attempts: attempts}
}

// Do calls fn until it returns nil, returns a [Permanent] error, or
// the attempts run out.  attempt is 1-based.  A permanent error comes
// back unwrapped; running out returns the last error, annotated.  A
// done ctx ends the pause and the loop.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			if attempts == 1 {
				return err
			}
			return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}
		if !Sleep(ctx, p.Delay) {
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.  It
// reports whether the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
