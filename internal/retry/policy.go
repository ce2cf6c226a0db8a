package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes a bounded retry schedule.
//
// Delay(n) is the wait after failed attempt n (1-based) before attempt n+1.
// Two policies never share a budget; each caller owns its own attempt counter.
type Policy struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

// Exponential doubles the wait after each failed attempt: initial, 2*initial, 4*initial, ...
func Exponential(initial time.Duration, maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay: func(attempt int) time.Duration {
			if attempt < 1 {
				attempt = 1
			}
			return initial << (attempt - 1)
		},
	}
}

// Linear waits attempt*step after each failed attempt.
func Linear(step time.Duration, maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay: func(attempt int) time.Duration {
			return time.Duration(attempt) * step
		},
	}
}

// Next returns the wait before the attempt following failed attempt n.
// ok is false once the budget is spent.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	if p.Delay == nil {
		return 0, true
	}
	return p.Delay(attempt), true
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, ctx ends, or the
// policy is exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, sleep SleepFunc, fn func(ctx context.Context, attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		d, ok := p.Next(attempt)
		if !ok {
			return err
		}
		if serr := sleep(ctx, d); serr != nil {
			return errors.Join(err, serr)
		}
	}
}
