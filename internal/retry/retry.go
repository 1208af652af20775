// Package retry is the single bounded-wait primitive used across launchpad:
// fixed interval, optional overall timeout, optional attempt cap.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned by Do when every attempt failed or the timeout elapsed.
var ErrExhausted = errors.New("retry budget exhausted")

var errPending = errors.New("condition not met")

// Policy bounds a retried operation. A zero Timeout means no overall deadline
// and a zero Attempts means no attempt cap; when both are zero the operation
// runs exactly once.
type Policy struct {
	Interval time.Duration
	Timeout  time.Duration
	Attempts int
}

func (p Policy) normalize() Policy {
	if p.Interval <= 0 {
		p.Interval = 100 * time.Millisecond
	}
	if p.Attempts <= 0 && p.Timeout <= 0 {
		p.Attempts = 1
	}
	return p
}

// Permanent wraps err so Do stops immediately and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, or the policy is
// exhausted. The context passed to op carries the policy deadline.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	p = p.normalize()
	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.Attempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	}
	b = backoff.WithContext(b, runCtx)

	var (
		last     error
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		last = op(runCtx)
		return last
	}, b)
	if err == nil {
		return nil
	}
	var permanent *backoff.PermanentError
	if errors.As(last, &permanent) {
		return permanent.Err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if last == nil {
		last = err
	}
	return fmt.Errorf("%w after %d attempt(s): %v", ErrExhausted, attempts, last)
}

// Poll evaluates cond until it reports true. It returns false without an
// error when the policy runs out, so callers can treat a timeout as a verdict.
func Poll(ctx context.Context, p Policy, cond func(context.Context) (bool, error)) (bool, error) {
	err := Do(ctx, p, func(ctx context.Context) error {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errPending
		}
		return nil
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrExhausted) {
		return false, nil
	}
	return false, err
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
