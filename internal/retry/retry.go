// Package retry is the bounded retry-with-backoff used for recipient sends
// and transport reconnects.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes a bounded retry loop.
//
// The delay for step k (1-indexed) is Base * 2^(k-1), capped at MaxDelay
// when MaxDelay > 0. Without WaitFirst the delay after failed attempt k is
// Delay(k); with WaitFirst attempt k is preceded by Delay(k), including the
// first one.
type Policy struct {
	MaxAttempts    int
	Base           time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	WaitFirst      bool
}

// Delay returns the backoff for step k (k >= 1).
func (p Policy) Delay(k int) time.Duration {
	if k < 1 || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < k; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// WaitFunc is notified before each backoff sleep.
type WaitFunc func(attempt int, delay time.Duration, lastErr error)

type doCfg struct {
	onWait WaitFunc
}

type Option func(*doCfg)

// OnWait registers a hook called before sleeping ahead of attempt n.
func OnWait(fn WaitFunc) Option { return func(c *doCfg) { c.onWait = fn } }

// Do runs fn until it succeeds, returns a NoRetry error, the parent context
// ends, or MaxAttempts is reached. It returns the number of attempts made and
// the last error. Each attempt receives a context bounded by AttemptTimeout.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	var cfg doCfg
	for _, o := range opts {
		o(&cfg)
	}
	maxAttempts := max(p.MaxAttempts, 1)

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		wait := time.Duration(0)
		switch {
		case p.WaitFirst:
			wait = p.Delay(attempt)
		case attempt > 1:
			wait = p.Delay(attempt - 1)
		}
		var ra RetryAfterError
		if last != nil && errors.As(last, &ra) {
			wait = ra.RetryAfter()
			if p.MaxDelay > 0 && wait > p.MaxDelay {
				wait = p.MaxDelay
			}
		}
		if wait > 0 {
			if cfg.onWait != nil {
				cfg.onWait(attempt, wait, last)
			}
			if err := sleep(ctx, wait); err != nil {
				return attempt - 1, errors.Join(err, last)
			}
		} else if err := ctx.Err(); err != nil {
			return attempt - 1, errors.Join(err, last)
		}

		err := runAttempt(ctx, p.AttemptTimeout, attempt, fn)
		if err == nil {
			return attempt, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		last = err
	}
	return maxAttempts, last
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(ctx context.Context, attempt int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(actx, attempt)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrAttemptTimeout) {
		return fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, timeout, err)
	}
	return err
}

// Bounded runs fn and returns as soon as either fn finishes or ctx is done.
// On ctx expiry fn keeps running in the background and its result is
// discarded.
func Bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrAttemptTimeout
		}
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
