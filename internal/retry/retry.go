// Package retry wraps store and transport calls in bounded retry loops.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"market-chat/internal/errs"
)

// Config bounds a single store call and its automatic retry.
type Config struct {
	MaxRetries uint64        // retries after the first attempt
	Delay      time.Duration // pause before each retry
	Timeout    time.Duration // per-attempt deadline, zero disables it
}

// Once is the session policy: one automatic retry, then surface the error.
func Once(delay, timeout time.Duration) Config {
	return Config{MaxRetries: 1, Delay: delay, Timeout: timeout}
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// retry budget is spent. Each attempt gets its own deadline; a deadline hit is
// classified as transient.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	attempt := func() error {
		actx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		err := op(actx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if actx.Err() != nil && !errs.IsTransient(err) {
			err = errs.Transient("timeout", err)
		}
		if !errs.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Delay), cfg.MaxRetries),
		ctx,
	)
	return backoff.Retry(attempt, policy)
}

// Exponential returns the backoff used for reconnect and resubscribe loops.
func Exponential(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
