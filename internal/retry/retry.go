// Package retry wraps github.com/cenkalti/backoff/v4 to implement the
// retry contract: exponential backoff with jitter, a
// retryability classifier, and immediate propagation of non-retryable
// errors.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options configures a single retry call.
type Options struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       float64 // in [0, 1]
	IsRetryable  func(error) bool
}

// Op is the operation retried. Its error is inspected by IsRetryable to
// decide whether to retry.
type Op func(ctx context.Context) error

// Do runs op, retrying on retryable failures per opts until MaxRetries is
// exhausted, ctx is cancelled, or op succeeds. The last error is returned
// on exhaustion. A non-retryable error stops the loop at once and is
// returned wrapped in a *backoff.PermanentError, so IsPermanent reports true
// and errors.Is still matches the original error.
func Do(ctx context.Context, op Op, opts Options) error {
	isRetryable := opts.IsRetryable
	if isRetryable == nil {
		isRetryable = func(error) bool { return true }
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.BaseDelay,
		RandomizationFactor: clampJitter(opts.Jitter),
		Multiplier:          2,
		MaxInterval:         opts.MaxDelay,
		MaxElapsedTime:      0, // bounded by attempt count below, not elapsed time
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	withCtx := backoff.WithContext(withMaxRetries(b, opts.MaxRetries), ctx)

	var permanent error
	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			permanent = backoff.Permanent(err)
			return permanent
		}
		return err
	}, withCtx)
	// backoff.Retry unwraps a PermanentError before returning it; hand the
	// wrapper back so callers can still tell the failure was non-retryable.
	if permanent != nil {
		return permanent
	}
	return err
}

func withMaxRetries(b backoff.BackOff, maxRetries int) backoff.BackOff {
	if maxRetries <= 0 {
		return b
	}
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}

func clampJitter(j float64) float64 {
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}

// IsPermanent reports whether err (or something it wraps) was classified
// non-retryable by an IsRetryable predicate during a Do call.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
