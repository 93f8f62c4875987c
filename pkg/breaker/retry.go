package breaker

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/maestro-hive/kernel/internal/apperror"
)

// RetryPolicy configures the node-level retry loop (spec §4.6 step 4,
// §4.6 Backoff: "exponential with jitter; bounded by max_retries;
// configurable per persona").
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) backoff() (retry.Backoff, error) {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	b, err := retry.NewExponential(base)
	if err != nil {
		return nil, err
	}
	b = retry.WithMaxDuration(maxDelay, b)
	b = retry.WithJitter(base/2, b)
	return retry.WithMaxRetries(uint64(p.MaxRetries), b), nil
}

// Do runs fn, retrying with exponential backoff and jitter while the error
// it returns is recoverable (spec §4.6: "if < max_retries+1 and error is
// recoverable, back to ready after backoff; else failed"). It returns the
// final error (nil on eventual success) and the number of attempts made.
func Do(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) (err error, attempts int) {
	b, berr := policy.backoff()
	if berr != nil {
		return apperror.Wrap(berr, apperror.TypeInternalConsistency, "construct retry backoff"), 0
	}
	attempt := 0
	retryErr := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !apperror.IsRecoverable(err) {
			return err // non-retryable: retry.Do stops immediately
		}
		return retry.RetryableError(err)
	})
	return retryErr, attempt
}
