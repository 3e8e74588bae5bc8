package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRetryAborted       = errors.New("retry aborted")
)

// retryable marks an error as safe to retry.
type retryable struct {
	err error
}

func (r *retryable) Error() string { return r.err.Error() }
func (r *retryable) Unwrap() error { return r.err }

// Retryable wraps err so IsRetryable reports true for it. Consumers return
// Retryable errors from Accept to request re-delivery.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryable{err: err}
}

// IsRetryable reports whether err was marked retryable. Context errors are
// never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r *retryable
	return errors.As(err, &r)
}

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

// Retry executes fn, retrying with exponential backoff while it returns
// retryable errors. The first non-retryable error is returned as-is.
func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) error {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.Multiplier == 0 {
		config.Multiplier = 2.0
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
		}

		if attempt > 0 {
			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}

		wait := backoff
		if config.Jitter {
			wait = AddJitter(wait)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrRetryAborted, ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// ExponentialBackoff calculates the backoff delay for the given attempt,
// capped at max.
func ExponentialBackoff(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt)))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	return backoff
}

// AddJitter spreads d by up to 10% either way so schedules across many
// sources do not synchronize against the same remote host.
func AddJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	jitter := float64(d) * 0.2
	return time.Duration(float64(d) + (rand.Float64()-0.5)*jitter)
}
