package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("Expected permanent error passed through, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected exactly 1 attempt for a permanent error, got %d", attempts)
	}
}

func TestRetryExhaustsRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		attempts++
		return Retryable(errors.New("still broken"))
	})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if attempts != 4 {
		t.Errorf("Expected 4 attempts (initial plus 3 retries), got %d", attempts)
	}
}

func TestRetryAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastConfig(), func(ctx context.Context) error {
		return Retryable(errors.New("transient"))
	})
	if !errors.Is(err, ErrRetryAborted) {
		t.Errorf("Expected ErrRetryAborted after cancellation, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil must not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors must not be retryable")
	}
	if !IsRetryable(Retryable(errors.New("transient"))) {
		t.Error("marked errors must be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled must not be retryable")
	}
	if IsRetryable(Retryable(context.DeadlineExceeded)) {
		t.Error("deadline exceeded must not be retryable even when wrapped")
	}

	// The mark survives additional wrapping.
	wrapped := Retryable(errors.New("inner"))
	if !IsRetryable(errors.Join(wrapped, errors.New("other"))) {
		t.Error("mark must survive wrapping")
	}
}

func TestRetryableNil(t *testing.T) {
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) must be nil")
	}
}

func TestExponentialBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	if got := ExponentialBackoff(0, initial, 2.0, max); got != initial {
		t.Errorf("Expected %v at attempt 0, got %v", initial, got)
	}
	if got := ExponentialBackoff(1, initial, 2.0, max); got != 200*time.Millisecond {
		t.Errorf("Expected 200ms at attempt 1, got %v", got)
	}
	if got := ExponentialBackoff(10, initial, 2.0, max); got != max {
		t.Errorf("Expected cap at %v, got %v", max, got)
	}
}

func TestAddJitterBounds(t *testing.T) {
	d := time.Second
	for i := 0; i < 100; i++ {
		j := AddJitter(d)
		if j < 900*time.Millisecond || j > 1100*time.Millisecond {
			t.Fatalf("Jitter out of bounds: %v", j)
		}
	}
}
