package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxRetries        int           // Retries after the first attempt; total attempts = MaxRetries+1
	InitialBackoff    time.Duration // Wait after the first failed attempt
	MaxBackoff        time.Duration // Maximum backoff duration, 0 = uncapped
	BackoffMultiplier float64       // Multiplier for exponential backoff
	Jitter            bool          // Whether to add up to 25% jitter to backoff

	// Wait pauses between attempts. Nil uses a timer that honours ctx.
	Wait func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait with the failed attempt index.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        0,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryableError checks if an error is retryable
type IsRetryableError func(error) bool

// Retry executes fn until it succeeds, returns a non-retryable error,
// exhausts MaxRetries+1 attempts, or ctx is done. Waits never block
// the calling goroutine past ctx cancellation.
func Retry(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable IsRetryableError) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	wait := config.Wait
	if wait == nil {
		wait = Sleep
	}
	multiplier := config.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == config.MaxRetries {
			break
		}

		delay := CalculateBackoff(attempt, config.InitialBackoff, config.MaxBackoff, multiplier)
		if config.Jitter {
			delay += time.Duration(rand.Int64N(int64(delay)/4 + 1))
			if config.MaxBackoff > 0 && delay > config.MaxBackoff {
				delay = config.MaxBackoff
			}
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		if waitErr := wait(ctx, delay); waitErr != nil {
			return lastErr
		}
	}

	return lastErr
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CalculateBackoff calculates the backoff duration for a given attempt:
// initialBackoff * multiplier^attempt, capped at maxBackoff when positive.
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(attempt)))
	if maxBackoff > 0 && backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}
