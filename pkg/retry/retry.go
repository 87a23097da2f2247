package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  int           // retries after the first call
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration
	Multiplier   float64 // exponential backoff multiplier (typically 2.0)
	Jitter       bool    // +/-25% random variation
	// NonRetryable errors stop the loop immediately (matched with errors.Is).
	NonRetryable []error
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, runs out of attempts or ctx is done.
func Retry(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isNonRetryable(err, cfg.NonRetryable) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(Delay(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Delay is the wait before retry number attempt+1.
func Delay(cfg Config, attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	d := time.Duration(delay)
	if cfg.Jitter && d > 0 {
		spread := int64(d / 2)
		if spread > 0 {
			d = d - d/4 + time.Duration(rand.Int63n(spread))
		}
	}
	return d
}

func isNonRetryable(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
