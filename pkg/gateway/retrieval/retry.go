package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for retrieval calls.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []string
}

// DefaultRetryConfig keeps total retry time well under the orchestrator's
// tool timeout so a flaky index degrades a turn instead of stalling it.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 1.5,
		RetryableErrors: []string{
			"timeout",
			"connection refused",
			"connection reset",
			"temporary failure",
			"429",
			"500",
			"502",
			"503",
			"504",
		},
	}
}

// WithRetry executes fn with exponential backoff, honoring context
// cancellation between attempts. Non-retryable errors abort immediately.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, operation string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("retrieval call succeeded after retry", "operation", operation, "attempt", attempt)
			}
			return result, nil
		}
		lastErr = err

		if !isRetryable(err, cfg.RetryableErrors) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffFactor)
		logger.Warn("retrying retrieval call",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"retry_delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

// backoffDelay computes exponential backoff with 10% jitter.
func backoffDelay(attempt int, initial, max time.Duration, factor float64) time.Duration {
	backoff := float64(initial) * math.Pow(factor, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := backoff * 0.1 * (2.0*float64(time.Now().UnixNano()%100)/100.0 - 1.0)
	return time.Duration(backoff + jitter)
}

func isRetryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
