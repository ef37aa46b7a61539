package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := WithRetry(context.Background(), fastRetryConfig(), slog.Default(), "search", func() (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesRetryableErrors(t *testing.T) {
	calls := 0
	got, err := WithRetry(context.Background(), fastRetryConfig(), slog.Default(), "search", func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_NonRetryableAbortsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("index not found (status 404)")
	_, err := WithRetry(context.Background(), fastRetryConfig(), slog.Default(), "search", func() (string, error) {
		calls++
		return "", fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxAttempts = 4
	calls := 0
	_, err := WithRetry(context.Background(), cfg, slog.Default(), "search", func() (string, error) {
		calls++
		return "", fmt.Errorf("upstream timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestWithRetry_HonorsContextCancellation(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialDelay = time.Minute
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := WithRetry(ctx, cfg, slog.Default(), "search", func() (string, error) {
			return "", errors.New("timeout")
		})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("WithRetry did not observe cancellation")
	}
}

func TestBackoffDelayIsBounded(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(attempt, 250*time.Millisecond, 2*time.Second, 1.5)
		assert.Greater(t, d, time.Duration(0))
		// Allow for the 10% jitter above the cap.
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}
