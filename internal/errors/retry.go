package errors

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-kline-collector/internal/config"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// Retry runs fn until it succeeds, returns a non-retryable error, the policy's
// attempt budget is spent or ctx is done. Only errors classified as retryable
// (source request failures) are retried; everything else is returned at once.
func Retry(ctx context.Context, policy config.RetryPolicyConfig, logger *slog.Logger, operation string, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := 0
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		logger.Warn("operation failed, retrying",
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"error_type", GetErrorType(err),
			"retry_in", next,
			"error", err)
	}

	strategy := backoff.WithContext(NewBackoff(policy), ctx)
	if err := backoff.RetryNotify(op, strategy, notify); err != nil {
		if attempts > 1 {
			logger.Error("operation failed after retries",
				"operation", operation,
				"attempts", attempts,
				"error", err)
		}
		return err
	}

	if attempts > 1 {
		logger.Info("operation succeeded after retry", "operation", operation, "attempts", attempts)
	}
	return nil
}

// NewBackoff builds the backoff strategy described by a retry policy.
// MaxAttempts counts the first call, so a policy of 1 never retries.
func NewBackoff(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay := parseDelay(policy.InitialDelay, defaultInitialDelay)
	maxDelay := parseDelay(policy.MaxDelay, defaultMaxDelay)

	var strategy backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
	case "exponential":
		fallthrough
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0 // bounded by attempts and ctx instead
		if !policy.Jitter {
			exponential.RandomizationFactor = 0
		}
		exponential.Reset()
		strategy = exponential
	}

	retries := policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(strategy, uint64(retries))
}

func parseDelay(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
