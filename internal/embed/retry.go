package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior for embedding provider calls and
// model downloads.
type RetryConfig struct {
	MaxRetries   int           // Maximum number of retry attempts (not including initial attempt)
	InitialDelay time.Duration // Delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
	}
}

// DownloadWithRetry executes a function with exponential backoff retry
// logic, built on cenkalti/backoff/v4. It retries the function up to
// MaxRetries times if it fails. The delay between retries grows
// exponentially, capped at MaxDelay. If the context is cancelled, it
// returns the context error immediately.
func DownloadWithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if attempts > cfg.MaxRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
	}

	return nil
}
