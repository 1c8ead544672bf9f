package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/metrics"
)

const (
	// BaseDelay is the first backoff interval.
	BaseDelay = 100 * time.Millisecond

	// MaxDelay caps the exponential growth.
	MaxDelay = 5 * time.Second
)

// Do runs fn up to maxAttempts times, backing off exponentially between
// attempts. Only errors classified as retryable are retried; everything else
// is returned to the caller immediately together with its classification.
func Do(ctx context.Context, log *logger.Logger, operation string, maxAttempts int, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		category, action := Classify(lastErr)
		if action != ActionRetry {
			return lastErr
		}

		if attempt == maxAttempts {
			break
		}

		delay := Backoff(attempt)
		log.Debugw("retrying operation",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"category", string(category),
			"delay", delay,
			"error", lastErr,
		)
		metrics.RPCRetryInc(operation)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// Backoff returns the delay before the given 1-based attempt is retried:
// BaseDelay doubled per attempt, capped at MaxDelay, with 25% jitter in both
// directions so concurrent workers do not retry in lockstep.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= MaxDelay {
			delay = MaxDelay
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	delay += jitter
	if delay < 0 {
		delay = BaseDelay / 4
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}

	return delay
}
