// Package ratelimit implements the token-bucket admission control placed in
// front of the chain client. Refill is derived from the wall clock and floored
// to whole tokens so long-running processes do not accumulate fractional
// drift.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrConfig reports a bucket configuration that can never satisfy a request,
// e.g. asking for more tokens than the burst capacity.
var ErrConfig = errors.New("rate limiter configuration cannot satisfy request")

// ErrRetriesExceeded reports that Consume gave up waiting.
var ErrRetriesExceeded = errors.New("rate limiter retries exceeded")

// Result is the outcome of a TryConsume call.
type Result struct {
	// Allowed is true when the tokens were taken from the bucket
	Allowed bool

	// WaitHint is how long the caller should wait before retrying.
	// Zero when Allowed.
	WaitHint time.Duration

	// TokensLeft is the bucket level after the call
	TokensLeft int64
}

// TokenBucket is a mutex-protected token bucket. All mutation happens inside
// the bucket; callers only ever see immutable Result values.
type TokenBucket struct {
	mu                sync.Mutex
	tokensPerInterval int64
	interval          time.Duration
	maxBurst          int64

	tokens     int64
	lastRefill time.Time

	now func() time.Time // injectable for tests
}

// New creates a token bucket. Construction fails on parameters that would
// permit an infinite wait loop.
func New(tokensPerInterval int64, interval time.Duration, maxBurst int64) (*TokenBucket, error) {
	if tokensPerInterval <= 0 {
		return nil, fmt.Errorf("%w: tokens_per_interval must be positive, got %d",
			ErrConfig, tokensPerInterval)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %s", ErrConfig, interval)
	}
	if maxBurst < tokensPerInterval {
		return nil, fmt.Errorf("%w: max_burst (%d) must be at least tokens_per_interval (%d)",
			ErrConfig, maxBurst, tokensPerInterval)
	}

	tb := &TokenBucket{
		tokensPerInterval: tokensPerInterval,
		interval:          interval,
		maxBurst:          maxBurst,
		tokens:            maxBurst,
		now:               time.Now,
	}
	tb.lastRefill = tb.now()

	return tb, nil
}

// TryConsume attempts to take n tokens without blocking.
func (tb *TokenBucket) TryConsume(n int64) Result {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()

	if tb.tokens >= n {
		tb.tokens -= n
		return Result{Allowed: true, TokensLeft: tb.tokens}
	}

	return Result{
		Allowed:    false,
		WaitHint:   tb.waitHintLocked(n),
		TokensLeft: tb.tokens,
	}
}

// Consume blocks cooperatively until n tokens are available, the context is
// cancelled, or maxRetries waits have been exhausted. A non-positive wait
// hint while tokens are insufficient indicates a configuration that can never
// be satisfied and fails immediately with ErrConfig.
func (tb *TokenBucket) Consume(ctx context.Context, n int64, maxRetries int) error {
	for attempt := 0; ; attempt++ {
		res := tb.TryConsume(n)
		if res.Allowed {
			return nil
		}

		if res.WaitHint <= 0 {
			return fmt.Errorf("%w: need %d tokens, burst capacity %d", ErrConfig, n, tb.maxBurst)
		}

		if attempt >= maxRetries {
			return fmt.Errorf("%w: %d tokens still unavailable after %d waits",
				ErrRetriesExceeded, n, maxRetries)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(res.WaitHint):
		}
	}
}

// refillLocked credits whole tokens accrued since lastRefill and advances
// lastRefill by exactly the time those tokens represent, so partial-interval
// remainders carry over instead of being lost or double counted.
func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}

	perToken := tb.interval / time.Duration(tb.tokensPerInterval)
	if perToken <= 0 {
		perToken = time.Nanosecond
	}

	accrued := int64(elapsed / perToken) // floored
	if accrued <= 0 {
		return
	}

	tb.tokens += accrued
	if tb.tokens > tb.maxBurst {
		tb.tokens = tb.maxBurst
		tb.lastRefill = now
		return
	}
	tb.lastRefill = tb.lastRefill.Add(time.Duration(accrued) * perToken)
}

// waitHintLocked estimates how long until n tokens will be available.
// Returns 0 when n exceeds burst capacity (it never will be).
func (tb *TokenBucket) waitHintLocked(n int64) time.Duration {
	if n > tb.maxBurst {
		return 0
	}

	perToken := tb.interval / time.Duration(tb.tokensPerInterval)
	if perToken <= 0 {
		perToken = time.Nanosecond
	}

	missing := n - tb.tokens
	hint := time.Duration(missing)*perToken - tb.now().Sub(tb.lastRefill)
	if hint < time.Millisecond {
		hint = time.Millisecond
	}
	return hint
}

// Tokens returns the current bucket level after a refill pass.
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

// reset refills the bucket to capacity. Test hook only; production code must
// not call it.
func (tb *TokenBucket) reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = tb.maxBurst
	tb.lastRefill = tb.now()
}
