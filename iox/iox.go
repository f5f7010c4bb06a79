// Package iox provides I/O helpers for resource cleanup and retry.
package iox

import (
	"context"
	"fmt"
	"io"
	"time"
)

// RetryConfig controls Retry's exponential backoff schedule.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first (must be >= 1).
	Attempts int
	// BaseDelay is the backoff before the second attempt; it doubles each
	// attempt thereafter (1x, 2x, 4x, ...).
	BaseDelay time.Duration
}

// Retry calls fn up to cfg.Attempts times, backing off exponentially between
// failures. It returns nil on the first success, or the last error wrapped
// with the attempt count if every attempt fails. The backoff sleep respects
// ctx cancellation, the same shape as the teacher's redis/webhook publish
// retry loops generalized to any retryable operation. RedisSink.Emit uses
// it; idgen, the merge executor and WebhookSink keep their own loops.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	var lastErr error
	for i := range cfg.Attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iox: context canceled: %w", err)
		}

		if i > 0 {
			backoff := cfg.BaseDelay * time.Duration(1<<uint(i-1))
			select {
			case <-ctx.Done():
				return fmt.Errorf("iox: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("iox: failed after %d attempts: %w", cfg.Attempts, lastErr)
}

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Flush) where errors are unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }
