package idgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumenflow/lumenflow/errs"
)

// CreateFn performs one create-and-push attempt for the given candidate WU
// id, returning the error git produced (if any) so RetryOnPushCollision can
// classify it.
type CreateFn func(ctx context.Context, wuID string) error

// NextIDFn regenerates a candidate id after a collision, typically by
// re-fetching and calling NextWUID again.
type NextIDFn func(ctx context.Context) (string, error)

// RetryOnPushCollision drives the create-then-push cycle, retrying with a
// freshly regenerated id when the push fails with a retryable collision
// error (spec §4.F). maxRetries bounds the number of retries after the
// first attempt; baseDelay is the exponential backoff base.
func RetryOnPushCollision(ctx context.Context, maxRetries int, baseDelay time.Duration, nextID NextIDFn, create CreateFn) (string, error) {
	wuID, err := nextID(ctx)
	if err != nil {
		return "", errs.New(errs.ErrIDGenerationFailed, "retry_on_push_collision", nil, err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}

			regenerated, err := nextID(ctx)
			if err != nil {
				return "", errs.New(errs.ErrIDGenerationFailed, "retry_on_push_collision", map[string]any{"last_wu_id": wuID}, err)
			}
			wuID = regenerated
		}

		lastErr = create(ctx, wuID)
		if lastErr == nil {
			return wuID, nil
		}

		classified := errs.ClassifyVcsError(lastErr)
		if !errors.Is(classified, errs.ErrVcsRetryable) {
			return "", lastErr
		}
	}

	return "", errs.New(errs.ErrIDGenerationFailed, "retry_on_push_collision",
		map[string]any{"last_wu_id": wuID, "attempts": maxRetries + 1},
		fmt.Errorf("exhausted retries: %w", lastErr))
}
