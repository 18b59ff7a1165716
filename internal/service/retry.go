package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nurpe/procure-core/internal/ledger"
)

const (
	retryAttempts = 5
	retryBackoff  = 25 * time.Millisecond
)

// withRetry re-runs the whole decision on optimistic-concurrency conflicts
// and transient store failures: the function must re-read fresh state on
// every attempt, never resubmit a stale decision. Every other error is
// terminal for the command.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(ctx); !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
	}
	return fmt.Errorf("%w: retries exhausted: %v", ErrUnavailable, err)
}

func retryable(err error) bool {
	return errors.Is(err, ledger.ErrVersionConflict) || errors.Is(err, ledger.ErrUnavailable)
}
