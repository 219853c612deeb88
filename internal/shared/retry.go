package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy is exponential backoff: BaseDelay, 2*BaseDelay, 4*BaseDelay...
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry makes three attempts, waiting 100ms then 200ms between them.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. Waiting between attempts honors ctx.
func Retry(ctx context.Context, p RetryPolicy, op string, retryable func(error) bool, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var err error
	for i := 0; i < p.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || i == p.Attempts-1 {
			break
		}

		delay := p.BaseDelay * time.Duration(1<<i)
		slog.Debug("Retrying after conflict", "operation", op, "attempt", i+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}
