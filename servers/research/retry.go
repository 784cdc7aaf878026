package research

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
)

// retryPolicy bounds the attempts made against an upstream.
type retryPolicy struct {
	attempts uint
	delay    time.Duration
}

var defaultRetryPolicy = retryPolicy{
	attempts: 3,
	delay:    500 * time.Millisecond,
}

// do calls fn until it succeeds, returns an error wrapped with retry.Unrecoverable, or the
// attempts run out. Delays grow exponentially. The last error is returned.
func (p retryPolicy) do(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	attempts := p.attempts
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("upstream request failed, retrying",
				slog.String("op", op),
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("err", err.Error()))
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
