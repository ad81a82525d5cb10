package replay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds retries of a chain request. The delay doubles after
// every failed attempt.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func (p RetryPolicy) do(ctx context.Context, logger *zap.Logger, op string, fn func(context.Context) error) error {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := p.Backoff
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return err
		}
		logger.Warn("request failed", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("retry_in", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
