package broker

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// retryPolicy is the single retry discipline wrapped around every brokerage
// call. Transient failures back off exponentially with jitter up to
// MaxTransient attempts; unknown failures get MaxUnknown attempts; fatal
// failures propagate on the first occurrence.
type retryPolicy struct {
	MaxTransient int
	MaxUnknown   int
	MinDelay     time.Duration
	MaxDelay     time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxTransient: 5,
		MaxUnknown:   2,
		MinDelay:     500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

func (p retryPolicy) maxAttempts(class errClass) int {
	switch class {
	case classTransient:
		return p.MaxTransient
	case classUnknown:
		return p.MaxUnknown
	default:
		return 1
	}
}

// call runs fn under the retry policy, logging each retried failure.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	delay := c.retry.MinDelay

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		class := classify(err)
		if class == classFatal || attempt >= c.retry.maxAttempts(class) {
			c.logger.Error("brokerage call failed",
				zap.String("operation", op),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		// Full backoff with +/-20% jitter.
		wait := delay + time.Duration((rand.Float64()-0.5)*0.4*float64(delay))
		c.logger.Warn("brokerage call failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}
}
