package transfer

import (
	"context"
	"math/rand"
	"time"

	"github.com/sdejongh/courier/pkg/models"
)

// Backoff returns the delay before retry n (0 for the first retry):
// exponential growth from InitialDelay, randomized by JitterFactor and
// capped at MaxDelay
func Backoff(policy models.RetryPolicy, n int) time.Duration {
	delay := float64(policy.InitialDelay)
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 0; i < n; i++ {
		delay *= multiplier
	}

	if policy.JitterFactor > 0 {
		jitter := delay * policy.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
