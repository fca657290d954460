package syncer

import (
	"context"
	"time"
)

// BackoffPolicy decides how long to pause before retry attempt N (1-based).
// The retry budget itself lives in Options.MaxRetries; the policy only
// shapes the spacing, so deployments can swap strategies without touching
// the engine.
type BackoffPolicy interface {
	Wait(ctx context.Context, attempt int) error
}

// NoBackoff retries immediately. Matches the historical dashboard behavior
// and keeps tests fast.
type NoBackoff struct{}

func (NoBackoff) Wait(_ context.Context, _ int) error {
	return nil
}

// FixedDelay pauses the same duration before every retry, honoring
// cancellation.
type FixedDelay struct {
	Delay time.Duration
}

func (p FixedDelay) Wait(ctx context.Context, _ int) error {
	if p.Delay <= 0 {
		return nil
	}

	timer := time.NewTimer(p.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
