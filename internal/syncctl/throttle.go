package syncctl

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TimeThrottler enforces maxWorkerTimePct (spec §5): reconciliation
// workers are admitted at a rate proportional to the configured
// percentage rather than running flat out, with any single wait capped
// at 2s so a throttled worker still notices shutdown promptly.
type TimeThrottler struct {
	limiter *rate.Limiter
}

// NewTimeThrottler builds a throttler admitting roughly pct% of a full
// one-worker-per-tick rate; pct<=0 disables throttling.
func NewTimeThrottler(pct int) *TimeThrottler {
	if pct <= 0 || pct >= 100 {
		return &TimeThrottler{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &TimeThrottler{limiter: rate.NewLimiter(rate.Limit(float64(pct)/10.0), 1)}
}

// Wait blocks until the throttle admits the next attempt, or ctx is
// done, whichever comes first. The wait is never allowed to exceed 2s.
func (t *TimeThrottler) Wait(ctx context.Context) {
	r := t.limiter.ReserveN(time.Now(), 1)
	if !r.OK() {
		return
	}
	d := r.Delay()
	if d <= 0 {
		return
	}
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
