package cache

import (
	"context"
	"time"

	"github.com/natronlabs/tilecache/errs"
)

// waitForPending polls poll() with exponential backoff (same 40ms *
// 1.2^n schedule locker.pollUntilResolved uses) until it reports
// neither pending nor unrendered tiles remain, or ctx is cancelled.
// poll reports hasPending for tiles another owner is still rendering
// and hasUnrendered for tiles that are neither rendered nor claimed by
// another live owner (this includes the caller's own claims); the
// caller only ever needs to know whether it is still worth waiting.
func waitForPending(ctx context.Context, poll func() (hasPending, hasUnrendered bool, err error)) (bool, error) {
	const (
		initialDelay = 40 * time.Millisecond
		backoff      = 1.2
	)
	delay := initialDelay

	for {
		hasPending, hasUnrendered, err := poll()
		if err != nil {
			return false, err
		}
		if !hasPending && !hasUnrendered {
			return true, nil
		}
		if !hasPending {
			// Nothing left to wait on; the remainder is unrendered
			// or claimed by the caller, which is the caller's job to
			// render.
			return false, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, errs.New("cache.WaitForPending", errs.Aborted, ctx.Err())
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * backoff)
	}
}
