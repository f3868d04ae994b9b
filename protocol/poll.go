package protocol

import (
	"context"
	"sync"
	"time"
)

// pollLocked evaluates check under mu until it reports done, sleeping
// interval between attempts with mu released. It gives up once budget has
// elapsed and returns the last result with done=false.
func pollLocked[T any](ctx context.Context, mu *sync.Mutex, budget, interval time.Duration, check func() (T, bool)) (T, bool, error) {
	start := time.Now()

	mu.Lock()
	res, done := check()
	mu.Unlock()

	for !done && time.Since(start) < budget {
		if err := sleepCtx(ctx, interval); err != nil {
			return res, false, err
		}
		mu.Lock()
		res, done = check()
		mu.Unlock()
	}
	return res, done, nil
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
