package protocol

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// progressMonitor runs a progress check on a fixed interval.
type progressMonitor struct {
	interval time.Duration
	check    func() *ProgressResponse
	started  *atomic.Bool
	ticks    *atomic.Int64
}

func newProgressMonitor(interval time.Duration, check func() *ProgressResponse) *progressMonitor {
	return &progressMonitor{
		interval: interval,
		check:    check,
		started:  atomic.NewBool(false),
		ticks:    atomic.NewInt64(0),
	}
}

// Start begins periodic checks until ctx is done. A non-positive interval
// disables the monitor.
func (m *progressMonitor) Start(ctx context.Context) {
	if m.interval <= 0 || m.started.Swap(true) {
		return
	}

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check()
				m.ticks.Add(1)
			}
		}
	}()
}

// Ticks returns the number of checks run so far.
func (m *progressMonitor) Ticks() int64 {
	return m.ticks.Load()
}
