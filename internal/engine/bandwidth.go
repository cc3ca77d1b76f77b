package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// BandwidthController bounds aggregate bandwidth across all concurrent
// transfer workers. Per-task caps are enforced separately inside the
// transfer loop; this limiter is the ceiling their sum may not exceed.
type BandwidthController struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	limitEnabled atomic.Bool
	current      int
}

func NewBandwidthController() *BandwidthController {
	return &BandwidthController{
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// SetAggregateLimit updates the shared limit in bytes per second. Zero or
// negative disables limiting.
func (bc *BandwidthController) SetAggregateLimit(bytesPerSec int) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bytesPerSec == bc.current {
		return
	}
	bc.current = bytesPerSec

	if bytesPerSec <= 0 {
		bc.limitEnabled.Store(false)
		bc.limiter.SetLimit(rate.Inf)
		return
	}
	bc.limitEnabled.Store(true)
	bc.limiter.SetLimit(rate.Limit(bytesPerSec))
	bc.limiter.SetBurst(bytesPerSec) // allow a 1s burst
}

// Wait blocks until n bytes may be consumed. Fast path when no limit is
// active.
func (bc *BandwidthController) Wait(ctx context.Context, n int) error {
	if !bc.limitEnabled.Load() {
		return nil
	}
	// WaitN rejects requests above the burst size outright.
	bc.mu.Lock()
	burst := bc.limiter.Burst()
	bc.mu.Unlock()
	for n > burst {
		if err := bc.limiter.WaitN(ctx, burst); err != nil {
			return err
		}
		n -= burst
	}
	return bc.limiter.WaitN(ctx, n)
}
