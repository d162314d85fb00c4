package server

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Coordinator states.
const (
	stateRunning int32 = iota
	stateDraining
	stateStopped
)

// Coordinator tracks in-flight proxied requests so shutdown can wait
// for them to finish. Health and management traffic is not tracked.
type Coordinator struct {
	state  atomic.Int32
	active atomic.Int64
	logger *zap.Logger
}

func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{logger: logger}
}

// Acquire registers an in-flight request. It returns false once
// draining has started; new requests must be rejected then.
func (c *Coordinator) Acquire() bool {
	if c.state.Load() != stateRunning {
		return false
	}
	c.active.Add(1)
	// Re-check after the increment so a concurrent drain cannot slip
	// past a request it never counted.
	if c.state.Load() != stateRunning {
		c.active.Add(-1)
		return false
	}
	return true
}

// Release marks a tracked request finished.
func (c *Coordinator) Release() {
	c.active.Add(-1)
}

// Active reports the number of tracked in-flight requests.
func (c *Coordinator) Active() int64 {
	return c.active.Load()
}

// Draining reports whether shutdown has started.
func (c *Coordinator) Draining() bool {
	return c.state.Load() != stateRunning
}

// Drain stops admitting requests and waits for in-flight ones to
// finish. It returns nil when the count reaches zero and ctx.Err()
// when the deadline passes first; either way the server proceeds to
// stop.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.state.CompareAndSwap(stateRunning, stateDraining)
	defer c.state.Store(stateStopped)

	if n := c.active.Load(); n > 0 {
		c.logger.Info("draining in-flight requests", zap.Int64("active", n))
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.active.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			c.logger.Warn("drain deadline exceeded",
				zap.Int64("abandoned", c.active.Load()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
