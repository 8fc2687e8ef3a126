package http

import (
	"context"
	"sync/atomic"
	"time"
)

// inFlightCounter counts requests inside MetricsMiddleware so shutdown can wait for them
// after the listener has closed.
type inFlightCounter struct {
	n atomic.Int64
}

func (c *inFlightCounter) begin() { c.n.Add(1) }

func (c *inFlightCounter) end() { c.n.Add(-1) }

func (c *inFlightCounter) count() int64 { return c.n.Load() }

// waitForZero polls every checkInterval until the count is zero or ctx ends.
func (c *inFlightCounter) waitForZero(ctx context.Context, checkInterval time.Duration) error {
	if c.count() == 0 {
		return nil
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.count() == 0 {
				return nil
			}
		}
	}
}

var inFlight = &inFlightCounter{}

// InFlightCount returns the number of requests currently inside the router.
func InFlightCount() int64 {
	return inFlight.count()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return inFlight.waitForZero(ctx, checkInterval)
}
