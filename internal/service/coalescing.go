package service

import (
	"context"
	"sync"
	"time"
)

// flight is one in-progress export computation that later callers may join.
type flight struct {
	done   chan struct{}
	result []byte
	err    error
}

// requestCoalescer collapses concurrent export requests for the same selection key into
// one computation. Waiters give up after timeout or when their own context ends; the
// computation itself always runs to completion so its result can populate the cache.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*flight
	timeout  time.Duration
}

// newRequestCoalescer creates a new requestCoalescer with the specified wait timeout.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*flight),
		timeout:  timeout,
	}
}

// Do runs fn for key unless a computation for key is already running, in which case it
// waits for that one. shared reports whether the caller joined an existing computation.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func() ([]byte, error)) (result []byte, shared bool, err error) {
	rc.mu.Lock()
	f, exists := rc.inFlight[key]
	if !exists {
		f = &flight{done: make(chan struct{})}
		rc.inFlight[key] = f
		go rc.run(key, f, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-f.done:
		return f.result, exists, f.err
	case <-waitCtx.Done():
		return nil, exists, waitCtx.Err()
	}
}

func (rc *requestCoalescer) run(key string, f *flight, fn func() ([]byte, error)) {
	f.result, f.err = fn()
	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(f.done)
}

// pending returns the number of keys with a computation in progress.
func (rc *requestCoalescer) pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
