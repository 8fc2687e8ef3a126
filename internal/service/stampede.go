package service

import "sync"

// stampedeTracker counts concurrent export cache misses per selection key. A count above
// one means several requests are computing the same export at once.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{active: make(map[string]int)}
}

// RecordMiss registers a miss for key and returns the number of misses now in progress.
// Pair every call with Resolve.
func (st *stampedeTracker) RecordMiss(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active[key]++
	return st.active[key]
}

// Resolve marks one miss for key as finished.
func (st *stampedeTracker) Resolve(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch n := st.active[key]; {
	case n > 1:
		st.active[key] = n - 1
	case n == 1:
		delete(st.active, key)
	}
}
