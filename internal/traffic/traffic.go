package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// retention bounds how far back any window may look.
const retention = 5 * time.Minute

var defaultTracker = NewTracker(clockwork.NewRealClock())

// RecordServed records a request that reached a handler on the rate-limited path.
func RecordServed() {
	defaultTracker.RecordServed()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// RequestCount returns served plus denied requests within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// Reset clears all recorded events. For tests only.
func Reset() {
	defaultTracker.Reset()
}

type event struct {
	at     time.Time
	denied bool
}

// Tracker keeps a time-ordered sliding window of request outcomes for the overload check.
type Tracker struct {
	clock clockwork.Clock

	mu     sync.Mutex
	events []event
}

// NewTracker returns a Tracker reading time from clock.
func NewTracker(clock clockwork.Clock) *Tracker {
	return &Tracker{clock: clock}
}

// RecordServed records a served request.
func (t *Tracker) RecordServed() {
	t.record(false)
}

// RecordDenied records a denied request.
func (t *Tracker) RecordDenied() {
	t.record(true)
}

func (t *Tracker) record(denied bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.events = append(t.events, event{at: now, denied: denied})
	t.pruneLocked(now)
}

// RequestCount returns all events not older than window.
func (t *Tracker) RequestCount(window time.Duration) int {
	return t.count(window, func(event) bool { return true })
}

// DenialCount returns denied events not older than window.
func (t *Tracker) DenialCount(window time.Duration) int {
	return t.count(window, func(e event) bool { return e.denied })
}

func (t *Tracker) count(window time.Duration, match func(event) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	n := 0
	for i := len(t.events) - 1; i >= 0 && !t.events[i].at.Before(cutoff); i-- {
		if match(t.events[i]) {
			n++
		}
	}
	return n
}

// Reset drops every recorded event.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// pruneLocked drops events older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
