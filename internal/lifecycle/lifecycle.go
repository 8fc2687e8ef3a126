// Package lifecycle holds the process phase reported by the health endpoint.
package lifecycle

import "sync/atomic"

// Phase is where the process is in its life.
type Phase int32

const (
	// PhaseStarting covers the window between the listener opening and the export cache
	// being warmed.
	PhaseStarting Phase = iota
	PhaseServing
	// PhaseDraining is set on SIGTERM/SIGINT.
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var phase atomic.Int32

// SetPhase records the current phase. Draining is terminal for a real process; tests may
// move back out of it.
func SetPhase(p Phase) {
	phase.Store(int32(p))
}

// CurrentPhase returns the phase last set, PhaseStarting by default.
func CurrentPhase() Phase {
	return Phase(phase.Load())
}

