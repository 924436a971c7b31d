// Package lifecycle tracks the gateway's serving phase for readiness checks
// and subscriber admission.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Phase int32

const (
	// PhaseServing is the zero value so a fresh Lifecycle accepts work.
	PhaseServing Phase = iota
	PhaseStarting
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseServing:
		return "serving"
	case PhaseStarting:
		return "starting"
	case PhaseDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Lifecycle is safe for concurrent use. Draining is terminal: once set,
// SetReady no longer changes the phase.
type Lifecycle struct {
	phase        atomic.Int32
	drainStarted atomic.Int64
}

func (l *Lifecycle) Phase() Phase {
	if l == nil {
		return PhaseServing
	}
	return Phase(l.phase.Load())
}

// SetReady moves between starting and serving. It is a no-op while draining.
func (l *Lifecycle) SetReady(ready bool) {
	if l == nil {
		return
	}
	from, to := PhaseServing, PhaseStarting
	if ready {
		from, to = PhaseStarting, PhaseServing
	}
	l.phase.CompareAndSwap(int32(from), int32(to))
}

// SetDraining enters the draining phase; false leaves it for serving.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.phase.Store(int32(PhaseServing))
		l.drainStarted.Store(0)
		return
	}
	if old := Phase(l.phase.Swap(int32(PhaseDraining))); old != PhaseDraining {
		l.drainStarted.Store(time.Now().UnixNano())
	}
}

// DrainingSince reports when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	if ns := l.drainStarted.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (l *Lifecycle) IsDraining() bool { return l.Phase() == PhaseDraining }

// IsReady reports whether the process should receive new work.
func (l *Lifecycle) IsReady() bool { return l.Phase() == PhaseServing }
