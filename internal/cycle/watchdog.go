package cycle

import (
	"sync/atomic"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

// DefaultMissLimit is the number of consecutive cycles without a valid
// command arrival that trips the safety stop. It bounds unsupervised
// motion to limit × cycle period.
const DefaultMissLimit = 5

// Watchdog observes cycle-to-cycle command arrival. The network domain
// notes every structurally valid CMD frame (stale ones included, they
// still prove the link is alive); the cyclic domain ticks once per
// cycle and transitions the state machine:
//
//	Healthy  → Degraded     one cycle window with no arrival
//	Degraded → Healthy      arrival observed again
//	Degraded → SafeStopped  limit consecutive misses
//
// SafeStopped is terminal until Reset at the next handshake.
type Watchdog struct {
	limit    int
	arrivals atomic.Uint32
	state    atomic.Uint32
	misses   atomic.Uint32
}

// NewWatchdog returns a Healthy watchdog tripping after limit
// consecutive misses. A non-positive limit takes DefaultMissLimit.
func NewWatchdog(limit int) *Watchdog {
	if limit <= 0 {
		limit = DefaultMissLimit
	}
	return &Watchdog{limit: limit}
}

// Limit returns the configured consecutive-miss threshold.
func (w *Watchdog) Limit() int { return w.limit }

// NoteArrival records link activity. Called from the network domain
// for every structurally valid command frame; malformed frames never
// reach here.
func (w *Watchdog) NoteArrival() {
	w.arrivals.Add(1)
}

// Tick closes one cycle window and returns the resulting state.
// Called from the cyclic domain exactly once per cycle. The state
// update is a compare-and-swap against the value observed at entry:
// a Trip landing between the two must win, not be overwritten by a
// Healthy store a moment later.
func (w *Watchdog) Tick() motion.LinkState {
	arrived := w.arrivals.Swap(0) > 0
	cur := w.state.Load()
	if motion.LinkState(cur) == motion.LinkSafeStopped {
		return motion.LinkSafeStopped
	}
	next := motion.LinkHealthy
	if arrived {
		w.misses.Store(0)
	} else {
		next = motion.LinkDegraded
		if int(w.misses.Add(1)) >= w.limit {
			next = motion.LinkSafeStopped
		}
	}
	if !w.state.CompareAndSwap(cur, uint32(next)) {
		return motion.LinkState(w.state.Load())
	}
	return next
}

// State returns the current state without advancing the machine. Safe
// from any goroutine.
func (w *Watchdog) State() motion.LinkState {
	return motion.LinkState(w.state.Load())
}

// Misses returns the current consecutive-miss count.
func (w *Watchdog) Misses() int {
	return int(w.misses.Load())
}

// Trip forces SafeStopped immediately, the operator emergency path.
func (w *Watchdog) Trip() {
	w.state.Store(uint32(motion.LinkSafeStopped))
}

// Reset returns to Healthy with cleared counters. Called when a fresh
// handshake establishes a new session.
func (w *Watchdog) Reset() {
	w.arrivals.Store(0)
	w.misses.Store(0)
	w.state.Store(uint32(motion.LinkHealthy))
}
