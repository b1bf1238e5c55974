package cycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

func TestWatchdogStartsHealthy(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(5)
	assert.Equal(t, motion.LinkHealthy, w.State())
	assert.Equal(t, 5, w.Limit())
}

func TestWatchdogDefaultLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultMissLimit, NewWatchdog(0).Limit())
	assert.Equal(t, DefaultMissLimit, NewWatchdog(-3).Limit())
}

func TestWatchdogOneMissDegrades(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(5)
	assert.Equal(t, motion.LinkDegraded, w.Tick())
	assert.Equal(t, 1, w.Misses())
}

func TestWatchdogArrivalRecovers(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(5)
	w.Tick()
	w.Tick()
	assert.Equal(t, motion.LinkDegraded, w.State())

	w.NoteArrival()
	assert.Equal(t, motion.LinkHealthy, w.Tick())
	assert.Equal(t, 0, w.Misses())
}

// Six silent cycles with a limit of five: the trip lands exactly on
// the fifth miss and holds through the sixth.
func TestWatchdogTripsAfterLimit(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(5)
	states := make([]motion.LinkState, 0, 6)
	for i := 0; i < 6; i++ {
		states = append(states, w.Tick())
	}

	want := []motion.LinkState{
		motion.LinkDegraded,
		motion.LinkDegraded,
		motion.LinkDegraded,
		motion.LinkDegraded,
		motion.LinkSafeStopped,
		motion.LinkSafeStopped,
	}
	assert.Equal(t, want, states)
}

// SafeStopped is terminal: arrivals no longer recover the link.
func TestWatchdogSafeStoppedTerminal(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(2)
	w.Tick()
	w.Tick()
	assert.Equal(t, motion.LinkSafeStopped, w.State())

	w.NoteArrival()
	assert.Equal(t, motion.LinkSafeStopped, w.Tick())
}

func TestWatchdogResetRecovers(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(1)
	w.Tick()
	assert.Equal(t, motion.LinkSafeStopped, w.State())

	w.Reset()
	assert.Equal(t, motion.LinkHealthy, w.State())
	assert.Equal(t, 0, w.Misses())

	w.NoteArrival()
	assert.Equal(t, motion.LinkHealthy, w.Tick())
}

func TestWatchdogTrip(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(5)
	w.Trip()
	assert.Equal(t, motion.LinkSafeStopped, w.State())
	assert.Equal(t, motion.LinkSafeStopped, w.Tick())
}

// A Trip racing the cyclic tick must stick: once Trip returns, no
// concurrent Tick may overwrite SafeStopped with Healthy.
func TestWatchdogTripNotLostDuringTick(t *testing.T) {
	t.Parallel()

	for i := 0; i < 500; i++ {
		w := NewWatchdog(5)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 20; j++ {
				w.NoteArrival()
				w.Tick()
			}
		}()
		w.Trip()
		<-done

		assert.Equal(t, motion.LinkSafeStopped, w.State())
		assert.Equal(t, motion.LinkSafeStopped, w.Tick())
	}
}

// An arrival noted between ticks covers exactly one cycle window.
func TestWatchdogArrivalConsumedPerWindow(t *testing.T) {
	t.Parallel()

	w := NewWatchdog(5)
	w.NoteArrival()
	assert.Equal(t, motion.LinkHealthy, w.Tick())
	assert.Equal(t, motion.LinkDegraded, w.Tick())
}
