package cycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

// fakeExecutor records calls; runtime tests drive Cycle from the test
// goroutine so no locking is needed.
type fakeExecutor struct {
	applied   []motion.Command
	safeStops int
	status    motion.Status
	joints    motion.JointVector
}

func (f *fakeExecutor) Apply(cmd motion.Command) {
	f.applied = append(f.applied, cmd)
	f.status = motion.StatusMoving
}

func (f *fakeExecutor) SafeStop() {
	f.safeStops++
	f.status = motion.StatusSafeStopped
}

func (f *fakeExecutor) Tick(now time.Time) motion.State {
	return motion.State{Status: f.status, Joints: f.joints}
}

func newTestRuntime(t *testing.T, cfg Config) (*Runtime, *fakeExecutor) {
	t.Helper()
	exec := &fakeExecutor{status: motion.StatusIdle}
	if cfg.Executor == nil {
		cfg.Executor = exec
	}
	if cfg.Period == 0 {
		cfg.Period = 8 * time.Millisecond
	}
	r, err := NewRuntime(cfg)
	require.NoError(t, err)
	return r, exec
}

func TestNewRuntimeValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRuntime(Config{Executor: &fakeExecutor{}})
	assert.Error(t, err)

	_, err = NewRuntime(Config{Period: time.Millisecond})
	assert.Error(t, err)
}

// Every Cycle call publishes exactly one state sample, command or not.
func TestRuntimeOneStatePerCycle(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, Config{})
	r.SessionUp()

	for i := 1; i <= 20; i++ {
		st := r.Cycle(time.Now())
		assert.Equal(t, uint64(i), st.Cycle)
		assert.Equal(t, uint64(i), r.Publisher().Published())
	}
}

func TestRuntimeAppliesNewCommandOnce(t *testing.T) {
	t.Parallel()

	r, exec := newTestRuntime(t, Config{MissLimit: 100})
	r.SessionUp()

	cmd := cmdSeq(1)
	require.NoError(t, r.Admit(cmd, time.Now()))

	st := r.Cycle(time.Now())
	assert.Equal(t, uint32(1), st.Sequence)
	require.Len(t, exec.applied, 1)
	assert.Equal(t, cmd.Sequence, exec.applied[0].Sequence)

	// The slot persists but is not re-applied on later cycles.
	r.Cycle(time.Now())
	r.Cycle(time.Now())
	assert.Len(t, exec.applied, 1)
}

func TestRuntimeEchoesLastAdmitted(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, Config{MissLimit: 100})
	r.SessionUp()

	st := r.Cycle(time.Now())
	assert.Equal(t, uint32(0), st.Sequence)

	require.NoError(t, r.Admit(cmdSeq(1), time.Now()))
	require.NoError(t, r.Admit(cmdSeq(2), time.Now()))
	st = r.Cycle(time.Now())
	assert.Equal(t, uint32(2), st.Sequence)
}

func TestRuntimeStaleAdmission(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, Config{MissLimit: 100})
	r.SessionUp()

	for _, seq := range []uint32{1, 2, 3} {
		require.NoError(t, r.Admit(cmdSeq(seq), time.Now()))
	}
	err := r.Admit(cmdSeq(2), time.Now())
	assert.ErrorIs(t, err, ErrStaleCommand)
	assert.Equal(t, uint32(3), r.Buffer().LastSequence())
}

// Silence trips the watchdog after the miss limit: the executor gets
// exactly one safe-stop, the trip channel fires, and admission is
// refused until a new session.
func TestRuntimeWatchdogTripsOnSilence(t *testing.T) {
	t.Parallel()

	r, exec := newTestRuntime(t, Config{MissLimit: 5})
	r.SessionUp()

	require.NoError(t, r.Admit(cmdSeq(1), time.Now()))
	st := r.Cycle(time.Now())
	assert.Equal(t, motion.LinkHealthy, st.Link)

	// Six silent cycles with limit 5: safe-stopped by the fifth.
	states := make([]motion.LinkState, 0, 6)
	for i := 0; i < 6; i++ {
		states = append(states, r.Cycle(time.Now()).Link)
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
	assert.Equal(t, 1, exec.safeStops)

	select {
	case <-r.TripC():
	default:
		t.Fatal("trip channel did not fire")
	}

	err := r.Admit(cmdSeq(2), time.Now())
	assert.ErrorIs(t, err, ErrSafeStopped)

	// A fresh handshake restores admission.
	r.SessionDown()
	r.SessionUp()
	assert.NoError(t, r.Admit(cmdSeq(1), time.Now()))
	assert.Equal(t, motion.LinkHealthy, r.Cycle(time.Now()).Link)
}

func TestRuntimeDegradedRecovers(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, Config{MissLimit: 5})
	r.SessionUp()

	assert.Equal(t, motion.LinkDegraded, r.Cycle(time.Now()).Link)
	require.NoError(t, r.Admit(cmdSeq(1), time.Now()))
	assert.Equal(t, motion.LinkHealthy, r.Cycle(time.Now()).Link)
}

// A structurally valid but stale command still feeds the watchdog.
func TestRuntimeStaleCommandCountsAsActivity(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, Config{MissLimit: 5})
	r.SessionUp()

	require.NoError(t, r.Admit(cmdSeq(3), time.Now()))
	r.Cycle(time.Now())

	assert.ErrorIs(t, r.Admit(cmdSeq(2), time.Now()), ErrStaleCommand)
	assert.Equal(t, motion.LinkHealthy, r.Cycle(time.Now()).Link)
}

func TestRuntimeLimitsGuard(t *testing.T) {
	t.Parallel()

	lim, err := motion.NewLimits(map[int]motion.AxisLimit{1: {Min: -90, Max: 90}})
	require.NoError(t, err)

	r, exec := newTestRuntime(t, Config{MissLimit: 100, Limits: lim})
	r.SessionUp()

	bad := cmdSeq(1)
	bad.Target[0] = 120
	err = r.Admit(bad, time.Now())
	assert.ErrorIs(t, err, motion.ErrCommandRejectedUnsafe)
	assert.Equal(t, uint32(0), r.Buffer().LastSequence())

	// The rejected frame still proves the link is alive.
	assert.Equal(t, motion.LinkHealthy, r.Cycle(time.Now()).Link)

	good := cmdSeq(1)
	good.Target[0] = 45
	assert.NoError(t, r.Admit(good, time.Now()))
	r.Cycle(time.Now())
	assert.Len(t, exec.applied, 1)
}

func TestRuntimeForceSafeStop(t *testing.T) {
	t.Parallel()

	r, exec := newTestRuntime(t, Config{MissLimit: 5})
	r.SessionUp()
	require.NoError(t, r.Admit(cmdSeq(1), time.Now()))
	r.Cycle(time.Now())

	r.ForceSafeStop()
	st := r.Cycle(time.Now())
	assert.Equal(t, motion.LinkSafeStopped, st.Link)
	assert.Equal(t, motion.StatusSafeStopped, st.Status)
	assert.Equal(t, 1, exec.safeStops)
}

func TestRuntimeSessionDownClearsBuffer(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, Config{MissLimit: 100})
	r.SessionUp()
	require.NoError(t, r.Admit(cmdSeq(5), time.Now()))

	r.SessionDown()
	assert.False(t, r.SessionActive())
	_, ok := r.Buffer().Latest()
	assert.False(t, ok)

	// New session: echo returns to zero, sequences restart.
	r.SessionUp()
	st := r.Cycle(time.Now())
	assert.Equal(t, uint32(0), st.Sequence)
	assert.NoError(t, r.Admit(cmdSeq(1), time.Now()))
}

func TestRuntimeTransitionCallback(t *testing.T) {
	t.Parallel()

	type transition struct {
		from, to motion.LinkState
	}
	var seen []transition
	r, _ := newTestRuntime(t, Config{
		MissLimit: 2,
		OnTransition: func(from, to motion.LinkState, misses int) {
			seen = append(seen, transition{from, to})
		},
	})
	r.SessionUp()

	r.Cycle(time.Now())
	r.Cycle(time.Now())
	r.Cycle(time.Now())

	want := []transition{
		{motion.LinkHealthy, motion.LinkDegraded},
		{motion.LinkDegraded, motion.LinkSafeStopped},
	}
	assert.Equal(t, want, seen)
}

func TestRuntimeWithoutSessionHoldsState(t *testing.T) {
	t.Parallel()

	r, exec := newTestRuntime(t, Config{MissLimit: 2})

	// No session: the watchdog does not count misses.
	for i := 0; i < 5; i++ {
		st := r.Cycle(time.Now())
		assert.Equal(t, motion.LinkHealthy, st.Link)
	}
	assert.Equal(t, 0, exec.safeStops)
}

func TestRuntimeStats(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, Config{MissLimit: 100})
	r.SessionUp()
	require.NoError(t, r.Admit(cmdSeq(4), time.Now()))
	r.Cycle(time.Now())
	r.Cycle(time.Now())

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Cycles)
	assert.Equal(t, uint32(4), stats.LastApplied)
	assert.Equal(t, motion.LinkHealthy, stats.Link)
	assert.Equal(t, uint64(2), stats.Published)
}

func TestRuntimeRun(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{status: motion.StatusIdle}
	r, err := NewRuntime(Config{Period: time.Millisecond, Executor: exec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("runtime did not stop on cancel")
	}
	assert.Greater(t, r.Stats().Cycles, uint64(0))
}
