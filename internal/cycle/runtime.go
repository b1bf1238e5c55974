package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

// ErrSafeStopped refuses admission after the watchdog has tripped;
// only a fresh handshake clears it.
var ErrSafeStopped = errors.New("safe-stopped: admission refused until a new session")

// Config assembles a Runtime.
type Config struct {
	// Period is the control cycle. The runtime does not enforce it;
	// whoever calls Cycle does (Run uses a ticker, a vendor
	// environment uses its own loop).
	Period time.Duration

	// Executor is the motion engine driven once per cycle.
	Executor Executor

	// MissLimit is the watchdog threshold; zero takes
	// DefaultMissLimit.
	MissLimit int

	// Limits optionally guards admission of joint-space absolute
	// targets.
	Limits *motion.Limits

	// OnTransition observes watchdog state changes. It runs on the
	// cyclic goroutine and must hand off rather than block.
	OnTransition func(from, to motion.LinkState, misses int)
}

// Runtime is the robot-side cyclic task. The network domain calls
// Admit, SessionUp and SessionDown; the cyclic domain calls Cycle once
// per period. Each cycle reads the command slot, applies new intent to
// the executor, enforces the watchdog verdict and publishes exactly
// one state sample.
type Runtime struct {
	period time.Duration
	exec   Executor
	limits *motion.Limits

	buf *Buffer
	wd  *Watchdog
	pub *Publisher

	sessionActive atomic.Bool
	lastApplied   atomic.Uint32
	cycles        atomic.Uint64

	// Cycle timing deviation from the nominal period, for monitoring.
	// Written only by the cyclic goroutine.
	jitterSum atomic.Int64 // ns
	jitterMax atomic.Int64 // ns

	// prevLink and prevAt are touched only by the cyclic goroutine.
	prevLink motion.LinkState
	prevAt   time.Time

	tripC        chan struct{}
	onTransition func(from, to motion.LinkState, misses int)
}

// NewRuntime validates cfg and assembles the cyclic task.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("cycle period %v must be positive", cfg.Period)
	}
	if cfg.Executor == nil {
		return nil, errors.New("runtime requires an executor")
	}
	return &Runtime{
		period:       cfg.Period,
		exec:         cfg.Executor,
		limits:       cfg.Limits,
		buf:          NewBuffer(),
		wd:           NewWatchdog(cfg.MissLimit),
		pub:          NewPublisher(),
		tripC:        make(chan struct{}, 1),
		onTransition: cfg.OnTransition,
	}, nil
}

// Period returns the configured control cycle.
func (r *Runtime) Period() time.Duration { return r.period }

// Buffer exposes the command slot, mainly for tests.
func (r *Runtime) Buffer() *Buffer { return r.buf }

// Watchdog exposes the arrival watchdog.
func (r *Runtime) Watchdog() *Watchdog { return r.wd }

// Publisher exposes the state publisher.
func (r *Runtime) Publisher() *Publisher { return r.pub }

// TripC signals once when the watchdog newly reaches SafeStopped so
// the link manager can tear the session down.
func (r *Runtime) TripC() <-chan struct{} { return r.tripC }

// Admit runs the admission pipeline for one structurally valid
// command: note link activity, refuse while safe-stopped, apply the
// optional limits guard, then the sequence gate. Called from the
// network domain.
func (r *Runtime) Admit(cmd motion.Command, now time.Time) error {
	r.wd.NoteArrival()
	if r.wd.State() == motion.LinkSafeStopped {
		return ErrSafeStopped
	}
	if err := r.limits.Check(cmd); err != nil {
		return err
	}
	return r.buf.Admit(cmd, now)
}

// SessionUp arms the runtime for a fresh session: cleared buffer,
// healthy watchdog, sequence echo back to zero.
func (r *Runtime) SessionUp() {
	r.buf.Reset()
	r.wd.Reset()
	r.lastApplied.Store(0)
	// Drop any trip signal left over from a sessionless stop.
	select {
	case <-r.tripC:
	default:
	}
	r.sessionActive.Store(true)
}

// SessionDown clears the buffer and stops watchdog accounting. The
// watchdog state itself is preserved so a safety stop remains visible
// until the next handshake.
func (r *Runtime) SessionDown() {
	r.sessionActive.Store(false)
	r.buf.Reset()
}

// SessionActive reports whether a session currently owns the link.
func (r *Runtime) SessionActive() bool {
	return r.sessionActive.Load()
}

// ForceSafeStop trips the watchdog out-of-band, the operator
// emergency path. The stop takes effect on the next cycle.
func (r *Runtime) ForceSafeStop() {
	r.wd.Trip()
}

// Cycle executes one control period: watchdog verdict, safe-stop
// enforcement, command application, executor tick, state publication.
// Exactly one state sample is published per call, whether or not a
// command arrived. Called from the cyclic goroutine only.
func (r *Runtime) Cycle(now time.Time) motion.State {
	n := r.cycles.Add(1)

	if !r.prevAt.IsZero() {
		jitter := (now.Sub(r.prevAt) - r.period).Nanoseconds()
		if jitter < 0 {
			jitter = -jitter
		}
		r.jitterSum.Add(jitter)
		if jitter > r.jitterMax.Load() {
			r.jitterMax.Store(jitter)
		}
	}
	r.prevAt = now

	var link motion.LinkState
	if r.sessionActive.Load() {
		link = r.wd.Tick()
	} else {
		link = r.wd.State()
	}

	if link == motion.LinkSafeStopped {
		if r.prevLink != motion.LinkSafeStopped {
			r.exec.SafeStop()
			select {
			case r.tripC <- struct{}{}:
			default:
			}
		}
	} else if adm, ok := r.buf.Latest(); ok && adm.Command.Sequence != r.lastApplied.Load() {
		r.exec.Apply(adm.Command)
		r.lastApplied.Store(adm.Command.Sequence)
	}

	if link != r.prevLink && r.onTransition != nil {
		r.onTransition(r.prevLink, link, r.wd.Misses())
	}
	r.prevLink = link

	st := r.exec.Tick(now)
	st.Sequence = r.lastApplied.Load()
	st.Link = link
	st.Stamp = now
	st.Cycle = n
	r.pub.Publish(st)
	return st
}

// Run drives Cycle from a ticker until ctx ends. Stand-in for the
// vendor execution environment, which would call Cycle from its own
// real-time loop.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.Cycle(now)
		}
	}
}

// RuntimeStats is a point-in-time snapshot for monitoring. JitterSum
// and JitterMax accumulate the absolute deviation of cycle start times
// from the nominal period; consumers window them by differencing
// snapshots.
type RuntimeStats struct {
	Cycles      uint64           `json:"cycles"`
	LastApplied uint32           `json:"last_applied_sequence"`
	Link        motion.LinkState `json:"link"`
	Misses      int              `json:"consecutive_misses"`
	Published   uint64           `json:"states_published"`
	JitterSum   time.Duration    `json:"jitter_sum_ns"`
	JitterMax   time.Duration    `json:"jitter_max_ns"`
}

// Stats snapshots the runtime counters. Safe from any goroutine.
func (r *Runtime) Stats() RuntimeStats {
	return RuntimeStats{
		Cycles:      r.cycles.Load(),
		LastApplied: r.lastApplied.Load(),
		Link:        r.wd.State(),
		Misses:      r.wd.Misses(),
		Published:   r.pub.Published(),
		JitterSum:   time.Duration(r.jitterSum.Load()),
		JitterMax:   time.Duration(r.jitterMax.Load()),
	}
}
