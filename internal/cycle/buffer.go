// Package cycle implements the controller-side real-time half of the
// link: the single-slot command buffer, the arrival watchdog, the
// per-cycle state publisher and the runtime that drives a motion
// executor once per control period.
//
// Two timing domains meet here. The network domain (link manager)
// admits commands and reads published state; the cyclic domain (one
// goroutine, hard deadline) consumes the buffer and produces state.
// The only crossings are atomics and non-blocking channel operations,
// so the cyclic path never waits.
package cycle

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

// ErrStaleCommand rejects a command whose sequence does not supersede
// the last admitted one. Stale commands are logged by callers, never
// treated as faults.
var ErrStaleCommand = errors.New("stale command: sequence already superseded")

// Admitted is a command that passed admission, with its arrival time.
type Admitted struct {
	Command motion.Command
	At      time.Time
}

// Buffer is the single-slot exchange between the two timing domains.
// Admission overwrites the slot with the latest command; commands
// arriving faster than the cycle rate coalesce so the cyclic task
// always sees the newest intent, never a backlog. Exactly one writer
// (the link manager) and one reader (the cyclic task).
type Buffer struct {
	slot atomic.Pointer[Admitted]
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Admit installs cmd as the current slot if its sequence is strictly
// greater than the last admitted sequence, otherwise returns
// ErrStaleCommand. Sequences restart from 1 each session, so the
// empty slot admits any sequence above zero.
func (b *Buffer) Admit(cmd motion.Command, now time.Time) error {
	var last uint32
	if cur := b.slot.Load(); cur != nil {
		last = cur.Command.Sequence
	}
	if cmd.Sequence <= last {
		return ErrStaleCommand
	}
	b.slot.Store(&Admitted{Command: cmd, At: now})
	return nil
}

// Latest copies out the current slot without clearing it. The read is
// one atomic load and a copy: lock-free, allocation-free, bounded
// time whether or not a new command arrived.
func (b *Buffer) Latest() (Admitted, bool) {
	cur := b.slot.Load()
	if cur == nil {
		return Admitted{}, false
	}
	return *cur, true
}

// LastSequence returns the sequence of the current slot, zero when
// empty.
func (b *Buffer) LastSequence() uint32 {
	if cur := b.slot.Load(); cur != nil {
		return cur.Command.Sequence
	}
	return 0
}

// Reset clears the slot at session teardown so no intent crosses
// session boundaries.
func (b *Buffer) Reset() {
	b.slot.Store(nil)
}
