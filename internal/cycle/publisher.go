package cycle

import (
	"sync/atomic"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

// Publisher retains the newest state sample for observers and hands
// each cycle's sample to the link transmitter through a depth-one
// latest-wins outbox. Publishing never blocks the cyclic task: when
// the transmitter falls behind, stale samples are replaced, because a
// real-time observer always wants the newest reading rather than a
// backlog.
type Publisher struct {
	latest    atomic.Pointer[motion.State]
	outbox    chan motion.State
	published atomic.Uint64
}

// NewPublisher returns an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{outbox: make(chan motion.State, 1)}
}

// Publish records st as the newest sample. Called from the cyclic
// domain exactly once per cycle.
func (p *Publisher) Publish(st motion.State) {
	p.latest.Store(&st)
	p.published.Add(1)

	select {
	case p.outbox <- st:
	default:
		// Transmitter behind: replace the stale sample.
		select {
		case <-p.outbox:
		default:
		}
		select {
		case p.outbox <- st:
		default:
		}
	}
}

// Latest returns the newest sample, false before the first cycle.
func (p *Publisher) Latest() (motion.State, bool) {
	cur := p.latest.Load()
	if cur == nil {
		return motion.State{}, false
	}
	return *cur, true
}

// Outbox is the per-cycle sample feed for the link transmitter.
func (p *Publisher) Outbox() <-chan motion.State {
	return p.outbox
}

// Published returns the total number of samples published.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}
