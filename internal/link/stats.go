package link

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats observes link events. Implementations are called from the
// network goroutines and must not block; the default is a no-op.
type Stats interface {
	AddMalformed()
	AddAdmitted()
	AddStale()
	AddRejected()
	AddStateSent()
	SessionStarted(info SessionInfo)
	SessionEnded(sum Summary)
}

type noopStats struct{}

func (noopStats) AddMalformed()              {}
func (noopStats) AddAdmitted()               {}
func (noopStats) AddStale()                  {}
func (noopStats) AddRejected()               {}
func (noopStats) AddStateSent()              {}
func (noopStats) SessionStarted(SessionInfo) {}
func (noopStats) SessionEnded(Summary)       {}

// Counters is a Stats implementation backed by atomics, suitable for
// the monitor API. Session start/end events are forwarded to an
// optional sink for persistence.
type Counters struct {
	malformed  atomic.Uint64
	admitted   atomic.Uint64
	stale      atomic.Uint64
	rejected   atomic.Uint64
	statesSent atomic.Uint64

	mu      sync.Mutex
	current *SessionInfo

	// OnSessionStarted and OnSessionEnded run on network goroutines;
	// they must hand off rather than block.
	OnSessionStarted func(info SessionInfo)
	OnSessionEnded   func(sum Summary)
}

var _ Stats = (*Counters)(nil)

func (c *Counters) AddMalformed()  { c.malformed.Add(1) }
func (c *Counters) AddAdmitted()   { c.admitted.Add(1) }
func (c *Counters) AddStale()      { c.stale.Add(1) }
func (c *Counters) AddRejected()   { c.rejected.Add(1) }
func (c *Counters) AddStateSent()  { c.statesSent.Add(1) }

func (c *Counters) SessionStarted(info SessionInfo) {
	c.mu.Lock()
	c.current = &info
	c.mu.Unlock()
	if c.OnSessionStarted != nil {
		c.OnSessionStarted(info)
	}
}

func (c *Counters) SessionEnded(sum Summary) {
	c.mu.Lock()
	if c.current != nil && c.current.ID == sum.Info.ID {
		c.current = nil
	}
	c.mu.Unlock()
	if c.OnSessionEnded != nil {
		c.OnSessionEnded(sum)
	}
}

// Current returns the active session, if any.
func (c *Counters) Current() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return SessionInfo{}, false
	}
	return *c.current, true
}

// CounterSnapshot is a point-in-time copy of the counters.
type CounterSnapshot struct {
	Malformed  uint64 `json:"frames_malformed"`
	Admitted   uint64 `json:"commands_admitted"`
	Stale      uint64 `json:"commands_stale"`
	Rejected   uint64 `json:"commands_rejected"`
	StatesSent uint64 `json:"states_sent"`
}

// Snapshot copies the counters. Safe from any goroutine.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Malformed:  c.malformed.Load(),
		Admitted:   c.admitted.Load(),
		Stale:      c.stale.Load(),
		Rejected:   c.rejected.Load(),
		StatesSent: c.statesSent.Load(),
	}
}

// SessionInfo identifies an established session.
type SessionInfo struct {
	ID         string        `json:"id"`
	Remote     string        `json:"remote"`
	Transport  string        `json:"transport"`
	ClientName string        `json:"client_name"`
	Proposed   time.Duration `json:"proposed_period_ns"`
	Period     time.Duration `json:"period_ns"`
	StartedAt  time.Time     `json:"started_at"`
}

// Summary describes a finished session.
type Summary struct {
	Info       SessionInfo `json:"info"`
	EndedAt    time.Time   `json:"ended_at"`
	EndReason  string      `json:"end_reason"`
	Admitted   uint64      `json:"commands_admitted"`
	Stale      uint64      `json:"commands_stale"`
	Malformed  uint64      `json:"frames_malformed"`
	Rejected   uint64      `json:"commands_rejected"`
	StatesSent uint64      `json:"states_sent"`
}
