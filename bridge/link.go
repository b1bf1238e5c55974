package bridge

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcline-robotics/motionlink/internal/cycle"
	"github.com/arcline-robotics/motionlink/internal/link"
	"github.com/arcline-robotics/motionlink/internal/motion"
	"github.com/arcline-robotics/motionlink/internal/wire"
)

// rttAlpha is the smoothing factor of the round-trip EWMA.
const rttAlpha = 0.125

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls further behind loses the oldest samples, never blocks the
// receive loop.
const subscriberBuffer = 16

// SessionInfo describes the established session and its health, as
// seen from the host.
type SessionInfo struct {
	ID         string        `json:"id"`
	Controller string        `json:"controller"`
	Remote     string        `json:"remote"`
	Proposed   time.Duration `json:"proposed_period_ns"`
	Period     time.Duration `json:"period_ns"`
	AxisCount  int           `json:"axis_count"`
	MissLimit  int           `json:"miss_limit"`

	LastSent     uint32        `json:"last_sent_sequence"`
	LastAcked    uint32        `json:"last_acked_sequence"`
	StatesSeen   uint64        `json:"states_seen"`
	Malformed    uint64        `json:"frames_malformed"`
	RoundTrip    time.Duration `json:"round_trip_estimate_ns"`
	Link         string        `json:"link"`
	MissedCycles int           `json:"consecutive_missed_cycles"`
}

// Link is one live control session. All methods are safe for
// concurrent use; SendCommand never blocks on the network.
type Link struct {
	conn link.Conn
	fr   *wire.StreamReader
	cfg  Config
	ack  wire.HelloAck

	// seq and intent are guarded by mu. The sender goroutine owns all
	// frame writes after the handshake except the final BYE.
	mu      sync.Mutex
	seq     uint32
	pending *motion.Command // newest unsent command
	intent  motion.Command  // last transmitted intent, keepalive source

	latest     atomic.Pointer[motion.State]
	lastAcked  atomic.Uint32
	lastSent   atomic.Uint32
	statesSeen atomic.Uint64
	malformed  atomic.Uint64

	// rttPending tracks the oldest unacknowledged send for the RTT
	// estimate.
	rttSeq   atomic.Uint32
	rttSent  atomic.Int64 // UnixNano
	rttNanos atomic.Int64 // EWMA

	wd *cycle.Watchdog

	subMu sync.Mutex
	subs  map[string]chan motion.State

	downOnce   sync.Once
	downReason error
	done       chan struct{}
	wg         sync.WaitGroup
}

func newLink(conn link.Conn, fr *wire.StreamReader, cfg Config, ack wire.HelloAck, missLimit int) *Link {
	l := &Link{
		conn: conn,
		fr:   fr,
		cfg:  cfg,
		ack:  ack,
		wd:   cycle.NewWatchdog(missLimit),
		subs: make(map[string]chan motion.State),
		done: make(chan struct{}),
	}
	// Until the application submits anything, the keepalive carries a
	// hold so the controller watchdog sees a live, idle client.
	l.intent = motion.Command{Kind: motion.KindHold, Space: motion.SpaceJoint}
	return l
}

func (l *Link) start() {
	l.wg.Add(2)
	go l.sender()
	go l.receiver()
}

// down marks the link dead exactly once and releases both loops.
func (l *Link) down(reason error) {
	l.downOnce.Do(func() {
		l.downReason = reason
		close(l.done)
		l.conn.Close()
		l.closeSubscribers()
	})
}

func (l *Link) isDown() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// sender paces transmission at the negotiated cycle period: the newest
// unsent command when one exists, otherwise a keepalive retransmission
// of the current intent under a fresh sequence so an idle application
// does not starve the controller watchdog. It also ticks the host-side
// liveness watchdog, one window per cycle.
func (l *Link) sender() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.ack.Period)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}

		if st := l.wd.Tick(); st == motion.LinkSafeStopped {
			log.Printf("bridge: no state for %d cycles, declaring link down", l.wd.Limit())
			l.down(ErrLinkDown)
			return
		}

		l.mu.Lock()
		var cmd motion.Command
		if l.pending != nil {
			cmd = *l.pending
			l.pending = nil
			l.intent = cmd
		} else {
			cmd = l.intent
			l.seq++
			cmd.Sequence = l.seq
			cmd.Origin = time.Now()
		}
		err := l.writeCommand(cmd)
		l.mu.Unlock()

		if err != nil {
			if link.IsTimeout(err) {
				continue
			}
			l.down(fmt.Errorf("%w: %v", ErrLinkDown, err))
			return
		}
	}
}

// writeCommand transmits cmd and updates the send-side trackers.
// Callers hold l.mu.
func (l *Link) writeCommand(cmd motion.Command) error {
	buf, err := wire.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	l.conn.SetWriteDeadline(time.Now().Add(2 * l.ack.Period))
	if _, err := l.conn.Write(buf); err != nil {
		return err
	}
	l.lastSent.Store(cmd.Sequence)
	// Start an RTT measurement if none is in flight.
	if l.rttSeq.Load() == 0 {
		l.rttSeq.Store(cmd.Sequence)
		l.rttSent.Store(time.Now().UnixNano())
	}
	return nil
}

// receiver decodes inbound frames and fans state out to the latest
// cell, the subscribers and the liveness watchdog. A frame split by
// the per-cycle read deadline resumes on the next pass instead of
// desyncing the stream.
func (l *Link) receiver() {
	defer l.wg.Done()
	for {
		if l.isDown() {
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(l.ack.Period))
		f, err := l.fr.Next()
		if err != nil {
			if link.IsTimeout(err) {
				continue
			}
			if errors.Is(err, wire.ErrMalformedFrame) {
				l.malformed.Add(1)
				continue
			}
			l.down(fmt.Errorf("%w: %v", ErrLinkDown, err))
			return
		}

		switch f.Type {
		case wire.TypeState:
			st, err := wire.DecodeState(f)
			if err != nil {
				l.malformed.Add(1)
				continue
			}
			l.handleState(st)
		case wire.TypeBye:
			bye, err := wire.DecodeBye(f)
			if err != nil {
				l.malformed.Add(1)
				continue
			}
			log.Printf("bridge: controller closed session: %s", bye.Reason)
			l.down(fmt.Errorf("%w: controller bye: %s", ErrLinkDown, bye.Reason))
			return
		default:
			l.malformed.Add(1)
		}
	}
}

func (l *Link) handleState(st motion.State) {
	l.wd.NoteArrival()
	l.statesSeen.Add(1)
	l.latest.Store(&st)
	l.lastAcked.Store(st.Sequence)

	// Close the in-flight RTT measurement once the controller echoes
	// a sequence at or beyond it. Keepalives advance sequences, so
	// "reached" is >=.
	if pending := l.rttSeq.Load(); pending != 0 && st.Sequence >= pending {
		sample := time.Now().UnixNano() - l.rttSent.Load()
		if prev := l.rttNanos.Load(); prev == 0 {
			l.rttNanos.Store(sample)
		} else {
			l.rttNanos.Store(int64(float64(prev)*(1-rttAlpha) + float64(sample)*rttAlpha))
		}
		l.rttSeq.Store(0)
	}

	l.subMu.Lock()
	for _, ch := range l.subs {
		select {
		case ch <- st:
		default:
			// Slow subscriber: drop the oldest, keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
	l.subMu.Unlock()
}

// SendCommand enqueues one command for transmission and returns the
// sequence number it will carry. Non-blocking: the admission outcome is
// observable via LatestState().Sequence reaching (>=) the returned
// sequence. Intermediate commands submitted faster than the cycle rate
// are coalesced; the controller executes the latest intent.
func (l *Link) SendCommand(target motion.JointVector, kind motion.Kind, opts Options) (uint32, error) {
	if l.isDown() {
		return 0, l.reason()
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("invalid command kind %d", uint8(kind))
	}

	cmd := motion.Command{
		Kind:   kind,
		Space:  opts.Space,
		Speed:  opts.Speed,
		Target: target,
		Origin: time.Now(),
	}
	if opts.Relative && kind == motion.KindMoveAbsolute {
		cmd.Kind = motion.KindMoveRelative
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	cmd.Sequence = l.seq
	l.pending = &cmd
	return cmd.Sequence, nil
}

// Submit transmits a fully-specified command with its explicit
// sequence number, for replay tooling. The sequence must supersede
// everything sent so far or ErrStaleCommand is returned.
func (l *Link) Submit(cmd motion.Command) error {
	if l.isDown() {
		return l.reason()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cmd.Sequence <= l.seq {
		return ErrStaleCommand
	}
	l.seq = cmd.Sequence
	l.intent = cmd
	l.pending = nil
	if err := l.writeCommand(cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
	return nil
}

// LatestState returns the newest state packet of this session.
func (l *Link) LatestState() (motion.State, error) {
	if st := l.latest.Load(); st != nil {
		return *st, nil
	}
	if l.isDown() {
		return motion.State{}, l.reason()
	}
	return motion.State{}, ErrNoStateYet
}

// Subscribe returns a buffered state stream and its id for
// Unsubscribe. Slow consumers lose old samples, never the newest. The
// channel closes when the link goes down.
func (l *Link) Subscribe() (string, <-chan motion.State) {
	id := randomID()
	ch := make(chan motion.State, subscriberBuffer)
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.isDown() {
		close(ch)
		return id, ch
	}
	l.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscription.
func (l *Link) Unsubscribe(id string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.subs[id]; ok {
		close(ch)
		delete(l.subs, id)
	}
}

func (l *Link) closeSubscribers() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
}

// WaitSequence blocks until the controller echoes a sequence at or
// beyond seq and returns that state.
func (l *Link) WaitSequence(ctx context.Context, seq uint32) (motion.State, error) {
	id, ch := l.Subscribe()
	defer l.Unsubscribe(id)

	if st := l.latest.Load(); st != nil && st.Sequence >= seq {
		return *st, nil
	}
	for {
		select {
		case <-ctx.Done():
			return motion.State{}, ctx.Err()
		case st, ok := <-ch:
			if !ok {
				return motion.State{}, l.reason()
			}
			if st.Sequence >= seq {
				return st, nil
			}
		}
	}
}

// WaitMotionDone blocks until every command sent so far has been
// echoed and the controller reports idle again.
func (l *Link) WaitMotionDone(ctx context.Context) (motion.State, error) {
	id, ch := l.Subscribe()
	defer l.Unsubscribe(id)

	// Capture the target once: keepalives keep advancing lastSent, so
	// comparing against the live counter would chase its own tail.
	target := l.lastSent.Load()
	if pending := l.pendingSequence(); pending > target {
		target = pending
	}
	check := func(st motion.State) bool {
		return st.Sequence >= target && st.Status == motion.StatusIdle
	}
	if st := l.latest.Load(); st != nil && check(*st) {
		return *st, nil
	}
	for {
		select {
		case <-ctx.Done():
			return motion.State{}, ctx.Err()
		case st, ok := <-ch:
			if !ok {
				return motion.State{}, l.reason()
			}
			if check(st) {
				return st, nil
			}
		}
	}
}

// pendingSequence returns the sequence of the newest unsent command,
// zero when none is queued.
func (l *Link) pendingSequence() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil {
		return l.pending.Sequence
	}
	return 0
}

// Session snapshots the session identity and health counters.
func (l *Link) Session() SessionInfo {
	info := SessionInfo{
		ID:           l.ack.SessionID.String(),
		Controller:   l.ack.Controller,
		Remote:       l.conn.RemoteDescription(),
		Proposed:     l.cfg.ProposedPeriod,
		Period:       l.ack.Period,
		AxisCount:    int(l.ack.AxisCount),
		MissLimit:    l.wd.Limit(),
		LastSent:     l.lastSent.Load(),
		LastAcked:    l.lastAcked.Load(),
		StatesSeen:   l.statesSeen.Load(),
		Malformed:    l.malformed.Load(),
		RoundTrip:    time.Duration(l.rttNanos.Load()),
		Link:         l.wd.State().String(),
		MissedCycles: l.wd.Misses(),
	}
	return info
}

// Down reports whether the session is gone, with the reason.
func (l *Link) Down() (bool, error) {
	if l.isDown() {
		return true, l.reason()
	}
	return false, nil
}

// Disconnect sends BYE, closes the connection and stops the session
// goroutines. Idempotent.
func (l *Link) Disconnect() error {
	l.downOnce.Do(func() {
		l.downReason = ErrLinkDown
		close(l.done)
		if buf, err := wire.EncodeBye(wire.Bye{
			Reason: wire.ByeClientRequest,
			Detail: "client disconnect",
		}, 0); err == nil {
			l.conn.SetWriteDeadline(time.Now().Add(time.Second))
			l.mu.Lock()
			l.conn.Write(buf)
			l.mu.Unlock()
		}
		l.conn.Close()
		l.closeSubscribers()
	})
	l.wg.Wait()
	return nil
}

func (l *Link) reason() error {
	select {
	case <-l.done:
		if l.downReason != nil {
			return l.downReason
		}
		return ErrLinkDown
	default:
		return nil
	}
}

// randomID generates a subscriber id (8 byte random hex encoded
// value).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}
