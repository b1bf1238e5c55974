package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arcline-robotics/motionlink/internal/cycle"
	"github.com/arcline-robotics/motionlink/internal/monitoring"
	"github.com/arcline-robotics/motionlink/internal/motion"
	"github.com/arcline-robotics/motionlink/internal/wire"
)

// ErrHandshakeTimeout means no complete HELLO arrived within the
// handshake window. The client recovers by retrying the handshake.
var ErrHandshakeTimeout = errors.New("handshake timeout")

// MinHandshakeTimeout floors the handshake window so very short cycle
// periods still leave room for one network round trip.
const MinHandshakeTimeout = 250 * time.Millisecond

// HandshakeCycles is the default handshake window in controller
// cycles.
const HandshakeCycles = 3

// ServerConfig assembles a controller-side Server.
type ServerConfig struct {
	// Runtime is the cyclic task the server admits commands into and
	// reads state samples from.
	Runtime *cycle.Runtime

	// ControllerName is reported in HELLO_ACK, truncated to the wire
	// field width.
	ControllerName string

	// HandshakeTimeout bounds the wait for a HELLO on a fresh
	// connection. Zero takes HandshakeCycles × cycle period, floored
	// at MinHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Stats observes link events; nil is a no-op.
	Stats Stats
}

// Server is the controller-side link manager: it owns the listening
// socket, performs the handshake, admits commands into the cyclic
// runtime and transmits one state frame per cycle. At most one
// session is active at a time; concurrent handshakes are refused with
// BYE(busy).
type Server struct {
	rt        *cycle.Runtime
	name      string
	hsTimeout time.Duration
	stats     Stats

	// busy gates the single active session.
	busy atomic.Bool
}

// NewServer validates cfg and builds a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("link server requires a cyclic runtime")
	}
	hs := cfg.HandshakeTimeout
	if hs <= 0 {
		hs = HandshakeCycles * cfg.Runtime.Period()
		if hs < MinHandshakeTimeout {
			hs = MinHandshakeTimeout
		}
	}
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	return &Server{
		rt:        cfg.Runtime,
		name:      cfg.ControllerName,
		hsTimeout: hs,
		stats:     stats,
	}, nil
}

// ListenAndServe accepts TCP control connections on addr until ctx
// ends. Each connection carries at most one session.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()
	log.Printf("link server listening on %s (cycle %v, handshake window %v)",
		ln.Addr(), s.rt.Period(), s.hsTimeout)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Print("link server stopping")
				return ctx.Err()
			}
			log.Printf("link accept error: %v", err)
			continue
		}
		go s.ServeConn(ctx, NewNetConn(c))
	}
}

// ServeSerial serves handshakes on a serial control link until ctx
// ends. Unlike a TCP connection the port survives session teardown, so
// the next handshake reuses it.
func (s *Server) ServeSerial(ctx context.Context, device string, opts PortOptions) error {
	conn, err := OpenSerial(device, opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("link server on %s (cycle %v)", conn.RemoteDescription(), s.rt.Period())

	// One reader for the lifetime of the port: a frame split by a
	// deadline expiry must not desync the handshakes after it.
	fr := wire.NewStreamReader(conn)
	for ctx.Err() == nil {
		if err := s.serveSession(ctx, conn, fr); err != nil {
			if errors.Is(err, ErrHandshakeTimeout) {
				continue
			}
			return err
		}
	}
	return ctx.Err()
}

// ServeConn runs at most one session on conn and closes it.
func (s *Server) ServeConn(ctx context.Context, conn Conn) {
	defer conn.Close()
	if err := s.serveSession(ctx, conn, wire.NewStreamReader(conn)); err != nil &&
		!errors.Is(err, ErrHandshakeTimeout) && !errors.Is(err, io.EOF) {
		log.Printf("link session on %s: %v", conn.RemoteDescription(), err)
	}
}

// serveSession performs one handshake and, on success, runs the
// session until teardown. It never closes conn. fr is the connection's
// frame reader; it carries partial-frame state across deadline
// renewals, so the same reader must be used for every read on conn.
func (s *Server) serveSession(ctx context.Context, conn Conn, fr *wire.StreamReader) error {
	conn.SetReadDeadline(time.Now().Add(s.hsTimeout))
	f, err := fr.Next()
	if err != nil {
		if IsTimeout(err) {
			return ErrHandshakeTimeout
		}
		if errors.Is(err, wire.ErrMalformedFrame) {
			s.stats.AddMalformed()
			s.sendBye(conn, wire.ByeProtocol, "malformed handshake frame")
			return fmt.Errorf("handshake: %w", err)
		}
		return err
	}
	if f.Type != wire.TypeHello {
		s.sendBye(conn, wire.ByeProtocol, fmt.Sprintf("expected HELLO, got %s", f.Type))
		return fmt.Errorf("handshake: first frame %s, want HELLO", f.Type)
	}
	hello, err := wire.DecodeHello(f)
	if err != nil {
		s.stats.AddMalformed()
		s.sendBye(conn, wire.ByeProtocol, "bad HELLO payload")
		return fmt.Errorf("handshake: %w", err)
	}
	if hello.Version != wire.ProtocolVersion {
		s.sendBye(conn, wire.ByeProtocol,
			fmt.Sprintf("protocol version %d, want %d", hello.Version, wire.ProtocolVersion))
		return fmt.Errorf("handshake: protocol version %d, want %d", hello.Version, wire.ProtocolVersion)
	}

	// A second concurrent handshake must not disturb the active
	// session.
	if !s.busy.CompareAndSwap(false, true) {
		s.sendBye(conn, wire.ByeBusy, "another session is active")
		return errors.New("handshake refused: session busy")
	}
	defer s.busy.Store(false)

	id := uuid.New()
	period := s.rt.Period()
	ack := wire.HelloAck{
		Version:       wire.ProtocolVersion,
		Period:        period,
		Nonce:         hello.Nonce,
		SessionID:     id,
		WatchdogLimit: uint16(s.rt.Watchdog().Limit()),
		AxisCount:     motion.AxisCount,
		Controller:    s.name,
	}
	buf, err := wire.EncodeHelloAck(ack, 0)
	if err != nil {
		return fmt.Errorf("encode HELLO_ACK: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(s.hsTimeout))
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("send HELLO_ACK: %w", err)
	}

	info := SessionInfo{
		ID:         id.String(),
		Remote:     conn.RemoteDescription(),
		Transport:  transportName(conn),
		ClientName: hello.ClientName,
		Proposed:   hello.ProposedPeriod,
		Period:     period,
		StartedAt:  time.Now(),
	}
	if hello.ProposedPeriod != period {
		log.Printf("session %s: client %q proposed cycle %v, enforcing %v",
			info.ID, info.ClientName, hello.ProposedPeriod, period)
	}
	log.Printf("session %s established with %q on %s", info.ID, info.ClientName, info.Remote)

	s.rt.SessionUp()
	s.stats.SessionStarted(info)

	sess := &session{server: s, conn: conn, fr: fr, info: info}
	reason := sess.run(ctx)
	s.rt.SessionDown()

	sum := sess.summary(reason)
	s.stats.SessionEnded(sum)
	log.Printf("session %s ended (%s): admitted=%d stale=%d malformed=%d rejected=%d states=%d",
		info.ID, reason, sum.Admitted, sum.Stale, sum.Malformed, sum.Rejected, sum.StatesSent)
	return nil
}

func (s *Server) sendBye(conn Conn, reason wire.ByeReason, detail string) {
	buf, err := wire.EncodeBye(wire.Bye{Reason: reason, Detail: detail}, 0)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write(buf)
}

func transportName(conn Conn) string {
	if _, ok := conn.(*serialConn); ok {
		return "serial"
	}
	return "tcp"
}

// session is one established control session: a reader loop admitting
// commands and a transmitter sending the cyclic runtime's state
// samples.
type session struct {
	server *Server
	conn   Conn
	fr     *wire.StreamReader
	info   SessionInfo

	admitted   atomic.Uint64
	stale      atomic.Uint64
	malformed  atomic.Uint64
	rejected   atomic.Uint64
	statesSent atomic.Uint64

	// wmu serializes frame writes between the reader (BYE) and the
	// transmitter (STATE) so frames never interleave on the wire.
	wmu sync.Mutex

	endOnce   sync.Once
	endReason string
	done      chan struct{}
}

// end records the first teardown reason and releases both loops.
func (ss *session) end(reason string) {
	ss.endOnce.Do(func() {
		ss.endReason = reason
		close(ss.done)
	})
}

func (ss *session) ended() bool {
	select {
	case <-ss.done:
		return true
	default:
		return false
	}
}

// run drives the session until teardown and returns the reason.
func (ss *session) run(ctx context.Context) string {
	ss.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ss.transmit(ctx)
	}()

	ss.read(ctx)
	wg.Wait()
	return ss.endReason
}

// read decodes inbound frames until teardown. Read deadlines are one
// cycle period so a close or watchdog trip is observed within a
// cycle; a frame straddling the deadline resumes on the next pass.
func (ss *session) read(ctx context.Context) {
	period := ss.server.rt.Period()
	for {
		if ctx.Err() != nil {
			ss.sendByeLocked(wire.ByeShutdown, "controller shutting down")
			ss.end("controller shutdown")
			return
		}
		if ss.ended() {
			return
		}

		ss.conn.SetReadDeadline(time.Now().Add(period))
		f, err := ss.fr.Next()
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if errors.Is(err, wire.ErrMalformedFrame) {
				// Dropped, counted, never partially applied.
				ss.malformed.Add(1)
				ss.server.stats.AddMalformed()
				continue
			}
			ss.end("connection lost")
			return
		}

		switch f.Type {
		case wire.TypeCommand:
			ss.admitCommand(f)
		case wire.TypeBye:
			bye, err := wire.DecodeBye(f)
			if err != nil {
				ss.malformed.Add(1)
				ss.server.stats.AddMalformed()
				continue
			}
			ss.end("client bye: " + bye.Reason.String())
			return
		default:
			// HELLO mid-session or a stray HELLO_ACK/STATE is a
			// protocol violation.
			ss.sendByeLocked(wire.ByeProtocol, fmt.Sprintf("unexpected %s frame", f.Type))
			ss.end(fmt.Sprintf("protocol error: unexpected %s", f.Type))
			return
		}
	}
}

// admitCommand runs the admission pipeline for one structurally valid
// CMD frame.
func (ss *session) admitCommand(f wire.Frame) {
	cmd, err := wire.DecodeCommand(f)
	if err != nil {
		ss.malformed.Add(1)
		ss.server.stats.AddMalformed()
		return
	}

	switch err := ss.server.rt.Admit(cmd, time.Now()); {
	case err == nil:
		ss.admitted.Add(1)
		ss.server.stats.AddAdmitted()
	case errors.Is(err, cycle.ErrStaleCommand):
		// Not a fault: the slot already holds a newer intent.
		ss.stale.Add(1)
		ss.server.stats.AddStale()
		monitoring.Logf("session %s: stale command seq %d dropped", ss.info.ID, cmd.Sequence)
	case errors.Is(err, motion.ErrCommandRejectedUnsafe):
		ss.rejected.Add(1)
		ss.server.stats.AddRejected()
		monitoring.Logf("session %s: %v", ss.info.ID, err)
	case errors.Is(err, cycle.ErrSafeStopped):
		ss.rejected.Add(1)
		ss.server.stats.AddRejected()
	default:
		monitoring.Logf("session %s: admit seq %d: %v", ss.info.ID, cmd.Sequence, err)
	}
}

// transmit sends exactly the state samples the cyclic runtime
// publishes, one frame per cycle, and tears the session down when the
// watchdog trips.
func (ss *session) transmit(ctx context.Context) {
	period := ss.server.rt.Period()
	pub := ss.server.rt.Publisher()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ss.done:
			return
		case <-ss.server.rt.TripC():
			ss.sendByeLocked(wire.ByeWatchdog, "command arrival watchdog tripped")
			ss.end("watchdog safe stop")
			return
		case st := <-pub.Outbox():
			buf, err := wire.EncodeState(st)
			if err != nil {
				log.Printf("session %s: encode state: %v", ss.info.ID, err)
				continue
			}
			ss.wmu.Lock()
			ss.conn.SetWriteDeadline(time.Now().Add(2 * period))
			_, err = ss.conn.Write(buf)
			ss.wmu.Unlock()
			if err != nil {
				if !IsTimeout(err) {
					ss.end("connection lost")
					return
				}
				continue
			}
			ss.statesSent.Add(1)
			ss.server.stats.AddStateSent()
		}
	}
}

func (ss *session) sendByeLocked(reason wire.ByeReason, detail string) {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	ss.server.sendBye(ss.conn, reason, detail)
}

func (ss *session) summary(reason string) Summary {
	return Summary{
		Info:       ss.info,
		EndedAt:    time.Now(),
		EndReason:  reason,
		Admitted:   ss.admitted.Load(),
		Stale:      ss.stale.Load(),
		Malformed:  ss.malformed.Load(),
		Rejected:   ss.rejected.Load(),
		StatesSent: ss.statesSent.Load(),
	}
}
