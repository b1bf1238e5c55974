package link

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcline-robotics/motionlink/internal/cycle"
	"github.com/arcline-robotics/motionlink/internal/motion"
	"github.com/arcline-robotics/motionlink/internal/wire"
)

const testPeriod = 8 * time.Millisecond

func newTestServer(t *testing.T, missLimit int) (*Server, *cycle.Runtime, *Counters) {
	t.Helper()
	rt, err := cycle.NewRuntime(cycle.Config{
		Period:    testPeriod,
		Executor:  cycle.NewSimExecutor(cycle.SimConfig{Period: testPeriod}),
		MissLimit: missLimit,
	})
	require.NoError(t, err)

	counters := &Counters{}
	srv, err := NewServer(ServerConfig{
		Runtime:        rt,
		ControllerName: "test-controller",
		Stats:          counters,
	})
	require.NoError(t, err)
	return srv, rt, counters
}

// startSession runs serveSession on a pipe and returns the client end.
func startSession(t *testing.T, srv *Server) (net.Conn, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(ctx, NewNetConn(server))
	}()
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return client, cancel, done
}

func sendHello(t *testing.T, conn net.Conn, proposed time.Duration) wire.HelloAck {
	t.Helper()
	buf, err := wire.EncodeHello(wire.Hello{
		Version:        wire.ProtocolVersion,
		ProposedPeriod: proposed,
		Nonce:          42,
		ClientName:     "test-client",
	}, 0)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.TypeHelloAck, f.Type)
	ack, err := wire.DecodeHelloAck(f)
	require.NoError(t, err)
	return ack
}

func sendCommand(t *testing.T, conn net.Conn, seq uint32) {
	t.Helper()
	buf, err := wire.EncodeCommand(motion.Command{
		Sequence: seq,
		Kind:     motion.KindMoveAbsolute,
		Space:    motion.SpaceJoint,
		Target:   motion.JointVector{float64(seq)},
	})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

// The controller's cycle period is authoritative: a 4 ms proposal
// against an 8 ms controller yields an 8 ms session.
func TestHandshakeControllerPeriodAuthoritative(t *testing.T) {
	t.Parallel()

	srv, rt, _ := newTestServer(t, 5)
	client, _, _ := startSession(t, srv)

	ack := sendHello(t, client, 4*time.Millisecond)
	assert.Equal(t, testPeriod, ack.Period)
	assert.Equal(t, uint64(42), ack.Nonce)
	assert.Equal(t, uint16(5), ack.WatchdogLimit)
	assert.Equal(t, uint16(motion.AxisCount), ack.AxisCount)
	assert.Equal(t, "test-controller", ack.Controller)
	assert.True(t, rt.SessionActive())
}

func TestHandshakeRejectsNonHelloFirstFrame(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, 5)
	client, _, done := startSession(t, srv)

	sendCommand(t, client, 1)

	client.SetReadDeadline(time.Now().Add(time.Second))
	f, err := wire.ReadFrame(client)
	require.NoError(t, err)
	require.Equal(t, wire.TypeBye, f.Type)
	bye, err := wire.DecodeBye(f)
	require.NoError(t, err)
	assert.Equal(t, wire.ByeProtocol, bye.Reason)

	<-done
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()

	rt, err := cycle.NewRuntime(cycle.Config{
		Period:   testPeriod,
		Executor: cycle.NewSimExecutor(cycle.SimConfig{}),
	})
	require.NoError(t, err)
	srv, err := NewServer(ServerConfig{
		Runtime:          rt,
		HandshakeTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		conn := NewNetConn(server)
		errc <- srv.serveSession(context.Background(), conn, wire.NewStreamReader(conn))
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrHandshakeTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not time out")
	}
}

// A second handshake while a session is active is refused with
// BYE(busy) and leaves the first session untouched.
func TestSecondHandshakeRefusedBusy(t *testing.T) {
	t.Parallel()

	srv, rt, _ := newTestServer(t, 5)
	first, _, _ := startSession(t, srv)
	sendHello(t, first, testPeriod)
	require.True(t, rt.SessionActive())

	second, _, secondDone := startSession(t, srv)
	buf, err := wire.EncodeHello(wire.Hello{
		Version: wire.ProtocolVersion,
		Nonce:   7,
	}, 0)
	require.NoError(t, err)
	_, err = second.Write(buf)
	require.NoError(t, err)

	second.SetReadDeadline(time.Now().Add(time.Second))
	f, err := wire.ReadFrame(second)
	require.NoError(t, err)
	require.Equal(t, wire.TypeBye, f.Type)
	bye, err := wire.DecodeBye(f)
	require.NoError(t, err)
	assert.Equal(t, wire.ByeBusy, bye.Reason)

	<-secondDone
	assert.True(t, rt.SessionActive())
}

// Sequences 1,2,3 then a late 2: the buffer holds 3 and the late send
// is counted stale.
func TestCommandAdmissionAndStale(t *testing.T) {
	t.Parallel()

	srv, rt, counters := newTestServer(t, 5)
	client, _, _ := startSession(t, srv)
	sendHello(t, client, testPeriod)

	for _, seq := range []uint32{1, 2, 3} {
		sendCommand(t, client, seq)
	}
	require.Eventually(t, func() bool {
		return rt.Buffer().LastSequence() == 3
	}, time.Second, time.Millisecond)

	sendCommand(t, client, 2)
	require.Eventually(t, func() bool {
		return counters.Snapshot().Stale == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, uint32(3), rt.Buffer().LastSequence())
	assert.Equal(t, uint64(3), counters.Snapshot().Admitted)
}

// A corrupted frame is dropped and counted, never admitted.
func TestMalformedFrameNeverAdmitted(t *testing.T) {
	t.Parallel()

	srv, rt, counters := newTestServer(t, 5)
	client, _, _ := startSession(t, srv)
	sendHello(t, client, testPeriod)

	buf, err := wire.EncodeCommand(motion.Command{
		Sequence: 9,
		Kind:     motion.KindMoveAbsolute,
		Space:    motion.SpaceJoint,
	})
	require.NoError(t, err)
	buf[20] ^= 0xFF
	_, err = client.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return counters.Snapshot().Malformed == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint32(0), rt.Buffer().LastSequence())
}

// A command frame that straddles the per-cycle read deadline is still
// admitted once complete; losing the bytes read before the expiry
// would misalign every frame after it.
func TestCommandStraddlingReadDeadlineAdmitted(t *testing.T) {
	t.Parallel()

	srv, rt, counters := newTestServer(t, 100)
	client, _, _ := startSession(t, srv)
	sendHello(t, client, testPeriod)

	buf, err := wire.EncodeCommand(motion.Command{
		Sequence: 1,
		Kind:     motion.KindMoveAbsolute,
		Space:    motion.SpaceJoint,
		Target:   motion.JointVector{15},
	})
	require.NoError(t, err)

	// First half, then silence for several read deadlines, then the
	// rest of the frame and a complete follow-up.
	_, err = client.Write(buf[:100])
	require.NoError(t, err)
	time.Sleep(3 * testPeriod)
	_, err = client.Write(buf[100:])
	require.NoError(t, err)
	sendCommand(t, client, 2)

	require.Eventually(t, func() bool {
		return rt.Buffer().LastSequence() == 2
	}, time.Second, time.Millisecond)
	snap := counters.Snapshot()
	assert.Equal(t, uint64(2), snap.Admitted)
	assert.Equal(t, uint64(0), snap.Malformed)
}

// Every cycle the runtime executes while a session is up produces one
// STATE frame on the wire, command traffic or not.
func TestStateTransmittedPerCycle(t *testing.T) {
	t.Parallel()

	srv, rt, _ := newTestServer(t, 100)
	client, _, _ := startSession(t, srv)
	sendHello(t, client, testPeriod)

	now := time.Now()
	for i := 0; i < 3; i++ {
		now = now.Add(testPeriod)
		rt.Cycle(now)

		client.SetReadDeadline(time.Now().Add(time.Second))
		f, err := wire.ReadFrame(client)
		require.NoError(t, err)
		require.Equal(t, wire.TypeState, f.Type)
		st, err := wire.DecodeState(f)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), st.Cycle)
	}
}

func TestClientByeEndsSession(t *testing.T) {
	t.Parallel()

	srv, rt, counters := newTestServer(t, 5)

	var summary Summary
	ended := make(chan struct{})
	counters.OnSessionEnded = func(sum Summary) {
		summary = sum
		close(ended)
	}

	client, _, _ := startSession(t, srv)
	sendHello(t, client, testPeriod)
	sendCommand(t, client, 1)
	require.Eventually(t, func() bool {
		return rt.Buffer().LastSequence() == 1
	}, time.Second, time.Millisecond)

	buf, err := wire.EncodeBye(wire.Bye{Reason: wire.ByeClientRequest}, 0)
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on BYE")
	}
	assert.Contains(t, summary.EndReason, "client")
	assert.Equal(t, uint64(1), summary.Admitted)
	assert.False(t, rt.SessionActive())

	// Buffer cleared at teardown: no intent crosses sessions.
	_, ok := rt.Buffer().Latest()
	assert.False(t, ok)
}

// Link silence trips the watchdog within the miss limit; the server
// sends BYE(watchdog) and refuses admission until a new handshake.
func TestWatchdogSilenceSafeStopsAndTearsDown(t *testing.T) {
	t.Parallel()

	srv, rt, _ := newTestServer(t, 5)
	client, _, _ := startSession(t, srv)
	sendHello(t, client, testPeriod)

	// Drain STATE frames so the pipe never backs up, and catch the
	// BYE when the watchdog trips.
	byeC := make(chan wire.Bye, 1)
	go func() {
		for {
			client.SetReadDeadline(time.Now().Add(2 * time.Second))
			f, err := wire.ReadFrame(client)
			if err != nil {
				return
			}
			if f.Type == wire.TypeBye {
				if bye, err := wire.DecodeBye(f); err == nil {
					byeC <- bye
				}
				return
			}
		}
	}()

	now := time.Now()
	for i := 0; i < 6; i++ {
		now = now.Add(testPeriod)
		rt.Cycle(now)
	}
	assert.Equal(t, motion.LinkSafeStopped, rt.Watchdog().State())

	select {
	case bye := <-byeC:
		assert.Equal(t, wire.ByeWatchdog, bye.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no BYE(watchdog) received")
	}

	require.Eventually(t, func() bool {
		return !rt.SessionActive()
	}, time.Second, time.Millisecond)
}

func TestPortOptionsNormalize(t *testing.T) {
	t.Parallel()

	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, defaultBaudRate, opts.BaudRate)
	assert.Equal(t, 8, opts.DataBits)

	_, err = PortOptions{BaudRate: 300}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "X"}.Normalize()
	assert.Error(t, err)
}
