// Package bridge is the host-side half of the control link: it dials a
// robot controller, performs the cycle-locked handshake and exposes a
// non-blocking command/state API to the controlling application. No
// motion planning lives here; the bridge only moves already-computed
// targets across the network boundary and reports what came back.
package bridge

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/arcline-robotics/motionlink/internal/link"
	"github.com/arcline-robotics/motionlink/internal/motion"
	"github.com/arcline-robotics/motionlink/internal/wire"
)

// Sentinel errors surfaced to the controlling application. The core
// never retries on its behalf; a fresh submission or reconnect is the
// application's decision.
var (
	// ErrHandshakeTimeout means no session was established within the
	// handshake window. Recoverable by calling Connect again.
	ErrHandshakeTimeout = link.ErrHandshakeTimeout

	// ErrLinkDown means the session is gone: the controller said BYE,
	// the connection dropped, or the host-side watchdog stopped
	// trusting the link.
	ErrLinkDown = errors.New("link down")

	// ErrNoStateYet means no state packet has arrived in this session.
	ErrNoStateYet = errors.New("no state received yet")

	// ErrStaleCommand rejects an explicit-sequence submission that
	// does not supersede what was already sent.
	ErrStaleCommand = errors.New("stale command: sequence already superseded")
)

// Config describes how to reach a controller. Exactly one of Addr or
// SerialDevice must be set.
type Config struct {
	// Addr is the controller's TCP address, e.g. "10.0.0.5:7000".
	Addr string

	// SerialDevice selects a serial control link instead of TCP.
	SerialDevice string
	Serial       link.PortOptions

	// ProposedPeriod is the cycle period offered in HELLO. Advisory:
	// the controller's enforced period comes back in the ack and wins.
	ProposedPeriod time.Duration

	// ClientName identifies this host in the handshake, truncated to
	// the wire field width.
	ClientName string

	// DialTimeout bounds the TCP dial. Zero means 5 s.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the wait for HELLO_ACK. Zero means
	// 3 × ProposedPeriod, floored at link.MinHandshakeTimeout.
	HandshakeTimeout time.Duration

	// MissLimit overrides the host-side liveness watchdog threshold.
	// Zero adopts the controller's limit from the ack.
	MissLimit int
}

func (c Config) withDefaults() (Config, error) {
	if (c.Addr == "") == (c.SerialDevice == "") {
		return c, errors.New("config: exactly one of Addr or SerialDevice required")
	}
	if c.ProposedPeriod <= 0 {
		c.ProposedPeriod = 12 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = link.HandshakeCycles * c.ProposedPeriod
		if c.HandshakeTimeout < link.MinHandshakeTimeout {
			c.HandshakeTimeout = link.MinHandshakeTimeout
		}
	}
	if c.ClientName == "" {
		c.ClientName = "motionlink-bridge"
	}
	return c, nil
}

// Connect dials the controller, performs the handshake and starts the
// session goroutines. The returned Link is live until Disconnect or a
// link fault.
func Connect(cfg Config) (*Link, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	var conn link.Conn
	if cfg.SerialDevice != "" {
		conn, err = link.OpenSerial(cfg.SerialDevice, cfg.Serial)
	} else {
		conn, err = link.DialTCP(cfg.Addr, cfg.DialTimeout)
	}
	if err != nil {
		return nil, err
	}

	// The frame reader buffers a partially read frame across deadline
	// renewals, so the one created for the handshake stays with the
	// session.
	fr := wire.NewStreamReader(conn)
	ack, err := handshake(conn, fr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	missLimit := cfg.MissLimit
	if missLimit <= 0 {
		missLimit = int(ack.WatchdogLimit)
	}
	l := newLink(conn, fr, cfg, ack, missLimit)
	l.start()
	return l, nil
}

// handshake sends HELLO and waits for a matching HELLO_ACK within the
// handshake window.
func handshake(conn link.Conn, fr *wire.StreamReader, cfg Config) (wire.HelloAck, error) {
	nonce, err := randomNonce()
	if err != nil {
		return wire.HelloAck{}, err
	}
	buf, err := wire.EncodeHello(wire.Hello{
		Version:        wire.ProtocolVersion,
		ProposedPeriod: cfg.ProposedPeriod,
		Nonce:          nonce,
		ClientName:     cfg.ClientName,
	}, 0)
	if err != nil {
		return wire.HelloAck{}, err
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(buf); err != nil {
		return wire.HelloAck{}, fmt.Errorf("send HELLO: %w", err)
	}

	for {
		conn.SetReadDeadline(deadline)
		f, err := fr.Next()
		if err != nil {
			if link.IsTimeout(err) {
				return wire.HelloAck{}, ErrHandshakeTimeout
			}
			if errors.Is(err, wire.ErrMalformedFrame) {
				// Noise on the line; keep waiting within the window.
				continue
			}
			return wire.HelloAck{}, fmt.Errorf("handshake: %w", err)
		}

		switch f.Type {
		case wire.TypeHelloAck:
			ack, err := wire.DecodeHelloAck(f)
			if err != nil {
				return wire.HelloAck{}, fmt.Errorf("handshake: %w", err)
			}
			if ack.Nonce != nonce {
				return wire.HelloAck{}, fmt.Errorf("handshake: nonce mismatch")
			}
			if ack.Version != wire.ProtocolVersion {
				return wire.HelloAck{}, fmt.Errorf("handshake: protocol version %d, want %d",
					ack.Version, wire.ProtocolVersion)
			}
			if ack.Period <= 0 {
				return wire.HelloAck{}, fmt.Errorf("handshake: controller enforced period %v", ack.Period)
			}
			return ack, nil
		case wire.TypeBye:
			bye, err := wire.DecodeBye(f)
			if err != nil {
				return wire.HelloAck{}, fmt.Errorf("handshake: %w", err)
			}
			return wire.HelloAck{}, fmt.Errorf("handshake refused: %s", bye.Reason)
		default:
			// A STATE frame left over from a previous session on a
			// serial line; skip it.
			continue
		}
	}
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("handshake nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Options refine a SendCommand call. The zero value is an absolute
// joint-space move at the controller's default speed.
type Options struct {
	// Space selects joint or cartesian interpretation of the target.
	Space motion.Space

	// Relative makes the target an offset from the current position.
	Relative bool

	// Speed is the override as a fraction of rated speed in (0, 1];
	// zero keeps the controller default.
	Speed float64
}
