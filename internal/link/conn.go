// Package link implements the session/link manager: socket ownership,
// the cycle-locked handshake, command admission into the cyclic
// runtime, per-cycle state transmission and teardown. The Server is
// the controller side; the host side (package bridge) shares this
// package's transport layer.
package link

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// Conn is the transport the frame protocol runs over. net.Conn
// satisfies the deadline surface directly; the serial adapter maps
// deadlines onto port read timeouts.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteDescription() string
}

// timeoutError satisfies net.Error for transports without native
// deadline errors.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// IsTimeout reports whether err is a read/write deadline expiry on any
// transport.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

type tcpConn struct {
	net.Conn
}

func (c tcpConn) RemoteDescription() string {
	return c.Conn.RemoteAddr().String()
}

// NewNetConn wraps a stream connection (TCP or a test pipe) as a link
// transport.
func NewNetConn(c net.Conn) Conn {
	return tcpConn{Conn: c}
}

// DialTCP connects to a controller address within timeout.
func DialTCP(addr string, timeout time.Duration) (Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewNetConn(c), nil
}

// PortOptions configures a serial control link. Zero values take the
// defaults from Normalize.
type PortOptions struct {
	// BaudRate must comfortably exceed frame size × 10 bits × cycle
	// rate; the default suits cycle periods of a few milliseconds and
	// up.
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

const (
	defaultBaudRate = 460800
	defaultDataBits = 8
	defaultStopBits = 1
	defaultParity   = "N"
)

// Normalize fills defaults and validates the options.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate == 0 {
		o.BaudRate = defaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = defaultDataBits
	}
	if o.StopBits == 0 {
		o.StopBits = defaultStopBits
	}
	if o.Parity == "" {
		o.Parity = defaultParity
	}

	if o.BaudRate < 9600 {
		return o, fmt.Errorf("baud rate %d below minimum 9600", o.BaudRate)
	}
	if o.DataBits != 7 && o.DataBits != 8 {
		return o, fmt.Errorf("data bits %d, want 7 or 8", o.DataBits)
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("stop bits %d, want 1 or 2", o.StopBits)
	}
	switch o.Parity {
	case "N", "E", "O":
	default:
		return o, fmt.Errorf("parity %q, want N, E or O", o.Parity)
	}
	return o, nil
}

func (o PortOptions) mode() *serial.Mode {
	parity := serial.NoParity
	switch o.Parity {
	case "E":
		parity = serial.EvenParity
	case "O":
		parity = serial.OddParity
	}
	stop := serial.OneStopBit
	if o.StopBits == 2 {
		stop = serial.TwoStopBits
	}
	return &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		Parity:   parity,
		StopBits: stop,
	}
}

type serialConn struct {
	port   serial.Port
	device string
}

// OpenSerial opens a serial device as a link transport.
func OpenSerial(device string, opts PortOptions) (Conn, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, fmt.Errorf("serial options: %w", err)
	}
	port, err := serial.Open(device, opts.mode())
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}
	return &serialConn{port: port, device: device}, nil
}

func (c *serialConn) Read(p []byte) (int, error) {
	n, err := c.port.Read(p)
	if err != nil {
		return n, err
	}
	// The port signals a read timeout as a zero-byte success.
	if n == 0 {
		return 0, timeoutError{}
	}
	return n, nil
}

func (c *serialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	return c.port.Close()
}

func (c *serialConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return c.port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d <= 0 {
		d = time.Millisecond
	}
	return c.port.SetReadTimeout(d)
}

// SetWriteDeadline is a no-op: serial writes complete at line rate and
// the port has no write timeout control.
func (c *serialConn) SetWriteDeadline(time.Time) error { return nil }

func (c *serialConn) RemoteDescription() string {
	return "serial:" + c.device
}
