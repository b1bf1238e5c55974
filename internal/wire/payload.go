package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

// nameLen is the fixed width of the NUL-padded name and detail fields
// in handshake and teardown payloads.
const nameLen = 32

// Hello is the client's session proposal. The proposed period is
// advisory; the controller's enforced period comes back in HelloAck.
type Hello struct {
	Version        uint16
	ProposedPeriod time.Duration
	Nonce          uint64
	ClientName     string
}

// HelloAck is the controller's handshake reply. Period is the enforced
// control cycle; WatchdogLimit is the miss count that trips the
// safety stop, sent so the host can bound its own liveness window.
type HelloAck struct {
	Version       uint16
	Period        time.Duration
	Nonce         uint64
	SessionID     uuid.UUID
	WatchdogLimit uint16
	AxisCount     uint16
	Controller    string
}

// ByeReason explains a teardown.
type ByeReason uint8

const (
	ByeClientRequest ByeReason = 1
	ByeWatchdog      ByeReason = 2
	ByeShutdown      ByeReason = 3
	ByeBusy          ByeReason = 4
	ByeProtocol      ByeReason = 5
)

func (r ByeReason) String() string {
	switch r {
	case ByeClientRequest:
		return "client request"
	case ByeWatchdog:
		return "watchdog safe stop"
	case ByeShutdown:
		return "controller shutdown"
	case ByeBusy:
		return "session busy"
	case ByeProtocol:
		return "protocol error"
	default:
		return fmt.Sprintf("reason %d", uint8(r))
	}
}

// Bye announces teardown from either side.
type Bye struct {
	Reason ByeReason
	Detail string
}

func putName(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("string %q exceeds %d bytes", s, len(dst))
	}
	copy(dst, s)
	return nil
}

func getName(src []byte) string {
	return string(bytes.TrimRight(src, "\x00"))
}

func putPeriod(dst []byte, d time.Duration) error {
	us := d.Microseconds()
	if us < 0 || us > math.MaxUint32 {
		return fmt.Errorf("cycle period %v not encodable", d)
	}
	binary.BigEndian.PutUint32(dst, uint32(us))
	return nil
}

func getPeriod(src []byte) time.Duration {
	return time.Duration(binary.BigEndian.Uint32(src)) * time.Microsecond
}

func putTime(dst []byte, t time.Time) {
	if t.IsZero() {
		binary.BigEndian.PutUint64(dst, 0)
		return
	}
	binary.BigEndian.PutUint64(dst, uint64(t.UnixNano()))
}

func getTime(src []byte) time.Time {
	ns := binary.BigEndian.Uint64(src)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}

// EncodeHello builds a complete HELLO frame.
func EncodeHello(h Hello, seq uint32) ([]byte, error) {
	p := make([]byte, helloPayloadSize)
	binary.BigEndian.PutUint16(p[0:], h.Version)
	if err := putPeriod(p[2:], h.ProposedPeriod); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint64(p[6:], h.Nonce)
	if err := putName(p[14:14+nameLen], h.ClientName); err != nil {
		return nil, err
	}
	return Encode(TypeHello, seq, p)
}

// DecodeHello unpacks a HELLO frame payload.
func DecodeHello(f Frame) (Hello, error) {
	if f.Type != TypeHello {
		return Hello{}, malformed("expected HELLO, got %s", f.Type)
	}
	p := f.Payload
	return Hello{
		Version:        binary.BigEndian.Uint16(p[0:]),
		ProposedPeriod: getPeriod(p[2:]),
		Nonce:          binary.BigEndian.Uint64(p[6:]),
		ClientName:     getName(p[14 : 14+nameLen]),
	}, nil
}

// EncodeHelloAck builds a complete HELLO_ACK frame.
func EncodeHelloAck(a HelloAck, seq uint32) ([]byte, error) {
	p := make([]byte, helloAckPayloadSize)
	binary.BigEndian.PutUint16(p[0:], a.Version)
	if err := putPeriod(p[2:], a.Period); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint64(p[6:], a.Nonce)
	copy(p[14:30], a.SessionID[:])
	binary.BigEndian.PutUint16(p[30:], a.WatchdogLimit)
	binary.BigEndian.PutUint16(p[32:], a.AxisCount)
	if err := putName(p[34:34+nameLen], a.Controller); err != nil {
		return nil, err
	}
	return Encode(TypeHelloAck, seq, p)
}

// DecodeHelloAck unpacks a HELLO_ACK frame payload.
func DecodeHelloAck(f Frame) (HelloAck, error) {
	if f.Type != TypeHelloAck {
		return HelloAck{}, malformed("expected HELLO_ACK, got %s", f.Type)
	}
	p := f.Payload
	a := HelloAck{
		Version:       binary.BigEndian.Uint16(p[0:]),
		Period:        getPeriod(p[2:]),
		Nonce:         binary.BigEndian.Uint64(p[6:]),
		WatchdogLimit: binary.BigEndian.Uint16(p[30:]),
		AxisCount:     binary.BigEndian.Uint16(p[32:]),
		Controller:    getName(p[34 : 34+nameLen]),
	}
	copy(a.SessionID[:], p[14:30])
	return a, nil
}

// EncodeBye builds a complete BYE frame.
func EncodeBye(b Bye, seq uint32) ([]byte, error) {
	p := make([]byte, byePayloadSize)
	p[0] = uint8(b.Reason)
	if err := putName(p[1:1+nameLen], b.Detail); err != nil {
		return nil, err
	}
	return Encode(TypeBye, seq, p)
}

// DecodeBye unpacks a BYE frame payload.
func DecodeBye(f Frame) (Bye, error) {
	if f.Type != TypeBye {
		return Bye{}, malformed("expected BYE, got %s", f.Type)
	}
	return Bye{
		Reason: ByeReason(f.Payload[0]),
		Detail: getName(f.Payload[1 : 1+nameLen]),
	}, nil
}

// EncodeCommand builds a complete CMD frame. The header sequence is
// taken from cmd.Sequence.
func EncodeCommand(cmd motion.Command) ([]byte, error) {
	if !cmd.Kind.Valid() {
		return nil, fmt.Errorf("encode command: invalid kind %d", uint8(cmd.Kind))
	}
	if !cmd.Space.Valid() {
		return nil, fmt.Errorf("encode command: invalid space %d", uint8(cmd.Space))
	}
	if err := checkSpeed(cmd.Speed); err != nil {
		return nil, err
	}
	p := make([]byte, commandPayloadSize)
	p[0] = uint8(cmd.Kind)
	p[1] = uint8(cmd.Space)
	binary.BigEndian.PutUint16(p[2:], 0)
	putTime(p[4:], cmd.Origin)
	binary.BigEndian.PutUint64(p[12:], math.Float64bits(cmd.Speed))
	for i, v := range cmd.Target {
		binary.BigEndian.PutUint64(p[20+i*8:], math.Float64bits(v))
	}
	return Encode(TypeCommand, cmd.Sequence, p)
}

// DecodeCommand unpacks a CMD frame into a motion.Command. Unknown
// kinds or spaces, non-zero reserved flags, and non-finite values all
// fail closed.
func DecodeCommand(f Frame) (motion.Command, error) {
	if f.Type != TypeCommand {
		return motion.Command{}, malformed("expected CMD, got %s", f.Type)
	}
	p := f.Payload
	cmd := motion.Command{
		Sequence: f.Sequence,
		Kind:     motion.Kind(p[0]),
		Space:    motion.Space(p[1]),
		Origin:   getTime(p[4:]),
		Speed:    math.Float64frombits(binary.BigEndian.Uint64(p[12:])),
	}
	if !cmd.Kind.Valid() {
		return motion.Command{}, malformed("unknown command kind %d", p[0])
	}
	if !cmd.Space.Valid() {
		return motion.Command{}, malformed("unknown motion space %d", p[1])
	}
	if flags := binary.BigEndian.Uint16(p[2:]); flags != 0 {
		return motion.Command{}, malformed("reserved command flags %04x", flags)
	}
	if err := checkSpeed(cmd.Speed); err != nil {
		return motion.Command{}, malformed("%v", err)
	}
	for i := range cmd.Target {
		v := math.Float64frombits(binary.BigEndian.Uint64(p[20+i*8:]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return motion.Command{}, malformed("target slot %d not finite", i)
		}
		cmd.Target[i] = v
	}
	return cmd, nil
}

// EncodeState builds a complete STATE frame. The header sequence
// echoes st.Sequence, the last admitted command.
func EncodeState(st motion.State) ([]byte, error) {
	p := make([]byte, statePayloadSize)
	p[0] = uint8(st.Status)
	p[1] = uint8(st.Link)
	binary.BigEndian.PutUint16(p[2:], st.Fault)
	putTime(p[4:], st.Stamp)
	binary.BigEndian.PutUint64(p[12:], st.Cycle)
	for i, v := range st.Joints {
		binary.BigEndian.PutUint64(p[20+i*8:], math.Float64bits(v))
	}
	for i, v := range st.Pose {
		binary.BigEndian.PutUint64(p[116+i*8:], math.Float64bits(v))
	}
	return Encode(TypeState, st.Sequence, p)
}

// DecodeState unpacks a STATE frame into a motion.State.
func DecodeState(f Frame) (motion.State, error) {
	if f.Type != TypeState {
		return motion.State{}, malformed("expected STATE, got %s", f.Type)
	}
	p := f.Payload
	st := motion.State{
		Sequence: f.Sequence,
		Status:   motion.Status(p[0]),
		Link:     motion.LinkState(p[1]),
		Fault:    binary.BigEndian.Uint16(p[2:]),
		Stamp:    getTime(p[4:]),
		Cycle:    binary.BigEndian.Uint64(p[12:]),
	}
	if st.Status > motion.StatusSafeStopped {
		return motion.State{}, malformed("unknown status %d", p[0])
	}
	if st.Link > motion.LinkSafeStopped {
		return motion.State{}, malformed("unknown link state %d", p[1])
	}
	for i := range st.Joints {
		v := math.Float64frombits(binary.BigEndian.Uint64(p[20+i*8:]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return motion.State{}, malformed("joint slot %d not finite", i)
		}
		st.Joints[i] = v
	}
	for i := range st.Pose {
		v := math.Float64frombits(binary.BigEndian.Uint64(p[116+i*8:]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return motion.State{}, malformed("pose slot %d not finite", i)
		}
		st.Pose[i] = v
	}
	return st, nil
}

func checkSpeed(s float64) error {
	if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 || s > 1 {
		return fmt.Errorf("speed override %v outside [0, 1]", s)
	}
	return nil
}
