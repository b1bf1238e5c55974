// Package wire implements the fixed-length frame codec for the control
// link. Every frame is exactly FrameSize bytes so that one socket read
// or write completes a whole frame, with no reassembly on the
// time-critical path. Decoding fails closed: a frame that cannot be
// fully validated is dropped, never partially applied.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout, all multi-byte fields big-endian:
//
//	offset  size  field
//	0       2     magic (0x4D4C)
//	2       1     frame type
//	3       2     payload length (fixed per type)
//	5       4     sequence number
//	9       179   payload, zero padded to the frame boundary
//	188     4     CRC32 (IEEE) over bytes 0..187
//
// The layout is a reconstructed default, not a vendor contract; the
// constants below are the single point of change.
const (
	// FrameSize is the total size of every frame on the wire.
	FrameSize = 192

	// Magic identifies link frames. Anything else on the stream is
	// rejected before further parsing.
	Magic = 0x4D4C

	// ProtocolVersion is carried in the handshake and bumped on any
	// incompatible layout change.
	ProtocolVersion = 1

	headerSize  = 9
	trailerSize = 4

	// MaxPayload is the payload capacity of a frame.
	MaxPayload = FrameSize - headerSize - trailerSize

	offMagic    = 0
	offType     = 2
	offLength   = 3
	offSequence = 5
	offPayload  = 9
	offCRC      = FrameSize - trailerSize
)

// Type tags the five frame kinds of the protocol.
type Type uint8

const (
	TypeHello    Type = 1
	TypeHelloAck Type = 2
	TypeBye      Type = 3
	TypeCommand  Type = 4
	TypeState    Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeHelloAck:
		return "HELLO_ACK"
	case TypeBye:
		return "BYE"
	case TypeCommand:
		return "CMD"
	case TypeState:
		return "STATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Fixed payload sizes per frame type. The length header field must
// match exactly; anything else is malformed.
const (
	helloPayloadSize    = 46
	helloAckPayloadSize = 66
	byePayloadSize      = 33
	commandPayloadSize  = 116
	statePayloadSize    = 164
)

// payloadSize returns the fixed payload size for t, or false for an
// unknown type.
func payloadSize(t Type) (int, bool) {
	switch t {
	case TypeHello:
		return helloPayloadSize, true
	case TypeHelloAck:
		return helloAckPayloadSize, true
	case TypeBye:
		return byePayloadSize, true
	case TypeCommand:
		return commandPayloadSize, true
	case TypeState:
		return statePayloadSize, true
	default:
		return 0, false
	}
}

// ErrMalformedFrame is the sentinel for every decode rejection. Match
// with errors.Is; the concrete *DecodeError carries the reason.
var ErrMalformedFrame = errors.New("malformed frame")

// DecodeError explains why a frame was rejected.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "malformed frame: " + e.Reason
}

// Is reports a match against ErrMalformedFrame so callers can use a
// single sentinel for all rejection reasons.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func malformed(format string, v ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, v...)}
}

// Frame is one decoded frame header plus its payload bytes. Payload is
// a private copy sized exactly to the type's fixed payload length.
type Frame struct {
	Type     Type
	Sequence uint32
	Payload  []byte
}

// Encode builds a complete wire frame around payload. The payload
// length must match the fixed size for t.
func Encode(t Type, seq uint32, payload []byte) ([]byte, error) {
	want, ok := payloadSize(t)
	if !ok {
		return nil, fmt.Errorf("encode: unknown frame type %d", uint8(t))
	}
	if len(payload) != want {
		return nil, fmt.Errorf("encode %s: payload %d bytes, want %d", t, len(payload), want)
	}

	buf := make([]byte, FrameSize)
	binary.BigEndian.PutUint16(buf[offMagic:], Magic)
	buf[offType] = uint8(t)
	binary.BigEndian.PutUint16(buf[offLength:], uint16(want))
	binary.BigEndian.PutUint32(buf[offSequence:], seq)
	copy(buf[offPayload:], payload)
	binary.BigEndian.PutUint32(buf[offCRC:], crc32.ChecksumIEEE(buf[:offCRC]))
	return buf, nil
}

// Decode validates buf as one complete frame and returns its header
// and a copy of the payload. Validation order: size, checksum, magic,
// type, length. Every failure path returns a *DecodeError matching
// ErrMalformedFrame.
func Decode(buf []byte) (Frame, error) {
	if len(buf) != FrameSize {
		return Frame{}, malformed("frame size %d, want %d", len(buf), FrameSize)
	}
	if got, want := binary.BigEndian.Uint32(buf[offCRC:]), crc32.ChecksumIEEE(buf[:offCRC]); got != want {
		return Frame{}, malformed("checksum %08x, computed %08x", got, want)
	}
	if got := binary.BigEndian.Uint16(buf[offMagic:]); got != Magic {
		return Frame{}, malformed("magic %04x, want %04x", got, Magic)
	}
	t := Type(buf[offType])
	want, ok := payloadSize(t)
	if !ok {
		return Frame{}, malformed("unknown frame type %d", buf[offType])
	}
	if got := int(binary.BigEndian.Uint16(buf[offLength:])); got != want {
		return Frame{}, malformed("%s length %d, want %d", t, got, want)
	}

	payload := make([]byte, want)
	copy(payload, buf[offPayload:offPayload+want])
	return Frame{
		Type:     t,
		Sequence: binary.BigEndian.Uint32(buf[offSequence:]),
		Payload:  payload,
	}, nil
}

// ReadFrame reads exactly one frame from r. A short read surfaces the
// underlying transport error; a full read that fails validation
// surfaces ErrMalformedFrame. Bytes consumed by a failed read are
// lost, so session loops that renew read deadlines must use a
// StreamReader instead.
func ReadFrame(r io.Reader) (Frame, error) {
	buf := make([]byte, FrameSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}
	return Decode(buf)
}

// StreamReader reads frames from a byte stream while preserving
// alignment across transient transport errors. When a read deadline
// expires mid-frame the bytes already consumed stay buffered, and the
// next call to Next resumes the same frame. Losing those bytes would
// shift every later read by a partial frame and turn the rest of the
// stream into checksum failures.
//
// Not safe for concurrent use; each stream has one reading goroutine.
type StreamReader struct {
	r   io.Reader
	buf [FrameSize]byte
	n   int
}

// NewStreamReader returns a StreamReader consuming from r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

// Next returns the next complete frame. A transport error, including
// a deadline expiry, is returned as-is with the partial frame
// retained for the following call. A complete frame that fails
// validation surfaces ErrMalformedFrame and the reader stays aligned
// on the next frame boundary.
func (sr *StreamReader) Next() (Frame, error) {
	for sr.n < FrameSize {
		k, err := sr.r.Read(sr.buf[sr.n:])
		sr.n += k
		if sr.n == FrameSize {
			break
		}
		if err != nil {
			return Frame{}, err
		}
	}
	sr.n = 0
	return Decode(sr.buf[:])
}

// WriteFrame encodes and writes one frame to w.
func WriteFrame(w io.Writer, t Type, seq uint32, payload []byte) error {
	buf, err := Encode(t, seq, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", t, err)
	}
	return nil
}
