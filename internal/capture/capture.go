// Package capture reads and writes link traffic as pcap files. Live
// sniffing of a running link needs libpcap and is gated behind the
// pcap build tag; file reading and writing are pure Go so the replay
// tool works everywhere.
package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/arcline-robotics/motionlink/internal/wire"
)

const snapLen = 65536

// Synthetic endpoints for frames written by FrameWriter. Real captures
// carry whatever addresses were on the wire; readers only look at the
// controller port to infer direction.
var (
	hostMAC       = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	controllerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	hostIP        = net.IPv4(10, 0, 0, 1)
	controllerIP  = net.IPv4(10, 0, 0, 2)
)

const hostPort = 52000

// Direction says which way a frame travelled.
type Direction int

const (
	HostToController Direction = iota
	ControllerToHost
)

func (d Direction) String() string {
	if d == HostToController {
		return "host->controller"
	}
	return "controller->host"
}

// Record is one link frame recovered from or destined for a capture.
type Record struct {
	Payload []byte
	At      time.Time
	Dir     Direction
}

// FrameWriter writes link frames to a pcap file, each encapsulated in
// a synthetic Ethernet/IPv4/UDP packet so standard tooling can open
// the result.
type FrameWriter struct {
	pw             *pcapgo.Writer
	buf            gopacket.SerializeBuffer
	opts           gopacket.SerializeOptions
	controllerPort uint16
}

// NewFrameWriter writes the pcap file header and returns a writer
// addressing the controller at controllerPort.
func NewFrameWriter(w io.Writer, controllerPort uint16) (*FrameWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &FrameWriter{
		pw:             pw,
		buf:            gopacket.NewSerializeBuffer(),
		opts:           gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		controllerPort: controllerPort,
	}, nil
}

// WriteFrame appends one frame as a single packet stamped at.
func (fw *FrameWriter) WriteFrame(dir Direction, frame []byte, at time.Time) error {
	if len(frame) != wire.FrameSize {
		return fmt.Errorf("frame is %d bytes, want %d", len(frame), wire.FrameSize)
	}

	eth := &layers.Ethernet{
		SrcMAC:       hostMAC,
		DstMAC:       controllerMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    hostIP,
		DstIP:    controllerIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(hostPort),
		DstPort: layers.UDPPort(fw.controllerPort),
	}
	if dir == ControllerToHost {
		eth.SrcMAC, eth.DstMAC = controllerMAC, hostMAC
		ip.SrcIP, ip.DstIP = controllerIP, hostIP
		udp.SrcPort, udp.DstPort = layers.UDPPort(fw.controllerPort), layers.UDPPort(hostPort)
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	if err := gopacket.SerializeLayers(fw.buf, fw.opts, eth, ip, udp, gopacket.Payload(frame)); err != nil {
		return fmt.Errorf("serialize capture packet: %w", err)
	}
	data := fw.buf.Bytes()
	return fw.pw.WritePacket(gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

// FrameReader recovers link frames from a pcap file. UDP payloads are
// taken whole; TCP payloads from live captures are reassembled per
// direction and chunked into fixed-size frames, which is sound because
// every frame on the wire is exactly wire.FrameSize bytes.
type FrameReader struct {
	pr             *pcapgo.Reader
	controllerPort uint16

	// Per-direction stream remainders and frames already chunked but
	// not yet returned.
	pending []Record
	stream  [2][]byte
}

// NewFrameReader parses the pcap file header. controllerPort decides
// frame direction: packets destined to it travelled host to
// controller.
func NewFrameReader(r io.Reader, controllerPort uint16) (*FrameReader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	return &FrameReader{pr: pr, controllerPort: controllerPort}, nil
}

// ReadFrame returns the next complete frame. io.EOF signals a clean
// end of the capture.
func (fr *FrameReader) ReadFrame() (Record, error) {
	for {
		if len(fr.pending) > 0 {
			rec := fr.pending[0]
			fr.pending = fr.pending[1:]
			return rec, nil
		}
		data, ci, err := fr.pr.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("read capture packet: %w", err)
		}
		fr.ingest(data, ci.Timestamp)
	}
}

func (fr *FrameReader) ingest(data []byte, at time.Time) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	var payload []byte
	var dstPort uint16
	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		payload, dstPort = udp.Payload, uint16(udp.DstPort)
	} else if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		payload, dstPort = tcp.Payload, uint16(tcp.DstPort)
	} else {
		return
	}
	if len(payload) == 0 {
		return
	}

	dir := ControllerToHost
	if dstPort == fr.controllerPort {
		dir = HostToController
	}

	fr.stream[dir] = append(fr.stream[dir], payload...)
	for len(fr.stream[dir]) >= wire.FrameSize {
		frame := make([]byte, wire.FrameSize)
		copy(frame, fr.stream[dir][:wire.FrameSize])
		fr.stream[dir] = fr.stream[dir][wire.FrameSize:]
		fr.pending = append(fr.pending, Record{Payload: frame, At: at, Dir: dir})
	}
}
