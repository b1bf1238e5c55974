//go:build pcap
// +build pcap

package capture

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

// Live sniffs link traffic on iface and writes it to a pcap file at
// path until ctx ends. Only available when building with the 'pcap'
// build tag; needs permission to open the interface.
func Live(ctx context.Context, iface string, port int, path string) error {
	handle, err := pcap.OpenLive(iface, snapLen, false, time.Second)
	if err != nil {
		return fmt.Errorf("failed to open interface %s: %w", iface, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("tcp port %d", port)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	log.Printf("capture BPF filter set: %s", filterStr)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capture file %s: %w", path, err)
	}
	defer f.Close()

	pw := pcapgo.NewWriter(f)
	if err := pw.WriteFileHeader(snapLen, handle.LinkType()); err != nil {
		return fmt.Errorf("failed to write capture header: %w", err)
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Printf("capture stopping (%d packets in %v)", packetCount, time.Since(startTime))
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				log.Printf("capture source closed (%d packets in %v)", packetCount, time.Since(startTime))
				return nil
			}
			ci := packet.Metadata().CaptureInfo
			if err := pw.WritePacket(ci, packet.Data()); err != nil {
				return fmt.Errorf("failed to write capture packet: %w", err)
			}
			packetCount++
		}
	}
}
