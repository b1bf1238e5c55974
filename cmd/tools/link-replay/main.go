// link-replay feeds captured command traffic back into a running
// controller. It reads host-to-controller CMD frames from a pcap file,
// preserves their original sequence numbers and paces them by the
// capture timestamps. Useful for reproducing a motion sequence that
// misbehaved in the field.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/arcline-robotics/motionlink/bridge"
	"github.com/arcline-robotics/motionlink/internal/capture"
	"github.com/arcline-robotics/motionlink/internal/wire"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file to replay (required)")
	addr     = flag.String("addr", "", "Controller TCP address (required)")
	port     = flag.Uint("port", 7000, "Controller port in the capture, used to pick direction")
	rate     = flag.Float64("rate", 1.0, "Replay speed multiplier (2 = twice as fast)")
	name     = flag.String("name", "link-replay", "Client name reported in the handshake")
)

func main() {
	flag.Parse()
	if *pcapFile == "" || *addr == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *rate <= 0 {
		log.Fatalf("replay rate %v must be positive", *rate)
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer f.Close()

	fr, err := capture.NewFrameReader(f, uint16(*port))
	if err != nil {
		log.Fatalf("Failed to read capture: %v", err)
	}

	l, err := bridge.Connect(bridge.Config{Addr: *addr, ClientName: *name})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer l.Disconnect()

	replayed, skipped := 0, 0
	var prevAt time.Time
	for {
		rec, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("Capture read failed after %d frames: %v", replayed, err)
		}
		if rec.Dir != capture.HostToController {
			continue
		}

		frame, err := wire.Decode(rec.Payload)
		if err != nil || frame.Type != wire.TypeCommand {
			skipped++
			continue
		}
		cmd, err := wire.DecodeCommand(frame)
		if err != nil {
			skipped++
			continue
		}

		if !prevAt.IsZero() {
			if gap := rec.At.Sub(prevAt); gap > 0 {
				time.Sleep(time.Duration(float64(gap) / *rate))
			}
		}
		prevAt = rec.At

		cmd.Origin = time.Now()
		if err := l.Submit(cmd); err != nil {
			if errors.Is(err, bridge.ErrStaleCommand) {
				skipped++
				continue
			}
			log.Fatalf("Submit of sequence %d failed: %v", cmd.Sequence, err)
		}
		replayed++
	}

	fmt.Printf("replayed %d commands, skipped %d frames\n", replayed, skipped)
}
