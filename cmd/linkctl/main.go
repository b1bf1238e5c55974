// linkctl is an operator CLI for a running controller. It speaks the
// control link through the bridge package: one session per invocation.
//
// Usage:
//
//	linkctl -addr 10.0.0.5:7000 status
//	linkctl -addr 10.0.0.5:7000 state
//	linkctl -addr 10.0.0.5:7000 watch -n 20
//	linkctl -addr 10.0.0.5:7000 movej -speed 0.5 10 20 30 0 0 45
//	linkctl -addr 10.0.0.5:7000 movel 450 0 600 0 90 0
//	linkctl -addr 10.0.0.5:7000 hold
//	linkctl -addr 10.0.0.5:7000 stop
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/arcline-robotics/motionlink/bridge"
	"github.com/arcline-robotics/motionlink/internal/link"
	"github.com/arcline-robotics/motionlink/internal/motion"
)

var (
	addr    = flag.String("addr", "", "Controller TCP address, e.g. 10.0.0.5:7000")
	device  = flag.String("serial", "", "Serial device instead of TCP, e.g. /dev/ttyUSB0")
	baud    = flag.Int("baud", 0, "Serial baud rate (default applies when 0)")
	name    = flag.String("name", "linkctl", "Client name reported in the handshake")
	period  = flag.Duration("period", 0, "Proposed cycle period (controller's enforced period wins)")
	timeout = flag.Duration("timeout", 30*time.Second, "Wait timeout for motion completion")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: linkctl [flags] <status|state|watch|movej|movel|hold|stop> [args]\n\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	l, err := bridge.Connect(bridge.Config{
		Addr:           *addr,
		SerialDevice:   *device,
		Serial:         link.PortOptions{BaudRate: *baud},
		ProposedPeriod: *period,
		ClientName:     *name,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer func() {
		if err := l.Disconnect(); err != nil {
			log.Printf("disconnect: %v", err)
		}
	}()

	if err := run(l, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}
}

func run(l *bridge.Link, command string, args []string) error {
	switch command {
	case "status":
		return printJSON(l.Session())
	case "state":
		return showState(l)
	case "watch":
		return watch(l, args)
	case "movej":
		return move(l, args, motion.SpaceJoint)
	case "movel":
		return move(l, args, motion.SpaceCartesian)
	case "hold":
		return sendSimple(l, motion.KindHold)
	case "stop":
		return sendSimple(l, motion.KindStop)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func showState(l *bridge.Link) error {
	// The first state of a fresh session may still be in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := l.LatestState()
		if err == nil {
			return printJSON(st)
		}
		if err != bridge.ErrNoStateYet || time.Now().After(deadline) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func watch(l *bridge.Link, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	count := fs.Int("n", 0, "Number of states to print (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id, c := l.Subscribe()
	defer l.Unsubscribe(id)

	printed := 0
	for st := range c {
		fmt.Printf("cycle=%d seq=%d status=%s link=%s joints=%v\n",
			st.Cycle, st.Sequence, st.Status, st.Link, st.Joints)
		printed++
		if *count > 0 && printed >= *count {
			return nil
		}
	}
	if down, err := l.Down(); down {
		return err
	}
	return nil
}

func move(l *bridge.Link, args []string, space motion.Space) error {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	speed := fs.Float64("speed", 0, "Speed override in (0, 1]; 0 keeps the controller default")
	relative := fs.Bool("relative", false, "Treat the target as an offset from the current position")
	if err := fs.Parse(args); err != nil {
		return err
	}

	values := fs.Args()
	if len(values) == 0 {
		return fmt.Errorf("no target values given")
	}
	if space == motion.SpaceCartesian && len(values) != 6 {
		return fmt.Errorf("cartesian targets need exactly 6 values (X Y Z A B C), got %d", len(values))
	}
	if len(values) > motion.AxisCount {
		return fmt.Errorf("at most %d joint values, got %d", motion.AxisCount, len(values))
	}

	var target motion.JointVector
	for i, raw := range values {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("target value %d: %v", i+1, err)
		}
		target[i] = v
	}

	seq, err := l.SendCommand(target, motion.KindMoveAbsolute, bridge.Options{
		Space:    space,
		Relative: *relative,
		Speed:    *speed,
	})
	if err != nil {
		return err
	}
	log.Printf("command %d enqueued, waiting for completion...", seq)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	st, err := l.WaitMotionDone(ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func sendSimple(l *bridge.Link, kind motion.Kind) error {
	seq, err := l.SendCommand(motion.JointVector{}, kind, bridge.Options{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	st, err := l.WaitSequence(ctx, seq)
	if err != nil {
		return err
	}
	return printJSON(st)
}
