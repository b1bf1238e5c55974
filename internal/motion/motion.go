// Package motion defines the domain types shared by the wire codec, the
// cyclic runtime and the host bridge: command kinds, motion spaces,
// controller status and the fixed-size axis vectors they carry.
package motion

import "time"

// AxisCount is the number of slots in a joint-space target: six main
// axes (A1..A6) followed by six external axes (E1..E6). Controllers
// with fewer axes leave the trailing slots at zero.
const AxisCount = 12

// PoseCount is the number of components in a cartesian pose:
// X, Y, Z in millimetres followed by A, B, C orientation angles in
// degrees.
const PoseCount = 6

// JointVector holds a joint-space target or reading, one value per
// axis in degrees (rotary) or millimetres (linear external axes).
type JointVector [AxisCount]float64

// Pose holds a cartesian position and orientation.
type Pose [PoseCount]float64

// Kind identifies what a command asks the controller to do.
type Kind uint8

const (
	// KindMoveAbsolute moves to the target expressed in absolute
	// coordinates.
	KindMoveAbsolute Kind = 1
	// KindMoveRelative moves by the target offset from the current
	// position.
	KindMoveRelative Kind = 2
	// KindHold maintains the current position.
	KindHold Kind = 3
	// KindStop decelerates to a halt and discards the active target.
	KindStop Kind = 4
)

// Valid reports whether k is a known command kind.
func (k Kind) Valid() bool {
	return k >= KindMoveAbsolute && k <= KindStop
}

func (k Kind) String() string {
	switch k {
	case KindMoveAbsolute:
		return "move-absolute"
	case KindMoveRelative:
		return "move-relative"
	case KindHold:
		return "hold"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Space identifies the coordinate space a motion target is expressed in.
type Space uint8

const (
	// SpaceJoint targets are per-axis values filling all twelve slots.
	SpaceJoint Space = 0
	// SpaceCartesian targets use the first six slots as a Pose; the
	// trailing slots are ignored.
	SpaceCartesian Space = 1
)

// Valid reports whether s is a known motion space.
func (s Space) Valid() bool {
	return s == SpaceJoint || s == SpaceCartesian
}

func (s Space) String() string {
	switch s {
	case SpaceJoint:
		return "joint"
	case SpaceCartesian:
		return "cartesian"
	default:
		return "unknown"
	}
}

// Status is the controller's reported execution state.
type Status uint8

const (
	StatusIdle        Status = 0
	StatusMoving      Status = 1
	StatusError       Status = 2
	StatusSafeStopped Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusMoving:
		return "moving"
	case StatusError:
		return "error"
	case StatusSafeStopped:
		return "safe-stopped"
	default:
		return "unknown"
	}
}

// LinkState is the watchdog's view of link health. It is published in
// every state packet so the host can see degradation before the link
// actually drops.
type LinkState uint8

const (
	LinkHealthy     LinkState = 0
	LinkDegraded    LinkState = 1
	LinkSafeStopped LinkState = 2
)

func (l LinkState) String() string {
	switch l {
	case LinkHealthy:
		return "healthy"
	case LinkDegraded:
		return "degraded"
	case LinkSafeStopped:
		return "safe-stopped"
	default:
		return "unknown"
	}
}

// Command is one motion instruction from the host. Sequence numbers
// strictly increase within a session; a command whose sequence is not
// beyond the last admitted one is stale and must be discarded.
type Command struct {
	Sequence uint32      `json:"sequence"`
	Kind     Kind        `json:"kind"`
	Space    Space       `json:"space"`
	Speed    float64     `json:"speed"`
	Target   JointVector `json:"target"`
	Origin   time.Time   `json:"origin"`
}

// TargetPose returns the cartesian interpretation of the target for
// commands in cartesian space.
func (c Command) TargetPose() Pose {
	var p Pose
	copy(p[:], c.Target[:PoseCount])
	return p
}

// State is one controller status sample, produced exactly once per
// control cycle. Sequence echoes the last admitted command, zero
// before any admission in the session.
type State struct {
	Sequence uint32      `json:"sequence"`
	Status   Status      `json:"status"`
	Link     LinkState   `json:"link"`
	Fault    uint16      `json:"fault"`
	Joints   JointVector `json:"joints"`
	Pose     Pose        `json:"pose"`
	Stamp    time.Time   `json:"stamp"`
	Cycle    uint64      `json:"cycle"`
}

// Moving reports whether the controller is actively executing motion.
func (s State) Moving() bool { return s.Status == StatusMoving }
