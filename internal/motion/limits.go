package motion

import (
	"errors"
	"fmt"
)

// ErrCommandRejectedUnsafe marks a command whose target falls outside
// the configured axis envelope. The command is never admitted.
var ErrCommandRejectedUnsafe = errors.New("command rejected: target outside safe limits")

// AxisLimit bounds one axis in the units of that axis (degrees or
// millimetres).
type AxisLimit struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Limits is an optional admission guard over joint-space absolute
// targets. Axes without a configured limit are unconstrained, as are
// relative moves, holds, stops and cartesian targets, which cannot be
// checked without kinematics.
type Limits struct {
	Axes map[int]AxisLimit
}

// NewLimits builds a guard from per-axis bounds keyed by 1-based axis
// number. Returns an error for axis numbers outside 1..AxisCount or
// inverted bounds.
func NewLimits(axes map[int]AxisLimit) (*Limits, error) {
	for n, lim := range axes {
		if n < 1 || n > AxisCount {
			return nil, fmt.Errorf("axis %d out of range 1..%d", n, AxisCount)
		}
		if lim.Min > lim.Max {
			return nil, fmt.Errorf("axis %d: min %.3f above max %.3f", n, lim.Min, lim.Max)
		}
	}
	return &Limits{Axes: axes}, nil
}

// Check returns ErrCommandRejectedUnsafe (wrapped with the offending
// axis) when cmd is a joint-space absolute move with a target outside
// the envelope. All other commands pass.
func (l *Limits) Check(cmd Command) error {
	if l == nil || len(l.Axes) == 0 {
		return nil
	}
	if cmd.Kind != KindMoveAbsolute || cmd.Space != SpaceJoint {
		return nil
	}
	for n, lim := range l.Axes {
		v := cmd.Target[n-1]
		if v < lim.Min || v > lim.Max {
			return fmt.Errorf("axis A%d target %.3f outside [%.3f, %.3f]: %w",
				n, v, lim.Min, lim.Max, ErrCommandRejectedUnsafe)
		}
	}
	return nil
}
