package cycle

import (
	"math"
	"time"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

// Executor is the robot's native motion engine as the cyclic task sees
// it. All three methods are called from the cyclic goroutine only and
// must not block; a vendor integration adapts its own axis interface
// behind this contract.
type Executor interface {
	// Apply installs cmd as the active target.
	Apply(cmd motion.Command)

	// SafeStop halts motion and discards the active target. Issued
	// when the watchdog trips or an operator forces a stop.
	SafeStop()

	// Tick advances one control period and reports current axes, pose
	// and status. Sequence, link state, stamp and cycle count on the
	// returned state are owned by the runtime, not the executor.
	Tick(now time.Time) motion.State
}

// SimConfig tunes the simulated executor. Zero fields take the
// defaults below.
type SimConfig struct {
	// Period is the integration step, one control cycle.
	Period time.Duration
	// JointSpeed is the per-axis rate in units/s at full override.
	JointSpeed float64
	// PoseLinearSpeed is the cartesian translation rate in mm/s.
	PoseLinearSpeed float64
	// PoseAngularSpeed is the cartesian orientation rate in deg/s.
	PoseAngularSpeed float64
	// DefaultOverride applies when a command carries no speed.
	DefaultOverride float64

	InitialJoints motion.JointVector
	InitialPose   motion.Pose
}

const (
	defaultJointSpeed       = 45.0
	defaultPoseLinearSpeed  = 250.0
	defaultPoseAngularSpeed = 90.0
)

func (c SimConfig) withDefaults() SimConfig {
	if c.Period <= 0 {
		c.Period = 12 * time.Millisecond
	}
	if c.JointSpeed <= 0 {
		c.JointSpeed = defaultJointSpeed
	}
	if c.PoseLinearSpeed <= 0 {
		c.PoseLinearSpeed = defaultPoseLinearSpeed
	}
	if c.PoseAngularSpeed <= 0 {
		c.PoseAngularSpeed = defaultPoseAngularSpeed
	}
	if c.DefaultOverride <= 0 || c.DefaultOverride > 1 {
		c.DefaultOverride = 1
	}
	return c
}

// SimExecutor integrates axis values toward the active target under
// per-axis velocity limits, one fixed period per Tick. It performs no
// kinematics: joint-space and cartesian-space state move independently,
// which is enough to exercise the link without a robot. Stops are
// immediate rather than ramped.
type SimExecutor struct {
	cfg SimConfig

	joints motion.JointVector
	pose   motion.Pose

	active       bool
	space        motion.Space
	targetJoints motion.JointVector
	targetPose   motion.Pose
	override     float64
	status       motion.Status
}

var _ Executor = (*SimExecutor)(nil)

// NewSimExecutor returns an idle simulated executor at the configured
// initial position.
func NewSimExecutor(cfg SimConfig) *SimExecutor {
	cfg = cfg.withDefaults()
	return &SimExecutor{
		cfg:      cfg,
		joints:   cfg.InitialJoints,
		pose:     cfg.InitialPose,
		override: cfg.DefaultOverride,
		status:   motion.StatusIdle,
	}
}

// Apply installs cmd as the active target.
func (s *SimExecutor) Apply(cmd motion.Command) {
	s.override = s.cfg.DefaultOverride
	if cmd.Speed > 0 {
		s.override = cmd.Speed
	}

	switch cmd.Kind {
	case motion.KindStop:
		s.active = false
		s.status = motion.StatusIdle
	case motion.KindHold:
		s.active = false
		s.status = motion.StatusIdle
	case motion.KindMoveAbsolute:
		s.setTarget(cmd, false)
	case motion.KindMoveRelative:
		s.setTarget(cmd, true)
	}
}

func (s *SimExecutor) setTarget(cmd motion.Command, relative bool) {
	s.space = cmd.Space
	switch cmd.Space {
	case motion.SpaceJoint:
		s.targetJoints = cmd.Target
		if relative {
			for i := range s.targetJoints {
				s.targetJoints[i] += s.joints[i]
			}
		}
	case motion.SpaceCartesian:
		s.targetPose = cmd.TargetPose()
		if relative {
			for i := range s.targetPose {
				s.targetPose[i] += s.pose[i]
			}
		}
	}
	s.active = true
	s.status = motion.StatusMoving
}

// SafeStop halts motion and latches safe-stopped status until a new
// command arrives in a fresh session.
func (s *SimExecutor) SafeStop() {
	s.active = false
	s.status = motion.StatusSafeStopped
}

// Tick advances one period toward the active target.
func (s *SimExecutor) Tick(now time.Time) motion.State {
	if s.active {
		dt := s.cfg.Period.Seconds()
		switch s.space {
		case motion.SpaceJoint:
			step := s.cfg.JointSpeed * s.override * dt
			done := true
			for i := range s.joints {
				s.joints[i] = approach(s.joints[i], s.targetJoints[i], step)
				if s.joints[i] != s.targetJoints[i] {
					done = false
				}
			}
			if done {
				s.active = false
				s.status = motion.StatusIdle
			}
		case motion.SpaceCartesian:
			linStep := s.cfg.PoseLinearSpeed * s.override * dt
			angStep := s.cfg.PoseAngularSpeed * s.override * dt
			done := true
			for i := range s.pose {
				step := linStep
				if i >= 3 {
					step = angStep
				}
				s.pose[i] = approach(s.pose[i], s.targetPose[i], step)
				if s.pose[i] != s.targetPose[i] {
					done = false
				}
			}
			if done {
				s.active = false
				s.status = motion.StatusIdle
			}
		}
	}

	return motion.State{
		Status: s.status,
		Joints: s.joints,
		Pose:   s.pose,
	}
}

// approach moves cur toward target by at most maxStep, snapping to the
// target when the remainder is within one step.
func approach(cur, target, maxStep float64) float64 {
	d := target - cur
	if math.Abs(d) <= maxStep {
		return target
	}
	if d < 0 {
		return cur - maxStep
	}
	return cur + maxStep
}
