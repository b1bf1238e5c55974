package cycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcline-robotics/motionlink/internal/motion"
)

// simCfg gives one unit of joint travel per tick at full override.
func simCfg() SimConfig {
	return SimConfig{
		Period:           100 * time.Millisecond,
		JointSpeed:       10,
		PoseLinearSpeed:  10,
		PoseAngularSpeed: 10,
	}
}

func tickUntilIdle(t *testing.T, s *SimExecutor, maxTicks int) (motion.State, int) {
	t.Helper()
	var st motion.State
	for i := 1; i <= maxTicks; i++ {
		st = s.Tick(time.Now())
		if st.Status == motion.StatusIdle {
			return st, i
		}
	}
	t.Fatalf("executor still %s after %d ticks", st.Status, maxTicks)
	return st, 0
}

func TestSimExecutorIdleAtStart(t *testing.T) {
	t.Parallel()

	s := NewSimExecutor(SimConfig{InitialJoints: motion.JointVector{1, 2, 3}})
	st := s.Tick(time.Now())
	assert.Equal(t, motion.StatusIdle, st.Status)
	assert.Equal(t, motion.JointVector{1, 2, 3}, st.Joints)
}

func TestSimExecutorJointAbsoluteMove(t *testing.T) {
	t.Parallel()

	s := NewSimExecutor(simCfg())
	s.Apply(motion.Command{
		Sequence: 1,
		Kind:     motion.KindMoveAbsolute,
		Space:    motion.SpaceJoint,
		Target:   motion.JointVector{5, -3},
	})

	st := s.Tick(time.Now())
	assert.Equal(t, motion.StatusMoving, st.Status)
	assert.InDelta(t, 1.0, st.Joints[0], 0.01)

	final, ticks := tickUntilIdle(t, s, 10)
	assert.Equal(t, motion.JointVector{5, -3}, final.Joints)
	assert.LessOrEqual(t, ticks, 5)
}

func TestSimExecutorJointRelativeMove(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.InitialJoints = motion.JointVector{10, 0, -5}
	s := NewSimExecutor(cfg)
	s.Apply(motion.Command{
		Kind:   motion.KindMoveRelative,
		Space:  motion.SpaceJoint,
		Target: motion.JointVector{3, 0, 2},
	})

	final, _ := tickUntilIdle(t, s, 10)
	assert.Equal(t, motion.JointVector{13, 0, -3}, final.Joints)
}

func TestSimExecutorSpeedOverrideSlowsMotion(t *testing.T) {
	t.Parallel()

	s := NewSimExecutor(simCfg())
	s.Apply(motion.Command{
		Kind:   motion.KindMoveAbsolute,
		Space:  motion.SpaceJoint,
		Speed:  0.5,
		Target: motion.JointVector{5},
	})

	for i := 0; i < 6; i++ {
		st := s.Tick(time.Now())
		if i < 5 {
			assert.Equal(t, motion.StatusMoving, st.Status, "tick %d", i)
		}
	}
	// Half override doubles the travel time past the full-speed bound.
	_, ticks := tickUntilIdle(t, s, 10)
	assert.LessOrEqual(t, ticks, 5)
}

func TestSimExecutorCartesianMove(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.InitialJoints = motion.JointVector{7}
	s := NewSimExecutor(cfg)
	s.Apply(motion.Command{
		Kind:   motion.KindMoveAbsolute,
		Space:  motion.SpaceCartesian,
		Target: motion.JointVector{4, -2, 1, 3, 0, 0},
	})

	final, _ := tickUntilIdle(t, s, 10)
	assert.Equal(t, motion.Pose{4, -2, 1, 3, 0, 0}, final.Pose)
	// Joint state is untouched by cartesian motion: no kinematics.
	assert.Equal(t, motion.JointVector{7}, final.Joints)
}

func TestSimExecutorCartesianRelativeMove(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.InitialPose = motion.Pose{100, 50, 0, 90, 0, 0}
	s := NewSimExecutor(cfg)
	s.Apply(motion.Command{
		Kind:   motion.KindMoveRelative,
		Space:  motion.SpaceCartesian,
		Target: motion.JointVector{5, -5, 0, 0, 0, 0},
	})

	final, _ := tickUntilIdle(t, s, 10)
	assert.Equal(t, motion.Pose{105, 45, 0, 90, 0, 0}, final.Pose)
}

func TestSimExecutorStopFreezesMotion(t *testing.T) {
	t.Parallel()

	s := NewSimExecutor(simCfg())
	s.Apply(motion.Command{
		Kind:   motion.KindMoveAbsolute,
		Space:  motion.SpaceJoint,
		Target: motion.JointVector{5},
	})
	s.Tick(time.Now())
	s.Tick(time.Now())

	s.Apply(motion.Command{Kind: motion.KindStop, Space: motion.SpaceJoint})
	st := s.Tick(time.Now())
	assert.Equal(t, motion.StatusIdle, st.Status)
	frozen := st.Joints

	st = s.Tick(time.Now())
	assert.Equal(t, frozen, st.Joints)
}

func TestSimExecutorHoldMaintainsPosition(t *testing.T) {
	t.Parallel()

	cfg := simCfg()
	cfg.InitialJoints = motion.JointVector{1, 2}
	s := NewSimExecutor(cfg)
	s.Apply(motion.Command{Kind: motion.KindHold, Space: motion.SpaceJoint})

	st := s.Tick(time.Now())
	assert.Equal(t, motion.StatusIdle, st.Status)
	assert.Equal(t, motion.JointVector{1, 2}, st.Joints)
}

func TestSimExecutorSafeStop(t *testing.T) {
	t.Parallel()

	s := NewSimExecutor(simCfg())
	s.Apply(motion.Command{
		Kind:   motion.KindMoveAbsolute,
		Space:  motion.SpaceJoint,
		Target: motion.JointVector{5},
	})
	s.Tick(time.Now())

	s.SafeStop()
	st := s.Tick(time.Now())
	assert.Equal(t, motion.StatusSafeStopped, st.Status)
	frozen := st.Joints

	st = s.Tick(time.Now())
	assert.Equal(t, frozen, st.Joints)
	assert.Equal(t, motion.StatusSafeStopped, st.Status)

	// A fresh command in a new session resumes motion.
	s.Apply(motion.Command{
		Kind:   motion.KindMoveAbsolute,
		Space:  motion.SpaceJoint,
		Target: motion.JointVector{5},
	})
	st = s.Tick(time.Now())
	assert.Equal(t, motion.StatusMoving, st.Status)
}

func TestSimConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := SimConfig{}.withDefaults()
	assert.Equal(t, 12*time.Millisecond, cfg.Period)
	assert.Equal(t, defaultJointSpeed, cfg.JointSpeed)
	assert.Equal(t, defaultPoseLinearSpeed, cfg.PoseLinearSpeed)
	assert.Equal(t, defaultPoseAngularSpeed, cfg.PoseAngularSpeed)
	assert.Equal(t, 1.0, cfg.DefaultOverride)

	require.NotPanics(t, func() {
		NewSimExecutor(SimConfig{}).Tick(time.Now())
	})
}
