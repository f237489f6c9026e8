package commands

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"swerve/drive"
	"swerve/kinematics"
	"swerve/odometry"
	"swerve/sim"
)

type fakeDrive struct {
	pose       kinematics.Pose2D
	lock       drive.RotationLockState
	target     float64
	correction float64
	atGoal     bool
	commanded  []kinematics.ChassisSpeeds
	xStops     int
	driveVolts float64
	steerVolts float64
	stops      int
	resets     int
}

func (f *fakeDrive) RunVelocity(s kinematics.ChassisSpeeds) { f.commanded = append(f.commanded, s) }
func (f *fakeDrive) Stop()                                  { f.stops++ }
func (f *fakeDrive) StopWithX()                             { f.xStops++ }
func (f *fakeDrive) Pose() kinematics.Pose2D                { return f.pose }
func (f *fakeDrive) SetPose(p kinematics.Pose2D)            { f.pose = p }
func (f *fakeDrive) Rotation() float64                      { return f.pose.Heading }
func (f *fakeDrive) ClearRotationLock()                     { f.lock = drive.RotationLockOff }
func (f *fakeDrive) MaxLinearSpeed() float64                { return 4 }
func (f *fakeDrive) MaxAngularSpeed() float64               { return 10 }
func (f *fakeDrive) RunDriveOpenLoop(volts float64)         { f.driveVolts = volts }
func (f *fakeDrive) RunSteerOpenLoop(volts float64)         { f.steerVolts = volts }
func (f *fakeDrive) ResetHeadingLoop()                      { f.resets++ }

func (f *fakeDrive) SetDesiredHeading(h float64) {
	f.lock = drive.RotationLockActive
	f.target = h
}

func (f *fakeDrive) RotationLock() (drive.RotationLockState, float64) { return f.lock, f.target }

func (f *fakeDrive) HeadingCorrection() (float64, bool) {
	if f.lock != drive.RotationLockActive {
		return 0, false
	}
	return f.correction, f.atGoal
}

func (f *fakeDrive) last() kinematics.ChassisSpeeds { return f.commanded[len(f.commanded)-1] }

func constant(in Input) InputSource { return func() Input { return in } }

func TestJoystickZeroInputCommandsZero(t *testing.T) {
	d := &fakeDrive{}
	cmd := JoystickDrive(d, constant(Input{X: 0.05, Y: -0.05, Omega: 0.09}), DefaultJoystickConfig(), logging.NewTestLogger(t))
	cmd.Initialize()
	cmd.Execute()
	test.That(t, d.last(), test.ShouldResemble, kinematics.ChassisSpeeds{})
	test.That(t, d.lock, test.ShouldEqual, drive.RotationLockOff)
}

func TestJoystickShaping(t *testing.T) {
	logger := logging.NewTestLogger(t)
	d := &fakeDrive{}
	var in Input
	cmd := JoystickDrive(d, func() Input { return in }, DefaultJoystickConfig(), logger)

	// 0.55 rescales to 0.5 past the deadband and is squared to 0.25.
	in = Input{X: 0.55, Omega: -0.55}
	cmd.Execute()
	test.That(t, d.last().Vx, test.ShouldAlmostEqual, 0.25*4, 1e-9)
	test.That(t, d.last().Vy, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, d.last().Omega, test.ShouldAlmostEqual, -0.25*10, 1e-9)

	in = Input{X: 1, SlowMode: true}
	cmd.Execute()
	test.That(t, d.last().Vx, test.ShouldAlmostEqual, 2, 1e-9)

	// Diagonal sticks saturate at full speed.
	in = Input{X: 1, Y: 1}
	cmd.Execute()
	test.That(t, math.Hypot(d.last().Vx, d.last().Vy), test.ShouldAlmostEqual, 4, 1e-9)

	// Field forward while facing left is robot right.
	d.pose.Heading = math.Pi / 2
	in = Input{X: 1}
	cmd.Execute()
	test.That(t, d.last().Vx, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, d.last().Vy, test.ShouldAlmostEqual, -4, 1e-9)
}

func TestJoystickRotationLockHandoff(t *testing.T) {
	d := &fakeDrive{correction: 1.5}
	var in Input
	cmd := JoystickDrive(d, func() Input { return in }, DefaultJoystickConfig(), logging.NewTestLogger(t))

	d.SetDesiredHeading(1)
	cmd.Execute()
	test.That(t, d.last().Omega, test.ShouldEqual, 1.5)
	test.That(t, d.lock, test.ShouldEqual, drive.RotationLockActive)

	d.atGoal = true
	cmd.Execute()
	test.That(t, d.last().Omega, test.ShouldEqual, 1.5)
	test.That(t, d.lock, test.ShouldEqual, drive.RotationLockOff)

	d.atGoal = false
	d.SetDesiredHeading(1)
	in = Input{Omega: 1}
	cmd.Execute()
	test.That(t, d.lock, test.ShouldEqual, drive.RotationLockOff)
	test.That(t, d.last().Omega, test.ShouldAlmostEqual, 10, 1e-9)
}

func TestJoystickAxesSaturateAtFullScale(t *testing.T) {
	d := &fakeDrive{}
	var in Input
	cmd := JoystickDrive(d, func() Input { return in }, DefaultJoystickConfig(), logging.NewTestLogger(t))

	in = Input{X: 3, Omega: 2}
	cmd.Execute()
	test.That(t, d.last().Vx, test.ShouldAlmostEqual, 4, 1e-9)
	test.That(t, d.last().Omega, test.ShouldAlmostEqual, 10, 1e-9)

	in = Input{Omega: -5}
	cmd.Execute()
	test.That(t, d.last().Omega, test.ShouldAlmostEqual, -10, 1e-9)
}

func TestJoystickDriveAtAngleHoldsHeading(t *testing.T) {
	d := &fakeDrive{correction: 0.3}
	cmd := JoystickDriveAtAngle(d, constant(Input{X: 0.55, Omega: 1}), func() float64 { return 1.0 }, DefaultJoystickConfig())
	cmd.Initialize()
	test.That(t, d.resets, test.ShouldEqual, 1)
	cmd.Execute()

	state, target := d.RotationLock()
	test.That(t, state, test.ShouldEqual, drive.RotationLockActive)
	test.That(t, target, test.ShouldEqual, 1.0)
	test.That(t, d.last().Vx, test.ShouldAlmostEqual, 0.25*4, 1e-9)
	test.That(t, d.last().Omega, test.ShouldAlmostEqual, 0.3, 1e-9)

	cmd.End(true)
	test.That(t, d.lock, test.ShouldEqual, drive.RotationLockOff)
}

func TestKeepRotationForward(t *testing.T) {
	d := &fakeDrive{}
	var in Input
	cmd := KeepRotationForward(d, func() Input { return in }, DefaultJoystickConfig())
	test.That(t, cmd.Requirements(), test.ShouldBeEmpty)

	in = Input{X: 0.15, Y: 0.05}
	cmd.Execute()
	test.That(t, d.lock, test.ShouldEqual, drive.RotationLockOff)

	in = Input{X: 0, Y: -0.8}
	cmd.Execute()
	test.That(t, d.lock, test.ShouldEqual, drive.RotationLockActive)
	test.That(t, d.target, test.ShouldAlmostEqual, -math.Pi/2, 1e-12)
}

func TestOneShotCommands(t *testing.T) {
	logger := logging.NewTestLogger(t)
	s := NewScheduler(logger)
	d := &fakeDrive{pose: kinematics.Pose2D{X: 1, Y: 2, Heading: 0.7}}

	s.Schedule(StopInPlace(d))
	s.Schedule(ResetHeading(d, logger))
	snap := SnapToRotation(d, 0.3, logger)
	test.That(t, snap.Requirements(), test.ShouldBeEmpty)
	s.Schedule(snap)
	s.Run()

	test.That(t, s.Running(), test.ShouldBeEmpty)
	test.That(t, d.xStops, test.ShouldEqual, 1)
	test.That(t, d.pose, test.ShouldResemble, kinematics.Pose2D{X: 1, Y: 2, Heading: 0})
	test.That(t, d.lock, test.ShouldEqual, drive.RotationLockActive)
	test.That(t, d.target, test.ShouldEqual, 0.3)
}

func TestStaticVoltageCommandsStopOnEnd(t *testing.T) {
	s := NewScheduler(logging.NewTestLogger(t))
	d := &fakeDrive{}
	s.Schedule(StaticDriveVoltage(d, 1.5))
	s.Run()
	test.That(t, d.driveVolts, test.ShouldEqual, 1.5)

	s.Schedule(StaticTurnVoltage(d, -2))
	test.That(t, d.stops, test.ShouldEqual, 1)
	s.Run()
	test.That(t, d.steerVolts, test.ShouldEqual, -2.0)
	s.CancelAll()
	test.That(t, d.stops, test.ShouldEqual, 2)
}

func TestSnapToRotationOnSimulatedDrivetrain(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := drive.DefaultConfig()
	kin, err := kinematics.NewSwerveKinematics(cfg.ModuleOffsets...)
	test.That(t, err, test.ShouldBeNil)
	simDT := sim.NewDrivetrain(kin, sim.DefaultParams(), logger)

	clk := clock.NewMock()
	sampler, err := odometry.New(clk, cfg.OdometryFrequency, cfg.QueueCapacity, logger)
	test.That(t, err, test.ShouldBeNil)
	dt, err := drive.New(cfg, drive.Inputs{Gyro: simDT.Gyro(), Modules: simDT.Drivers()}, sampler, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	s := NewScheduler(logger)
	test.That(t, s.SetDefault(DriveRequirement, JoystickDrive(dt, constant(Input{}), DefaultJoystickConfig(), logger)), test.ShouldBeNil)

	cycle := func() {
		for i := 0; i < 5; i++ {
			simDT.Step(0.004)
			clk.Add(4 * time.Millisecond)
			sampler.Sample()
		}
		dt.Periodic()
		s.Run()
	}

	cycle()
	test.That(t, dt.Snapshot().Commanded, test.ShouldResemble, kinematics.ChassisSpeeds{})

	s.Schedule(SnapToRotation(dt, math.Pi/2, logger))
	cycle()
	test.That(t, dt.Snapshot().Commanded.Omega, test.ShouldBeGreaterThan, 0)

	released := false
	for i := 0; i < 250 && !released; i++ {
		cycle()
		state, _ := dt.RotationLock()
		released = state == drive.RotationLockOff
	}
	test.That(t, released, test.ShouldBeTrue)
	test.That(t, dt.Rotation(), test.ShouldAlmostEqual, math.Pi/2, math.Pi/180)
}
