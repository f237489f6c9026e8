package commands

import (
	"math"

	"go.viam.com/rdk/logging"

	"swerve/control"
	"swerve/drive"
	"swerve/kinematics"
)

// DriveRequirement is the resource held by commands that command the drivetrain.
const DriveRequirement = "drive"

// Drive is the drivetrain surface the driving commands use. *drive.Drivetrain satisfies it.
type Drive interface {
	RunVelocity(speeds kinematics.ChassisSpeeds)
	Stop()
	StopWithX()
	Pose() kinematics.Pose2D
	SetPose(pose kinematics.Pose2D)
	Rotation() float64
	SetDesiredHeading(heading float64)
	ClearRotationLock()
	RotationLock() (drive.RotationLockState, float64)
	HeadingCorrection() (float64, bool)
	ResetHeadingLoop()
	MaxLinearSpeed() float64
	MaxAngularSpeed() float64
	RunDriveOpenLoop(volts float64)
	RunSteerOpenLoop(volts float64)
}

// Input is one joystick reading. X is forward and Y is left, both in [-1, 1]; Omega is
// counter-clockwise positive.
type Input struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Omega    float64 `json:"omega"`
	SlowMode bool    `json:"slow_mode"`
}

// InputSource returns the latest joystick reading.
type InputSource func() Input

// JoystickConfig shapes the driver's inputs.
type JoystickConfig struct {
	Deadband  float64
	SlowScale float64
	// RobotRelative drives in the robot frame instead of the field frame.
	RobotRelative bool
}

// DefaultJoystickConfig returns a 0.1 deadband and half speed in slow mode.
func DefaultJoystickConfig() JoystickConfig {
	return JoystickConfig{Deadband: 0.1, SlowScale: 0.5}
}

// keepForwardThreshold is the deadbanded stick magnitude above which the robot turns to
// face the direction of travel.
const keepForwardThreshold = 0.1

// linearVelocity deadbands and squares the stick magnitude, keeping its direction.
func linearVelocity(x, y, deadband float64) (float64, float64) {
	magnitude := math.Min(control.ApplyDeadband(math.Hypot(x, y), deadband), 1)
	magnitude *= magnitude
	sin, cos := math.Sincos(math.Atan2(y, x))
	return magnitude * cos, magnitude * sin
}

func toDriveFrame(d Drive, speeds kinematics.ChassisSpeeds, robotRelative bool) kinematics.ChassisSpeeds {
	if robotRelative {
		return speeds
	}
	return kinematics.FromFieldRelative(speeds, d.Rotation())
}

// JoystickDrive drives from the joystick until interrupted. Rotation input takes over from
// the rotation lock; without it an active lock turns the robot and is released once the
// heading settles.
func JoystickDrive(d Drive, input InputSource, cfg JoystickConfig, logger logging.Logger) Command {
	return New("joystick drive", Hooks{
		Execute: func() {
			in := input()
			slow := 1.0
			if in.SlowMode {
				slow = cfg.SlowScale
			}

			x, y := linearVelocity(in.X, in.Y, cfg.Deadband)
			omega := control.ApplyDeadband(math.Max(-1, math.Min(1, in.Omega)), cfg.Deadband)
			omega = math.Copysign(omega*omega, omega)

			state, _ := d.RotationLock()
			switch {
			case math.Abs(omega) > 1e-6:
				if state == drive.RotationLockActive {
					logger.Debugw("rotation input overrides rotation lock")
					d.ClearRotationLock()
				}
				omega *= d.MaxAngularSpeed() * slow
			case state == drive.RotationLockActive:
				correction, atGoal := d.HeadingCorrection()
				omega = correction
				if atGoal {
					logger.Infow("snap to rotation complete", "heading", d.Rotation())
					d.ClearRotationLock()
				}
			default:
				omega = 0
			}

			maxSpeed := d.MaxLinearSpeed() * slow
			speeds := kinematics.ChassisSpeeds{Vx: x * maxSpeed, Vy: y * maxSpeed, Omega: omega}
			d.RunVelocity(toDriveFrame(d, speeds, cfg.RobotRelative))
		},
	}, DriveRequirement)
}

// JoystickDriveAtAngle drives the translation from the joystick while the rotation lock
// holds the heading returned by heading. The lock is released when the command ends.
func JoystickDriveAtAngle(d Drive, input InputSource, heading func() float64, cfg JoystickConfig) Command {
	return BeforeStarting(New("joystick drive at angle", Hooks{
		Execute: func() {
			in := input()
			d.SetDesiredHeading(heading())
			x, y := linearVelocity(in.X, in.Y, cfg.Deadband)
			speeds := kinematics.ChassisSpeeds{Vx: x * d.MaxLinearSpeed(), Vy: y * d.MaxLinearSpeed()}
			speeds.Omega, _ = d.HeadingCorrection()
			d.RunVelocity(toDriveFrame(d, speeds, cfg.RobotRelative))
		},
		End: func(bool) { d.ClearRotationLock() },
	}, DriveRequirement), d.ResetHeadingLoop)
}

// SnapToRotation arms the rotation lock toward heading and finishes immediately. It holds
// no requirement, so the running drive command keeps control of the translation.
func SnapToRotation(d Drive, heading float64, logger logging.Logger) Command {
	return RunOnce("snap to rotation", func() {
		logger.Infow("snap to rotation", "target", heading)
		d.SetDesiredHeading(heading)
	})
}

// KeepRotationForward keeps the robot facing its direction of travel while the stick is
// pushed past the threshold.
func KeepRotationForward(d Drive, input InputSource, cfg JoystickConfig) Command {
	return Run("keep rotation forward", func() {
		in := input()
		magnitude := control.ApplyDeadband(math.Hypot(in.X, in.Y), cfg.Deadband)
		if magnitude > keepForwardThreshold {
			heading := math.Atan2(in.Y, in.X)
			if !cfg.RobotRelative {
				// Field relative sticks already point in the field frame.
				d.SetDesiredHeading(heading)
				return
			}
			d.SetDesiredHeading(d.Rotation() + heading)
		}
	})
}

// StopInPlace stops with the wheels in an X.
func StopInPlace(d Drive) Command {
	return RunOnce("stop in place", d.StopWithX, DriveRequirement)
}

// ResetHeading makes the current direction the zero heading, keeping the position.
func ResetHeading(d Drive, logger logging.Logger) Command {
	return RunOnce("reset heading", func() {
		pose := d.Pose()
		d.SetPose(pose.WithHeading(0))
		logger.Infow("heading reset", "x", pose.X, "y", pose.Y, "previous_heading", pose.Heading)
	})
}

// StaticDriveVoltage holds volts on the drive motors with the wheels forward until
// interrupted.
func StaticDriveVoltage(d Drive, volts float64) Command {
	return New("static drive voltage", Hooks{
		Execute: func() { d.RunDriveOpenLoop(volts) },
		End:     func(bool) { d.Stop() },
	}, DriveRequirement)
}

// StaticTurnVoltage holds volts on the steer motors until interrupted.
func StaticTurnVoltage(d Drive, volts float64) Command {
	return New("static turn voltage", Hooks{
		Execute: func() { d.RunSteerOpenLoop(volts) },
		End:     func(bool) { d.Stop() },
	}, DriveRequirement)
}
