package kinematics

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func TestAngleModulus(t *testing.T) {
	test.That(t, AngleModulus(3*math.Pi/2), test.ShouldAlmostEqual, -math.Pi/2, 1e-12)
	test.That(t, AngleModulus(-3*math.Pi/2), test.ShouldAlmostEqual, math.Pi/2, 1e-12)
	test.That(t, AngleModulus(0.25), test.ShouldAlmostEqual, 0.25, 1e-12)
}

func TestExpLogInverse(t *testing.T) {
	start := Pose2D{X: 1, Y: -2, Heading: 0.4}
	twist := Twist2D{Dx: 0.8, Dy: 0.1, DTheta: 0.9}
	end := start.Exp(twist)
	back := start.Log(end)
	test.That(t, back.Dx, test.ShouldAlmostEqual, twist.Dx, 1e-9)
	test.That(t, back.Dy, test.ShouldAlmostEqual, twist.Dy, 1e-9)
	test.That(t, back.DTheta, test.ShouldAlmostEqual, twist.DTheta, 1e-9)
}

func TestExpQuarterCircle(t *testing.T) {
	// An arc of radius 1 turning left a quarter turn ends at (1, 1) facing +Y.
	end := Pose2D{}.Exp(Twist2D{Dx: math.Pi / 2, DTheta: math.Pi / 2})
	test.That(t, end.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, end.Y, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, end.Heading, test.ShouldAlmostEqual, math.Pi/2, 1e-9)
}

func TestFieldRelativeConversion(t *testing.T) {
	field := ChassisSpeeds{Vx: 1, Omega: 0.3}
	robot := FromFieldRelative(field, math.Pi/2)
	test.That(t, robot.Vx, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, robot.Vy, test.ShouldAlmostEqual, -1, 1e-12)
	test.That(t, robot.Omega, test.ShouldEqual, 0.3)

	again := ToFieldRelative(robot, math.Pi/2)
	test.That(t, again.Vx, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, again.Vy, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestDiscretizeReproducesCommandedDisplacement(t *testing.T) {
	const dt = 0.02
	speeds := ChassisSpeeds{Vx: 3, Vy: 0, Omega: 5}
	d := speeds.Discretize(dt)
	end := Pose2D{}.Exp(Twist2D{Dx: d.Vx * dt, Dy: d.Vy * dt, DTheta: d.Omega * dt})
	test.That(t, end.X, test.ShouldAlmostEqual, speeds.Vx*dt, 1e-9)
	test.That(t, end.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, end.Heading, test.ShouldAlmostEqual, speeds.Omega*dt, 1e-9)
}

func TestOdometryFollowsGyroAndReset(t *testing.T) {
	kin, err := NewSwerveKinematics(
		r2.Point{X: 0.3, Y: 0.3}, r2.Point{X: 0.3, Y: -0.3},
		r2.Point{X: -0.3, Y: 0.3}, r2.Point{X: -0.3, Y: -0.3},
	)
	test.That(t, err, test.ShouldBeNil)

	zero := []ModulePosition{{}, {}, {}, {}}
	odo := NewOdometry(kin, 0, zero, Pose2D{})

	forward := []ModulePosition{{1, 0}, {1, 0}, {1, 0}, {1, 0}}
	pose := odo.Update(0, forward)
	test.That(t, pose.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, pose.Y, test.ShouldAlmostEqual, 0, 1e-9)

	odo.Reset(Pose2D{X: 5, Y: 5, Heading: math.Pi / 2}, 0.7, forward)
	test.That(t, odo.Pose().Heading, test.ShouldAlmostEqual, math.Pi/2, 1e-12)

	// Gyro unchanged, modules roll another meter along the robot's +X, which is field +Y.
	pose = odo.Update(0.7, []ModulePosition{{2, 0}, {2, 0}, {2, 0}, {2, 0}})
	test.That(t, pose.X, test.ShouldAlmostEqual, 5, 1e-9)
	test.That(t, pose.Y, test.ShouldAlmostEqual, 6, 1e-9)
	test.That(t, pose.Heading, test.ShouldAlmostEqual, math.Pi/2, 1e-9)
}
