package robot

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"

	"swerve/commands"
	"swerve/kinematics"
)

/*
	The base API uses Y forward, X right and Z up, in mm and degrees. The drivetrain uses
	X forward and Y left, in meters and radians.
*/

func (r *Robot) warnUnused(method string, linear, angular r3.Vector) {
	if linear.Z != 0 {
		r.logger.Warnw("linear Z has no effect on a planar base", "method", method)
	}
	if angular.X != 0 || angular.Y != 0 {
		r.logger.Warnw("angular X and Y have no effect on a planar base", "method", method)
	}
}

// SetVelocity drives at linear mm/s and angular deg/s until replaced or stopped.
func (r *Robot) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	r.warnUnused("SetVelocity", linear, angular)
	return r.RunVelocity(ctx, kinematics.ChassisSpeeds{
		Vx:    linear.Y / 1000,
		Vy:    -linear.X / 1000,
		Omega: rdkutils.DegToRad(angular.Z),
	})
}

// SetPower drives at fractions of the maximum linear and angular speeds.
func (r *Robot) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	r.warnUnused("SetPower", linear, angular)
	maxLinear, maxAngular := r.drive.MaxLinearSpeed(), r.drive.MaxAngularSpeed()
	return r.RunVelocity(ctx, kinematics.ChassisSpeeds{
		Vx:    clampUnit(linear.Y) * maxLinear,
		Vy:    -clampUnit(linear.X) * maxLinear,
		Omega: clampUnit(angular.Z) * maxAngular,
	})
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

// MoveStraight drives distanceMm forward, or backward when exactly one of distanceMm and
// mmPerSec is negative, and returns once the distance is covered.
func (r *Robot) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return r.Stop(ctx, nil)
	}
	distance := math.Abs(float64(distanceMm)) / 1000
	speed := math.Abs(mmPerSec) / 1000
	if (distanceMm < 0) != (mmPerSec < 0) {
		speed = -speed
	}

	done := make(chan struct{})
	var start kinematics.Pose2D
	cmd := commands.New("move straight", commands.Hooks{
		Initialize: func() { start = r.drive.Pose() },
		Execute:    func() { r.drive.RunVelocity(kinematics.ChassisSpeeds{Vx: speed}) },
		IsFinished: func() bool {
			p := r.drive.Pose()
			return math.Hypot(p.X-start.X, p.Y-start.Y) >= distance
		},
		End: func(bool) {
			r.drive.Stop()
			close(done)
		},
	}, commands.DriveRequirement)
	return r.runMotion(ctx, cmd, done)
}

// Spin turns in place by angleDeg at degsPerSec and returns once the angle is covered.
func (r *Robot) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return r.Stop(ctx, nil)
	}
	target := math.Abs(rdkutils.DegToRad(angleDeg))
	omega := math.Copysign(math.Abs(rdkutils.DegToRad(degsPerSec)), angleDeg*degsPerSec)

	done := make(chan struct{})
	var last, turned float64
	cmd := commands.New("spin", commands.Hooks{
		Initialize: func() {
			last = r.drive.Rotation()
			turned = 0
		},
		Execute: func() {
			heading := r.drive.Rotation()
			turned += kinematics.AngleModulus(heading - last)
			last = heading
			r.drive.RunVelocity(kinematics.ChassisSpeeds{Omega: omega})
		},
		IsFinished: func() bool { return math.Abs(turned) >= target },
		End: func(bool) {
			r.drive.Stop()
			close(done)
		},
	}, commands.DriveRequirement)
	return r.runMotion(ctx, cmd, done)
}

// runMotion starts cmd and waits for it to end. Cancelling ctx interrupts cmd.
func (r *Robot) runMotion(ctx context.Context, cmd commands.Command, done <-chan struct{}) error {
	if err := r.do(ctx, func() { r.startMotion(cmd) }); err != nil {
		return err
	}
	r.isMoving.Store(true)
	select {
	case <-done:
		return nil
	case <-r.closed:
		return errClosed
	case <-ctx.Done():
		// The caller is gone; the request only needs to reach the loop.
		if err := r.do(context.Background(), func() { r.scheduler.Cancel(cmd) }); err != nil {
			r.logger.Debugw("could not cancel motion", "command", cmd.Name(), "error", err)
		}
		return ctx.Err()
	}
}

// Stop ends any base motion and zeroes the joystick. The wheels keep their current angles.
func (r *Robot) Stop(ctx context.Context, extra map[string]interface{}) error {
	r.isMoving.Store(false)
	return r.do(ctx, func() {
		r.joystick = commands.Input{}
		r.drive.ClearRotationLock()
		r.startMotion(commands.RunOnce("stop", r.drive.Stop, commands.DriveRequirement))
	})
}

// IsMoving reports whether the base is commanded or measured to move.
func (r *Robot) IsMoving(ctx context.Context) (bool, error) {
	return r.isMoving.Load(), nil
}

// Properties returns the track width and wheel circumference.
func (r *Robot) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return r.properties, nil
}

// Geometries returns the geometry of the configured frame.
func (r *Robot) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return r.geometries, nil
}
