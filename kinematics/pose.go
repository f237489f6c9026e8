// Package kinematics holds the planar geometry and swerve kinematics used by the drivetrain.
package kinematics

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
)

// AngleModulus wraps an angle in radians to [-pi, pi].
func AngleModulus(angle float64) float64 {
	return math.Remainder(angle, 2*math.Pi)
}

// Rotate rotates p counter-clockwise by angle radians.
func Rotate(p r2.Point, angle float64) r2.Point {
	sin, cos := math.Sincos(angle)
	return r2.Point{X: p.X*cos - p.Y*sin, Y: p.X*sin + p.Y*cos}
}

// Pose2D is a field pose. X points away from the driver station wall, Y to the left,
// Heading is counter-clockwise positive.
type Pose2D struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// Translation returns the position part of the pose.
func (p Pose2D) Translation() r2.Point {
	return r2.Point{X: p.X, Y: p.Y}
}

// WithHeading returns a copy of p with the heading replaced.
func (p Pose2D) WithHeading(heading float64) Pose2D {
	return Pose2D{X: p.X, Y: p.Y, Heading: AngleModulus(heading)}
}

func (p Pose2D) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.1f°)", p.X, p.Y, p.Heading*180/math.Pi)
}

// Twist2D is an incremental motion expressed in the frame of the pose it is applied to.
type Twist2D struct {
	Dx     float64
	Dy     float64
	DTheta float64
}

// Exp applies a constant-curvature twist to the pose.
func (p Pose2D) Exp(t Twist2D) Pose2D {
	sinTheta, cosTheta := math.Sincos(t.DTheta)

	var s, c float64
	if math.Abs(t.DTheta) < 1e-9 {
		s = 1 - t.DTheta*t.DTheta/6
		c = 0.5 * t.DTheta
	} else {
		s = sinTheta / t.DTheta
		c = (1 - cosTheta) / t.DTheta
	}

	local := r2.Point{X: t.Dx*s - t.Dy*c, Y: t.Dx*c + t.Dy*s}
	moved := p.Translation().Add(Rotate(local, p.Heading))
	return Pose2D{X: moved.X, Y: moved.Y, Heading: AngleModulus(p.Heading + t.DTheta)}
}

// Log returns the twist that takes p to end.
func (p Pose2D) Log(end Pose2D) Twist2D {
	local := Rotate(end.Translation().Sub(p.Translation()), -p.Heading)
	dTheta := AngleModulus(end.Heading - p.Heading)
	halfDTheta := dTheta / 2
	cosMinusOne := math.Cos(dTheta) - 1

	var halfThetaByTanOfHalfDTheta float64
	if math.Abs(cosMinusOne) < 1e-9 {
		halfThetaByTanOfHalfDTheta = 1 - dTheta*dTheta/12
	} else {
		halfThetaByTanOfHalfDTheta = -(halfDTheta * math.Sin(dTheta)) / cosMinusOne
	}

	part := Rotate(local, math.Atan2(-halfDTheta, halfThetaByTanOfHalfDTheta)).
		Mul(math.Hypot(halfThetaByTanOfHalfDTheta, halfDTheta))
	return Twist2D{Dx: part.X, Dy: part.Y, DTheta: dTheta}
}
