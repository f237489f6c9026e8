package kinematics

import (
	"math"

	"github.com/golang/geo/r2"
)

// ChassisSpeeds is a planar velocity. Vx and Vy are in m/s, Omega in rad/s.
type ChassisSpeeds struct {
	Vx    float64 `json:"vx"`
	Vy    float64 `json:"vy"`
	Omega float64 `json:"omega"`
}

// FromFieldRelative converts field relative speeds into the robot frame given the robot heading.
func FromFieldRelative(field ChassisSpeeds, heading float64) ChassisSpeeds {
	v := Rotate(r2.Point{X: field.Vx, Y: field.Vy}, -heading)
	return ChassisSpeeds{Vx: v.X, Vy: v.Y, Omega: field.Omega}
}

// ToFieldRelative converts robot relative speeds into the field frame given the robot heading.
func ToFieldRelative(robot ChassisSpeeds, heading float64) ChassisSpeeds {
	v := Rotate(r2.Point{X: robot.Vx, Y: robot.Vy}, heading)
	return ChassisSpeeds{Vx: v.X, Vy: v.Y, Omega: robot.Omega}
}

// Discretize compensates for the translational skew of driving and turning at the same
// time over a loop period of dt seconds.
func (s ChassisSpeeds) Discretize(dt float64) ChassisSpeeds {
	if dt <= 0 {
		return s
	}
	delta := Pose2D{X: s.Vx * dt, Y: s.Vy * dt, Heading: s.Omega * dt}
	twist := Pose2D{}.Log(delta)
	return ChassisSpeeds{Vx: twist.Dx / dt, Vy: twist.Dy / dt, Omega: twist.DTheta / dt}
}

// IsZero reports whether all components are exactly zero.
func (s ChassisSpeeds) IsZero() bool {
	return s.Vx == 0 && s.Vy == 0 && s.Omega == 0
}

// ModuleState is a wheel speed (m/s) and steer angle (rad) for one corner.
type ModuleState struct {
	Speed float64 `json:"speed"`
	Angle float64 `json:"angle"`
}

// Optimize flips the wheel direction when reaching the target angle would take more
// than a quarter turn from the current steer angle.
func (m ModuleState) Optimize(current float64) ModuleState {
	delta := AngleModulus(m.Angle - current)
	if math.Abs(delta) > math.Pi/2 {
		return ModuleState{Speed: -m.Speed, Angle: AngleModulus(m.Angle + math.Pi)}
	}
	return ModuleState{Speed: m.Speed, Angle: AngleModulus(m.Angle)}
}

// CosineScale reduces the wheel speed by the cosine of the remaining steer error so a
// wheel that is still turning does not push sideways.
func (m ModuleState) CosineScale(current float64) ModuleState {
	return ModuleState{Speed: m.Speed * math.Cos(m.Angle-current), Angle: m.Angle}
}

// ModulePosition is a cumulative drive distance (m) and steer angle (rad) for one corner.
type ModulePosition struct {
	Distance float64 `json:"distance"`
	Angle    float64 `json:"angle"`
}
