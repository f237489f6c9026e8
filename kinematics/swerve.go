package kinematics

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SwerveKinematics converts between chassis speeds and per-module states for modules at
// fixed offsets from the robot center. It is not safe for concurrent use; the zero-speed
// case returns the angles of the previous non-zero request.
type SwerveKinematics struct {
	offsets    []r2.Point
	inverse    *mat.Dense // 2N x 3, chassis -> module vectors
	forward    *mat.Dense // 3 x 2N, least squares module vectors -> chassis
	lastAngles []float64
}

// NewSwerveKinematics builds the kinematics for the given module offsets, in meters,
// X forward and Y left of the robot center.
func NewSwerveKinematics(offsets ...r2.Point) (*SwerveKinematics, error) {
	if len(offsets) < 2 {
		return nil, errors.Errorf("swerve kinematics needs at least 2 modules, got %d", len(offsets))
	}

	n := len(offsets)
	inverse := mat.NewDense(2*n, 3, nil)
	for i, o := range offsets {
		inverse.SetRow(2*i, []float64{1, 0, -o.Y})
		inverse.SetRow(2*i+1, []float64{0, 1, o.X})
	}

	var normal mat.Dense
	normal.Mul(inverse.T(), inverse)
	var normalInv mat.Dense
	if err := normalInv.Inverse(&normal); err != nil {
		return nil, errors.Wrap(err, "module offsets do not span the chassis motion")
	}
	forward := mat.NewDense(3, 2*n, nil)
	forward.Mul(&normalInv, inverse.T())

	return &SwerveKinematics{
		offsets:    append([]r2.Point(nil), offsets...),
		inverse:    inverse,
		forward:    forward,
		lastAngles: make([]float64, n),
	}, nil
}

// NumModules returns the number of configured modules.
func (k *SwerveKinematics) NumModules() int {
	return len(k.offsets)
}

// Offsets returns a copy of the module offsets.
func (k *SwerveKinematics) Offsets() []r2.Point {
	return append([]r2.Point(nil), k.offsets...)
}

// ResetHeadings sets the steer angles returned for zero speeds.
func (k *SwerveKinematics) ResetHeadings(angles []float64) {
	copy(k.lastAngles, angles)
}

// ToModuleStates performs inverse kinematics for robot relative speeds.
func (k *SwerveKinematics) ToModuleStates(speeds ChassisSpeeds) []ModuleState {
	states := make([]ModuleState, len(k.offsets))
	if speeds.IsZero() {
		for i := range states {
			states[i] = ModuleState{Speed: 0, Angle: k.lastAngles[i]}
		}
		return states
	}

	chassis := mat.NewVecDense(3, []float64{speeds.Vx, speeds.Vy, speeds.Omega})
	var modules mat.VecDense
	modules.MulVec(k.inverse, chassis)

	for i := range states {
		x := modules.AtVec(2 * i)
		y := modules.AtVec(2*i + 1)
		speed := math.Hypot(x, y)
		angle := k.lastAngles[i]
		if speed > 1e-9 {
			angle = math.Atan2(y, x)
		}
		states[i] = ModuleState{Speed: speed, Angle: angle}
		k.lastAngles[i] = angle
	}
	return states
}

// ToChassisSpeeds performs forward kinematics on measured module states.
func (k *SwerveKinematics) ToChassisSpeeds(states []ModuleState) ChassisSpeeds {
	vectors := mat.NewVecDense(2*len(k.offsets), nil)
	for i, s := range states {
		if i >= len(k.offsets) {
			break
		}
		sin, cos := math.Sincos(s.Angle)
		vectors.SetVec(2*i, s.Speed*cos)
		vectors.SetVec(2*i+1, s.Speed*sin)
	}
	var chassis mat.VecDense
	chassis.MulVec(k.forward, vectors)
	return ChassisSpeeds{Vx: chassis.AtVec(0), Vy: chassis.AtVec(1), Omega: chassis.AtVec(2)}
}

// ToTwist converts per-module displacements since the last update into a robot relative
// twist. Each delta carries the distance travelled and the steer angle at the end of it.
func (k *SwerveKinematics) ToTwist(deltas []ModulePosition) Twist2D {
	vectors := mat.NewVecDense(2*len(k.offsets), nil)
	for i, d := range deltas {
		if i >= len(k.offsets) {
			break
		}
		sin, cos := math.Sincos(d.Angle)
		vectors.SetVec(2*i, d.Distance*cos)
		vectors.SetVec(2*i+1, d.Distance*sin)
	}
	var twist mat.VecDense
	twist.MulVec(k.forward, vectors)
	return Twist2D{Dx: twist.AtVec(0), Dy: twist.AtVec(1), DTheta: twist.AtVec(2)}
}

// Desaturate scales every module speed by the same factor so none exceeds maxSpeed.
// Uniform scaling keeps the direction of the resulting chassis motion.
func Desaturate(states []ModuleState, maxSpeed float64) []ModuleState {
	out := append([]ModuleState(nil), states...)
	realMax := 0.0
	for _, s := range out {
		realMax = math.Max(realMax, math.Abs(s.Speed))
	}
	if realMax <= maxSpeed || realMax == 0 {
		return out
	}
	scale := maxSpeed / realMax
	for i := range out {
		out[i].Speed *= scale
	}
	return out
}
