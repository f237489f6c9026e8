// Package control provides the small feedback and input-shaping blocks used by the
// drivetrain: a PID controller with continuous input, a slew-rate limiter, a debouncer
// and a joystick deadband.
package control

import (
	"math"
	"time"
)

// PID is a discrete PID controller run at a fixed period. It is not safe for concurrent use.
type PID struct {
	kp, ki, kd float64
	period     float64

	continuous         bool
	minInput, maxInput float64

	positionTolerance float64
	velocityTolerance float64
	outputLimit       float64
	integralLimit     float64

	positionError float64
	prevError     float64
	velocityError float64
	totalError    float64

	haveSetpoint    bool
	haveMeasurement bool
}

// NewPID returns a controller with the given gains that is stepped once every period.
func NewPID(kp, ki, kd float64, period time.Duration) *PID {
	return &PID{
		kp:                kp,
		ki:                ki,
		kd:                kd,
		period:            period.Seconds(),
		positionTolerance: 0.05,
		velocityTolerance: math.Inf(1),
		outputLimit:       math.Inf(1),
		integralLimit:     math.Inf(1),
	}
}

// EnableContinuousInput makes the controller treat min and max as the same point, so the
// error always takes the shorter way around.
func (p *PID) EnableContinuousInput(min, max float64) {
	p.continuous = true
	p.minInput = min
	p.maxInput = max
}

// SetTolerance sets the position and rate-of-error bands used by AtSetpoint.
func (p *PID) SetTolerance(position, velocity float64) {
	p.positionTolerance = position
	p.velocityTolerance = velocity
}

// SetOutputLimit clamps the magnitude of Calculate's result. Zero or negative removes the clamp.
func (p *PID) SetOutputLimit(limit float64) {
	if limit <= 0 {
		limit = math.Inf(1)
	}
	p.outputLimit = limit
}

// SetIntegralLimit clamps the magnitude of the accumulated error.
func (p *PID) SetIntegralLimit(limit float64) {
	if limit <= 0 {
		limit = math.Inf(1)
	}
	p.integralLimit = limit
}

// Calculate steps the controller and returns the output for the given measurement and setpoint.
func (p *PID) Calculate(measurement, setpoint float64) float64 {
	p.haveSetpoint = true
	p.haveMeasurement = true
	p.prevError = p.positionError

	if p.continuous {
		bound := (p.maxInput - p.minInput) / 2
		p.positionError = InputModulus(setpoint-measurement, -bound, bound)
	} else {
		p.positionError = setpoint - measurement
	}
	p.velocityError = (p.positionError - p.prevError) / p.period

	if p.ki != 0 {
		p.totalError = clamp(p.totalError+p.positionError*p.period, p.integralLimit)
	}

	out := p.kp*p.positionError + p.ki*p.totalError + p.kd*p.velocityError
	return clamp(out, p.outputLimit)
}

// AtSetpoint reports whether both the error and its rate are inside tolerance. It is false
// until the controller has been stepped at least once.
func (p *PID) AtSetpoint() bool {
	return p.haveSetpoint && p.haveMeasurement &&
		math.Abs(p.positionError) < p.positionTolerance &&
		math.Abs(p.velocityError) < p.velocityTolerance
}

// Reset clears the error history.
func (p *PID) Reset() {
	p.positionError = 0
	p.prevError = 0
	p.velocityError = 0
	p.totalError = 0
	p.haveMeasurement = false
}

// PositionError returns the most recent error.
func (p *PID) PositionError() float64 { return p.positionError }

// VelocityError returns the most recent rate of change of the error.
func (p *PID) VelocityError() float64 { return p.velocityError }

// InputModulus wraps value into [min, max).
func InputModulus(value, min, max float64) float64 {
	span := max - min
	n := math.Floor((value - min) / span)
	return value - n*span
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
