// Package corner defines the contract one swerve module (a drive axis, a steer axis and an
// absolute steer sensor) has to satisfy, along with its hardware and disabled variants.
package corner

import "github.com/pkg/errors"

// ErrNoSignal is returned by ReadOdometry when the driver has no fresh reading.
var ErrNoSignal = errors.New("no live module signal")

// State is a snapshot of one module.
type State struct {
	DrivePosition     float64 `json:"drive_position_m"`
	DriveVelocity     float64 `json:"drive_velocity_mps"`
	DriveAppliedVolts float64 `json:"drive_applied_volts"`
	DriveCurrentAmps  float64 `json:"drive_current_amps"`
	SteerAngle        float64 `json:"steer_angle_rad"`
	SteerVelocity     float64 `json:"steer_velocity_radps"`
	DriveConnected    bool    `json:"drive_connected"`
	SteerConnected    bool    `json:"steer_connected"`
}

// Reading is the pair of values the odometry sampler collects at high rate.
type Reading struct {
	DrivePosition float64 `json:"drive_position_m"`
	SteerAngle    float64 `json:"steer_angle_rad"`
}

// Driver controls one module. No method may block on I/O; setpoints are held until
// replaced.
type Driver interface {
	// UpdateState returns the latest snapshot without side effects.
	UpdateState() State
	SetDriveOpenLoop(volts float64)
	SetSteerOpenLoop(volts float64)
	// SetSteerSetpoint drives the steer axis to an absolute angle in radians.
	SetSteerSetpoint(angle float64)
	// SetDriveVelocitySetpoint runs the drive axis closed loop at velocity m/s with the
	// given feedforward voltage added.
	SetDriveVelocitySetpoint(velocity, feedforwardVolts float64)
	SetBrakeMode(enabled bool)
	Stop()
	ReadOdometry() (Reading, error)
}

// Disabled is a driver with no hardware behind it, used when sensor data comes from a
// replay source. It reports a zero state and ignores every setpoint.
type Disabled struct{}

// UpdateState returns the zero state.
func (Disabled) UpdateState() State { return State{} }

// SetDriveOpenLoop does nothing.
func (Disabled) SetDriveOpenLoop(float64) {}

// SetSteerOpenLoop does nothing.
func (Disabled) SetSteerOpenLoop(float64) {}

// SetSteerSetpoint does nothing.
func (Disabled) SetSteerSetpoint(float64) {}

// SetDriveVelocitySetpoint does nothing.
func (Disabled) SetDriveVelocitySetpoint(float64, float64) {}

// SetBrakeMode does nothing.
func (Disabled) SetBrakeMode(bool) {}

// Stop does nothing.
func (Disabled) Stop() {}

// ReadOdometry always fails with ErrNoSignal.
func (Disabled) ReadOdometry() (Reading, error) { return Reading{}, ErrNoSignal }
