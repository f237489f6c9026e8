// Package sim simulates the drivetrain corners and heading sensor with first-order DC
// motor models, so the controller can run without hardware.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"

	"swerve/corner"
	"swerve/gyro"
	"swerve/kinematics"
)

// Params are the motor models and onboard loop gains, in wheel surface units for the drive
// axis (m/s) and steer angle units for the steer axis (rad/s).
type Params struct {
	MaxVolts float64

	DriveKS float64 // V
	DriveKV float64 // V per m/s
	DriveKA float64 // V per m/s²
	DriveKP float64 // V per m/s of error

	SteerKV float64 // V per rad/s
	SteerKA float64 // V per rad/s²
	SteerKP float64 // V per rad of error
	SteerKD float64 // V per rad/s

	AmpsPerVolt float64

	// WheelRadiusScale is the true wheel radius over the configured one. Encoders report
	// distance with the configured radius while the chassis moves with the true one.
	WheelRadiusScale float64
}

// DefaultParams approximate a 12 V swerve module with a 6.12:1 drive and 21.4:1 steer.
func DefaultParams() Params {
	return Params{
		MaxVolts:         12,
		DriveKS:          0.1,
		DriveKV:          2.3,
		DriveKA:          0.25,
		DriveKP:          1.0,
		SteerKV:          0.6,
		SteerKA:          0.02,
		SteerKP:          10,
		SteerKD:          0.5,
		AmpsPerVolt:      8,
		WheelRadiusScale: 1,
	}
}

type axisMode int

const (
	modeNeutral axisMode = iota
	modeOpenLoop
	modeClosedLoop
)

// Module is a simulated corner. It satisfies corner.Driver.
type Module struct {
	params Params

	mu sync.Mutex

	driveMode   axisMode
	driveVolts  float64
	driveSetVel float64
	driveFF     float64
	steerMode   axisMode
	steerVolts  float64
	steerSetAng float64
	brake       bool

	drivePosition float64
	driveVelocity float64
	driveApplied  float64
	steerAngle    float64
	steerVelocity float64
}

// NewModule returns a module at rest facing forward.
func NewModule(params Params) *Module {
	return &Module{params: params, brake: true}
}

// UpdateState returns the simulated sensors.
func (m *Module) UpdateState() corner.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return corner.State{
		DrivePosition:     m.drivePosition,
		DriveVelocity:     m.driveVelocity,
		DriveAppliedVolts: m.driveApplied,
		DriveCurrentAmps:  math.Abs(m.driveApplied-m.params.DriveKV*m.driveVelocity) * m.params.AmpsPerVolt,
		SteerAngle:        m.steerAngle,
		SteerVelocity:     m.steerVelocity,
		DriveConnected:    true,
		SteerConnected:    true,
	}
}

// ReadOdometry never fails in simulation.
func (m *Module) ReadOdometry() (corner.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return corner.Reading{DrivePosition: m.drivePosition, SteerAngle: m.steerAngle}, nil
}

// SetDriveOpenLoop applies volts to the drive motor.
func (m *Module) SetDriveOpenLoop(volts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driveMode = modeOpenLoop
	m.driveVolts = volts
}

// SetSteerOpenLoop applies volts to the steer motor.
func (m *Module) SetSteerOpenLoop(volts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steerMode = modeOpenLoop
	m.steerVolts = volts
}

// SetSteerSetpoint holds the steer axis at angle.
func (m *Module) SetSteerSetpoint(angle float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steerMode = modeClosedLoop
	m.steerSetAng = kinematics.AngleModulus(angle)
}

// SetDriveVelocitySetpoint runs the simulated drive velocity loop.
func (m *Module) SetDriveVelocitySetpoint(velocity, feedforwardVolts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driveMode = modeClosedLoop
	m.driveSetVel = velocity
	m.driveFF = feedforwardVolts
}

// SetBrakeMode selects brake or coast in neutral.
func (m *Module) SetBrakeMode(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brake = enabled
}

// Stop puts both axes in neutral.
func (m *Module) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driveMode = modeNeutral
	m.steerMode = modeNeutral
}

// Step advances the module by dt seconds.
func (m *Module) Step(dt float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.params

	var driveVolts float64
	switch m.driveMode {
	case modeOpenLoop:
		driveVolts = m.driveVolts
	case modeClosedLoop:
		driveVolts = p.DriveKP*(m.driveSetVel-m.driveVelocity) + m.driveFF
	}
	driveVolts = clampVolts(driveVolts, p.MaxVolts)
	m.driveApplied = driveVolts
	if m.driveMode == modeNeutral && !m.brake {
		// Coasting keeps the wheel spinning down on friction alone.
		m.driveVelocity = coast(m.driveVelocity, p.DriveKS/p.DriveKA, dt)
	} else {
		m.driveVelocity = firstOrder(m.driveVelocity, driveVolts, p.DriveKS, p.DriveKV, p.DriveKA, dt)
	}
	m.drivePosition += m.driveVelocity * dt

	var steerVolts float64
	switch m.steerMode {
	case modeOpenLoop:
		steerVolts = m.steerVolts
	case modeClosedLoop:
		err := kinematics.AngleModulus(m.steerSetAng - m.steerAngle)
		steerVolts = p.SteerKP*err - p.SteerKD*m.steerVelocity
	}
	steerVolts = clampVolts(steerVolts, p.MaxVolts)
	m.steerVelocity = firstOrder(m.steerVelocity, steerVolts, 0, p.SteerKV, p.SteerKA, dt)
	m.steerAngle = kinematics.AngleModulus(m.steerAngle + m.steerVelocity*dt)
}

// groundState returns the velocity the wheel actually moves the chassis with.
func (m *Module) groundState() kinematics.ModuleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return kinematics.ModuleState{Speed: m.driveVelocity * m.params.WheelRadiusScale, Angle: m.steerAngle}
}

// firstOrder integrates V = kS·sign(v) + kV·v + kA·dv/dt exactly over dt, holding the
// static friction term fixed.
func firstOrder(v, volts, kS, kV, kA, dt float64) float64 {
	friction := 0.0
	if v != 0 {
		friction = math.Copysign(kS, v)
	} else if math.Abs(volts) > kS {
		friction = math.Copysign(kS, volts)
	} else {
		return 0
	}
	target := (volts - friction) / kV
	next := target + (v-target)*math.Exp(-dt*kV/kA)
	if v != 0 && math.Signbit(next) != math.Signbit(v) && math.Abs(volts) <= kS {
		return 0
	}
	return next
}

func coast(v, decel, dt float64) float64 {
	step := decel * dt
	if math.Abs(v) <= step {
		return 0
	}
	return v - math.Copysign(step, v)
}

func clampVolts(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

// Gyro integrates the chassis yaw rate from the simulated wheels. It satisfies gyro.Gyro.
type Gyro struct {
	mu   sync.Mutex
	yaw  float64
	rate float64
}

// UpdateState returns the simulated heading.
func (g *Gyro) UpdateState() gyro.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gyro.State{Yaw: kinematics.AngleModulus(g.yaw), YawVelocity: g.rate, Connected: true}
}

// ReadYaw returns the wrapped yaw.
func (g *Gyro) ReadYaw() (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return kinematics.AngleModulus(g.yaw), nil
}

func (g *Gyro) integrate(rate, dt float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rate = rate
	g.yaw += rate * dt
}

// Drivetrain steps every simulated module and the gyro together.
type Drivetrain struct {
	kin     *kinematics.SwerveKinematics
	modules []*Module
	gyro    *Gyro
	logger  logging.Logger

	stepMu sync.Mutex
}

// NewDrivetrain builds one simulated module per offset of kin.
func NewDrivetrain(kin *kinematics.SwerveKinematics, params Params, logger logging.Logger) *Drivetrain {
	modules := make([]*Module, kin.NumModules())
	for i := range modules {
		modules[i] = NewModule(params)
	}
	return &Drivetrain{kin: kin, modules: modules, gyro: &Gyro{}, logger: logger}
}

// Drivers returns the modules as corner drivers, in kinematics order.
func (d *Drivetrain) Drivers() []corner.Driver {
	out := make([]corner.Driver, len(d.modules))
	for i, m := range d.modules {
		out[i] = m
	}
	return out
}

// Modules returns the simulated modules.
func (d *Drivetrain) Modules() []*Module {
	return d.modules
}

// Gyro returns the simulated heading sensor.
func (d *Drivetrain) Gyro() *Gyro {
	return d.gyro
}

// maxSubstep bounds the integration step so the onboard loops stay stable.
const maxSubstep = 0.005

// Step advances the whole drivetrain by dt seconds.
func (d *Drivetrain) Step(dt float64) {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	n := int(math.Ceil(dt / maxSubstep))
	if n < 1 {
		return
	}
	h := dt / float64(n)
	states := make([]kinematics.ModuleState, len(d.modules))
	for k := 0; k < n; k++ {
		for i, m := range d.modules {
			m.Step(h)
			states[i] = m.groundState()
		}
		d.gyro.integrate(d.kin.ToChassisSpeeds(states).Omega, h)
	}
}

// Run steps the simulation every period of clk until ctx is done.
func (d *Drivetrain) Run(ctx context.Context, clk clock.Clock, period time.Duration) {
	ticker := clk.Ticker(period)
	defer ticker.Stop()
	d.logger.Infow("physics simulation running", "period", period)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Step(period.Seconds())
		}
	}
}
