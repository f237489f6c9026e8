package drive

import (
	"math"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"

	"swerve/control"
	"swerve/corner"
	"swerve/kinematics"
	"swerve/odometry"
)

// Module wraps one corner driver with its odometry queue and disconnect debouncing.
type Module struct {
	index  int
	driver corner.Driver
	queue  *odometry.Queue[odometry.Stamped[corner.Reading]]
	cfg    *Config
	logger logging.Logger

	state    corner.State
	setpoint kinematics.ModuleState

	driveDebounce *control.Debouncer
	steerDebounce *control.Debouncer
	down          bool
}

func newModule(index int, driver corner.Driver, cfg *Config, clk clock.Clock, logger logging.Logger) *Module {
	return &Module{
		index:         index,
		driver:        driver,
		cfg:           cfg,
		logger:        logger,
		driveDebounce: control.NewDebouncer(clk, cfg.DisconnectDebounce, control.DebounceFalling),
		steerDebounce: control.NewDebouncer(clk, cfg.DisconnectDebounce, control.DebounceFalling),
	}
}

func (m *Module) periodic() {
	m.state = m.driver.UpdateState()
	driveOK := m.driveDebounce.Calculate(m.state.DriveConnected)
	steerOK := m.steerDebounce.Calculate(m.state.SteerConnected)
	down := !driveOK || !steerOK
	if down != m.down {
		if down {
			m.logger.Warnw("module disconnected", "module", m.index,
				"drive_connected", driveOK, "steer_connected", steerOK)
		} else {
			m.logger.Infow("module reconnected", "module", m.index)
		}
		m.down = down
	}
}

// runSetpoint optimizes the target against the measured steer angle, scales the speed by
// the steer error and commands both axes.
func (m *Module) runSetpoint(target kinematics.ModuleState) {
	current := m.state.SteerAngle
	target = target.Optimize(current).CosineScale(current)
	m.setpoint = target

	ff := m.cfg.DriveKV * target.Speed
	if target.Speed != 0 {
		ff += math.Copysign(m.cfg.DriveKS, target.Speed)
	}
	m.driver.SetSteerSetpoint(target.Angle)
	m.driver.SetDriveVelocitySetpoint(target.Speed, ff)
}

func (m *Module) runCharacterization(volts float64) {
	m.setpoint = kinematics.ModuleState{}
	m.driver.SetSteerSetpoint(0)
	m.driver.SetDriveOpenLoop(volts)
}

func (m *Module) runSteerOpenLoop(volts float64) {
	m.driver.SetDriveOpenLoop(0)
	m.driver.SetSteerOpenLoop(volts)
}

func (m *Module) wheelRadians() float64 {
	return m.state.DrivePosition / m.cfg.WheelRadius
}

// State returns the snapshot read this cycle.
func (m *Module) State() corner.State { return m.state }

// Down reports whether the module has been disconnected for longer than the debounce window.
func (m *Module) Down() bool { return m.down }
