package corner

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"swerve/canlink"
	"swerve/kinematics"
)

// CAN ids of the corner controllers. Index follows module order FL, FR, BL, BR.
const (
	kCanIdCmdCornerBase        uint32 = 0x22A
	kCanIdTelemCornerDriveBase uint32 = 0x24A
	kCanIdTelemCornerSteerBase uint32 = 0x25A

	kCornerFrameLen = 8

	// DefaultStaleTimeout is how old telemetry may get before the corner reads as disconnected.
	DefaultStaleTimeout = 100 * time.Millisecond
)

// CommandID returns the id of the command frame for corner index.
func CommandID(index int) uint32 { return kCanIdCmdCornerBase + uint32(index) }

// DriveStatusID returns the id of the drive telemetry frame for corner index.
func DriveStatusID(index int) uint32 { return kCanIdTelemCornerDriveBase + uint32(index) }

// SteerStatusID returns the id of the steer telemetry frame for corner index.
func SteerStatusID(index int) uint32 { return kCanIdTelemCornerSteerBase + uint32(index) }

// StatusIDs lists the telemetry ids of n corners, for receive filters.
func StatusIDs(n int) []uint32 {
	ids := make([]uint32, 0, 2*n)
	for i := 0; i < n; i++ {
		ids = append(ids, DriveStatusID(i), SteerStatusID(i))
	}
	return ids
}

type axisMode byte

const (
	modeNeutral axisMode = iota
	modeOpenLoop
	modeClosedLoop
)

var (
	canSignalCmdDriveMode  = canlink.NewSignal(1, 0, 0, 2, false)
	canSignalCmdSteerMode  = canlink.NewSignal(1, 0, 2, 2, false)
	canSignalCmdBrake      = canlink.NewSignal(1, 0, 4, 1, false)
	canSignalCmdDriveVolts = canlink.NewSignal(0.001, 0, 8, 16, true)
	canSignalCmdDriveVel   = canlink.NewSignal(0.001, 0, 8, 16, true)
	canSignalCmdDriveFF    = canlink.NewSignal(0.001, 0, 24, 16, true)
	canSignalCmdSteerVolts = canlink.NewSignal(0.001, 0, 40, 16, true)
	canSignalCmdSteerAngle = canlink.NewSignal(0.0001, 0, 40, 16, true)
	canSignalDrivePosition = canlink.NewSignal(0.0001, 0, 0, 32, true)
	canSignalDriveVelocity = canlink.NewSignal(0.001, 0, 32, 16, true)
	canSignalDriveVolts    = canlink.NewSignal(0.001, 0, 48, 16, true)
	canSignalSteerAngle    = canlink.NewSignal(0.0001, 0, 0, 16, true)
	canSignalSteerVelocity = canlink.NewSignal(0.001, 0, 16, 16, true)
	canSignalDriveCurrent  = canlink.NewSignal(0.01, 0, 32, 16, true)
)

type cornerCommand struct {
	driveMode  axisMode
	steerMode  axisMode
	brake      bool
	driveValue float64
	driveFF    float64
	steerValue float64
}

// toFrame converts the command to a CAN frame for corner id.
func (cmd *cornerCommand) toFrame(id uint32) canbus.Frame {
	frame := canbus.Frame{
		ID:   id,
		Data: make([]byte, kCornerFrameLen),
		Kind: canbus.SFF,
	}
	brake := 0.0
	if cmd.brake {
		brake = 1
	}
	// Layout is fixed and fits the payload, so Insert cannot fail here.
	_ = canSignalCmdDriveMode.Insert(frame.Data, float64(cmd.driveMode))
	_ = canSignalCmdSteerMode.Insert(frame.Data, float64(cmd.steerMode))
	_ = canSignalCmdBrake.Insert(frame.Data, brake)

	switch cmd.driveMode {
	case modeOpenLoop:
		_ = canSignalCmdDriveVolts.Insert(frame.Data, cmd.driveValue)
	case modeClosedLoop:
		_ = canSignalCmdDriveVel.Insert(frame.Data, cmd.driveValue)
		_ = canSignalCmdDriveFF.Insert(frame.Data, cmd.driveFF)
	}
	switch cmd.steerMode {
	case modeOpenLoop:
		_ = canSignalCmdSteerVolts.Insert(frame.Data, cmd.steerValue)
	case modeClosedLoop:
		_ = canSignalCmdSteerAngle.Insert(frame.Data, kinematics.AngleModulus(cmd.steerValue))
	}
	return frame
}

// CAN drives one corner controller over the shared bus. Setpoints are handed to the bus
// publish loop; telemetry frames update the snapshot from the receive loop.
type CAN struct {
	bus          *canlink.Bus
	index        int
	clk          clock.Clock
	staleTimeout time.Duration
	logger       logging.Logger

	mu         sync.Mutex
	cmd        cornerCommand
	state      State
	lastDrive  time.Time
	lastSteer  time.Time
	decodeErrs int
}

// NewCAN attaches corner index to bus. A zero staleTimeout uses DefaultStaleTimeout.
func NewCAN(bus *canlink.Bus, index int, clk clock.Clock, staleTimeout time.Duration, logger logging.Logger) *CAN {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	c := &CAN{
		bus:          bus,
		index:        index,
		clk:          clk,
		staleTimeout: staleTimeout,
		logger:       logger,
		cmd:          cornerCommand{brake: true},
	}
	neutral := cornerCommand{brake: true}
	bus.SetNeutral(neutral.toFrame(CommandID(index)))
	bus.Handle(DriveStatusID(index), c.onDriveStatus)
	bus.Handle(SteerStatusID(index), c.onSteerStatus)
	return c
}

func (c *CAN) onDriveStatus(frame canbus.Frame) {
	position, errPos := canSignalDrivePosition.Extract(frame.Data)
	velocity, errVel := canSignalDriveVelocity.Extract(frame.Data)
	volts, errVolts := canSignalDriveVolts.Extract(frame.Data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := firstErr(errPos, errVel, errVolts); err != nil {
		c.noteDecodeError("drive", err)
		return
	}
	c.state.DrivePosition = position
	c.state.DriveVelocity = velocity
	c.state.DriveAppliedVolts = volts
	c.lastDrive = c.clk.Now()
}

func (c *CAN) onSteerStatus(frame canbus.Frame) {
	angle, errAngle := canSignalSteerAngle.Extract(frame.Data)
	velocity, errVel := canSignalSteerVelocity.Extract(frame.Data)
	current, errCur := canSignalDriveCurrent.Extract(frame.Data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := firstErr(errAngle, errVel, errCur); err != nil {
		c.noteDecodeError("steer", err)
		return
	}
	c.state.SteerAngle = angle
	c.state.SteerVelocity = velocity
	c.state.DriveCurrentAmps = current
	c.lastSteer = c.clk.Now()
}

// noteDecodeError logs the first bad frame and then every hundredth. Caller holds mu.
func (c *CAN) noteDecodeError(axis string, err error) {
	if c.decodeErrs%100 == 0 {
		c.logger.Warnw("bad corner telemetry frame", "corner", c.index, "axis", axis, "count", c.decodeErrs+1, "error", err)
	}
	c.decodeErrs++
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateState returns the latest telemetry with connection flags derived from its age.
func (c *CAN) UpdateState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	s := c.state
	s.DriveConnected = !c.lastDrive.IsZero() && now.Sub(c.lastDrive) <= c.staleTimeout
	s.SteerConnected = !c.lastSteer.IsZero() && now.Sub(c.lastSteer) <= c.staleTimeout
	return s
}

// ReadOdometry returns the latest drive position and steer angle, or ErrNoSignal if either
// is stale.
func (c *CAN) ReadOdometry() (Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if c.lastDrive.IsZero() || c.lastSteer.IsZero() ||
		now.Sub(c.lastDrive) > c.staleTimeout || now.Sub(c.lastSteer) > c.staleTimeout {
		return Reading{}, errors.Wrapf(ErrNoSignal, "corner %d", c.index)
	}
	return Reading{DrivePosition: c.state.DrivePosition, SteerAngle: c.state.SteerAngle}, nil
}

func (c *CAN) update(fn func(cmd *cornerCommand)) {
	c.mu.Lock()
	fn(&c.cmd)
	frame := c.cmd.toFrame(CommandID(c.index))
	c.mu.Unlock()
	c.bus.Publish(frame)
}

// SetDriveOpenLoop applies volts to the drive motor.
func (c *CAN) SetDriveOpenLoop(volts float64) {
	c.update(func(cmd *cornerCommand) {
		cmd.driveMode = modeOpenLoop
		cmd.driveValue = volts
		cmd.driveFF = 0
	})
}

// SetSteerOpenLoop applies volts to the steer motor.
func (c *CAN) SetSteerOpenLoop(volts float64) {
	c.update(func(cmd *cornerCommand) {
		cmd.steerMode = modeOpenLoop
		cmd.steerValue = volts
	})
}

// SetSteerSetpoint holds the steer axis at angle.
func (c *CAN) SetSteerSetpoint(angle float64) {
	c.update(func(cmd *cornerCommand) {
		cmd.steerMode = modeClosedLoop
		cmd.steerValue = angle
	})
}

// SetDriveVelocitySetpoint runs the drive velocity loop on the controller.
func (c *CAN) SetDriveVelocitySetpoint(velocity, feedforwardVolts float64) {
	c.update(func(cmd *cornerCommand) {
		cmd.driveMode = modeClosedLoop
		cmd.driveValue = velocity
		cmd.driveFF = feedforwardVolts
	})
}

// SetBrakeMode selects brake or coast for neutral output.
func (c *CAN) SetBrakeMode(enabled bool) {
	c.update(func(cmd *cornerCommand) {
		cmd.brake = enabled
	})
}

// Stop puts both axes in neutral.
func (c *CAN) Stop() {
	c.update(func(cmd *cornerCommand) {
		cmd.driveMode = modeNeutral
		cmd.steerMode = modeNeutral
		cmd.driveValue = 0
		cmd.driveFF = 0
		cmd.steerValue = 0
	})
}
