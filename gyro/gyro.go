// Package gyro reads the heading sensor of the drivetrain.
package gyro

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

// ErrNoSignal is returned by ReadYaw when there is no fresh heading.
var ErrNoSignal = errors.New("no live gyro signal")

// State is a heading snapshot. Yaw is counter-clockwise positive and wrapped to [-pi, pi].
type State struct {
	Yaw         float64 `json:"yaw_rad"`
	YawVelocity float64 `json:"yaw_velocity_radps"`
	Connected   bool    `json:"connected"`
}

// Gyro is a heading sensor. Neither method may block.
type Gyro interface {
	UpdateState() State
	ReadYaw() (float64, error)
}

// Disabled reports a disconnected sensor.
type Disabled struct{}

// UpdateState returns the zero state.
func (Disabled) UpdateState() State { return State{} }

// ReadYaw always fails.
func (Disabled) ReadYaw() (float64, error) { return 0, ErrNoSignal }

// TelemetryID is the CAN id of the heading frame.
const TelemetryID uint32 = 0x2A0

var (
	canSignalYaw         = canlink.NewSignal(1e-6, 0, 0, 32, true)
	canSignalYawVelocity = canlink.NewSignal(0.001, 0, 32, 16, true)
)

// EncodeFrame packs a heading frame, as sent by the sensor.
func EncodeFrame(yaw, yawVelocity float64) (canbus.Frame, error) {
	data := make([]byte, 8)
	if err := canSignalYaw.Insert(data, kinematics.AngleModulus(yaw)); err != nil {
		return canbus.Frame{}, err
	}
	if err := canSignalYawVelocity.Insert(data, yawVelocity); err != nil {
		return canbus.Frame{}, err
	}
	return canbus.Frame{ID: TelemetryID, Data: data, Kind: canbus.SFF}, nil
}

// CAN is a heading sensor reporting over the drivetrain bus.
type CAN struct {
	clk          clock.Clock
	staleTimeout time.Duration
	logger       logging.Logger

	mu       sync.Mutex
	state    State
	lastSeen time.Time
}

// NewCAN subscribes to heading frames on bus.
func NewCAN(bus *canlink.Bus, clk clock.Clock, staleTimeout time.Duration, logger logging.Logger) *CAN {
	if staleTimeout <= 0 {
		staleTimeout = 100 * time.Millisecond
	}
	g := &CAN{clk: clk, staleTimeout: staleTimeout, logger: logger}
	bus.Handle(TelemetryID, g.onFrame)
	return g
}

func (g *CAN) onFrame(frame canbus.Frame) {
	yaw, err := canSignalYaw.Extract(frame.Data)
	if err != nil {
		g.logger.Debugw("bad gyro frame", "error", err)
		return
	}
	rate, err := canSignalYawVelocity.Extract(frame.Data)
	if err != nil {
		g.logger.Debugw("bad gyro frame", "error", err)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Yaw = kinematics.AngleModulus(yaw)
	g.state.YawVelocity = rate
	g.lastSeen = g.clk.Now()
}

func (g *CAN) fresh() bool {
	return !g.lastSeen.IsZero() && g.clk.Now().Sub(g.lastSeen) <= g.staleTimeout
}

// UpdateState returns the latest heading.
func (g *CAN) UpdateState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	s.Connected = g.fresh()
	return s
}

// ReadYaw returns the latest yaw, or ErrNoSignal if it is stale.
func (g *CAN) ReadYaw() (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.fresh() {
		return 0, ErrNoSignal
	}
	return g.state.Yaw, nil
}
