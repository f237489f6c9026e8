// Package drive is the swerve drivetrain controller. It turns chassis velocity requests into
// module setpoints, integrates the odometry sampled between control cycles into a field
// pose, and runs the heading lock.
package drive

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"swerve/control"
	"swerve/corner"
	"swerve/gyro"
	"swerve/kinematics"
	"swerve/odometry"
)

// Replay supplies recorded odometry in place of polling the drivers.
type Replay struct {
	Modules []<-chan odometry.Stamped[corner.Reading]
	Yaw     <-chan odometry.Stamped[float64]
}

// Inputs are the devices the drivetrain owns.
type Inputs struct {
	Gyro    gyro.Gyro
	Modules []corner.Driver
	// Replay, when set, feeds the odometry queues instead of the drivers.
	Replay *Replay
}

// Drivetrain is the single owner of the pose estimate and the rotation lock. It is not safe
// for concurrent use; every method is meant to be called from the control loop.
type Drivetrain struct {
	cfg      Config
	kin      *kinematics.SwerveKinematics
	odometry *kinematics.Odometry
	sampler  *odometry.Sampler
	logger   logging.Logger

	gyro         gyro.Gyro
	gyroState    gyro.State
	gyroDebounce *control.Debouncer
	gyroDown     bool
	yawQueue     *odometry.Queue[odometry.Stamped[float64]]

	modules       []*Module
	pending       []*frame
	skipped       uint64
	lastPositions []kinematics.ModulePosition
	rawGyro       float64
	primed        bool

	lock         rotationLock
	headingPID   *control.PID
	correction   float64
	atGoal       bool
	cycle        uint64
	headingCycle uint64
	headingFresh bool
	commanded    kinematics.ChassisSpeeds
	brake        bool
}

// New validates cfg and builds the drivetrain. Odometry signals are registered on sampler,
// which the caller starts.
func New(cfg Config, in Inputs, sampler *odometry.Sampler, clk clock.Clock, logger logging.Logger) (*Drivetrain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid drivetrain configuration")
	}
	if len(in.Modules) != len(cfg.ModuleOffsets) {
		return nil, errors.Errorf("have %d module drivers for %d module offsets", len(in.Modules), len(cfg.ModuleOffsets))
	}
	if in.Gyro == nil {
		return nil, errors.New("drivetrain needs a gyro, use gyro.Disabled when there is none")
	}
	if sampler == nil {
		return nil, errors.New("drivetrain needs an odometry sampler")
	}
	if in.Replay != nil && len(in.Replay.Modules) != len(in.Modules) {
		return nil, errors.Errorf("replay has %d module sources for %d modules", len(in.Replay.Modules), len(in.Modules))
	}

	cfg = cfg.clone()
	kin, err := kinematics.NewSwerveKinematics(cfg.ModuleOffsets...)
	if err != nil {
		return nil, err
	}

	d := &Drivetrain{
		cfg:           cfg,
		kin:           kin,
		sampler:       sampler,
		logger:        logger,
		gyro:          in.Gyro,
		gyroDebounce:  control.NewDebouncer(clk, cfg.DisconnectDebounce, control.DebounceFalling),
		lastPositions: make([]kinematics.ModulePosition, len(in.Modules)),
		headingPID:    control.NewPID(cfg.HeadingKP, cfg.HeadingKI, cfg.HeadingKD, cfg.ControlPeriod),
		brake:         true,
	}
	d.odometry = kinematics.NewOdometry(kin, 0, d.lastPositions, kinematics.Pose2D{})
	d.headingPID.EnableContinuousInput(-math.Pi, math.Pi)
	d.headingPID.SetTolerance(cfg.HeadingTolerance, cfg.HeadingVelocityTolerance)
	d.headingPID.SetOutputLimit(cfg.HeadingMaxVelocity)
	if cfg.HeadingKI > 0 {
		// The integral term alone never asks for more than the output limit.
		d.headingPID.SetIntegralLimit(cfg.HeadingMaxVelocity / cfg.HeadingKI)
	}

	for i, driver := range in.Modules {
		m := newModule(i, driver, &d.cfg, clk, logger)
		name := fmt.Sprintf("module%d", i)
		if in.Replay != nil {
			m.queue = odometry.RegisterReplay(sampler, name, in.Replay.Modules[i])
		} else {
			m.queue = odometry.Register(sampler, name, driver.ReadOdometry)
		}
		d.modules = append(d.modules, m)
	}
	if in.Replay != nil {
		if in.Replay.Yaw != nil {
			d.yawQueue = odometry.RegisterReplay(sampler, "gyro", in.Replay.Yaw)
		}
	} else {
		d.yawQueue = odometry.Register(sampler, "gyro", in.Gyro.ReadYaw)
	}
	return d, nil
}

type frame struct {
	tick      uint64
	timestamp time.Time
	positions []kinematics.ModulePosition
	have      []bool
	yaw       float64
	hasYaw    bool
	// held marks a frame carried over from the previous drain.
	held bool
}

// Periodic runs once per control cycle before any command: it refreshes module and gyro
// state, integrates every odometry sample drained since the last cycle and steps the
// heading loop.
func (d *Drivetrain) Periodic() {
	d.cycle++

	d.gyroState = d.gyro.UpdateState()
	gyroOK := d.gyroDebounce.Calculate(d.gyroState.Connected)
	if gyroOK == d.gyroDown {
		d.gyroDown = !gyroOK
		if d.gyroDown {
			d.logger.Warnw("gyro disconnected, heading follows module odometry")
		} else {
			d.logger.Infow("gyro reconnected")
		}
	}

	for _, m := range d.modules {
		m.periodic()
	}

	for _, f := range d.collectFrames() {
		d.integrate(f)
	}

	if d.lock.state == RotationLockActive {
		d.stepHeadingLoop()
	}
}

// collectFrames drains every queue and groups samples of the same tick, oldest first. The
// sampler may be partway through a tick while the queues drain, so the first incomplete
// frame and everything after it wait for one more drain.
func (d *Drivetrain) collectFrames() []*frame {
	byTick := map[uint64]*frame{}
	for _, f := range d.pending {
		f.held = true
		byTick[f.tick] = f
	}
	d.pending = nil
	get := func(tick uint64, ts time.Time) *frame {
		f, ok := byTick[tick]
		if !ok {
			f = &frame{
				tick:      tick,
				timestamp: ts,
				positions: make([]kinematics.ModulePosition, len(d.modules)),
				have:      make([]bool, len(d.modules)),
			}
			byTick[tick] = f
		}
		return f
	}

	for i, m := range d.modules {
		for _, s := range m.queue.Drain() {
			f := get(s.Tick, s.Timestamp)
			f.positions[i] = kinematics.ModulePosition{Distance: s.Value.DrivePosition, Angle: s.Value.SteerAngle}
			f.have[i] = true
		}
	}
	if d.yawQueue != nil {
		for _, s := range d.yawQueue.Drain() {
			f := get(s.Tick, s.Timestamp)
			f.yaw = s.Value
			f.hasYaw = true
		}
	}

	frames := make([]*frame, 0, len(byTick))
	for _, f := range byTick {
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool {
		if !frames[i].timestamp.Equal(frames[j].timestamp) {
			return frames[i].timestamp.Before(frames[j].timestamp)
		}
		return frames[i].tick < frames[j].tick
	})
	for i, f := range frames {
		if !f.held && !d.complete(f) {
			d.pending = frames[i:]
			return frames[:i]
		}
	}
	return frames
}

// complete reports whether every live signal has a sample in f. Down modules and a down
// gyro are not waited for.
func (d *Drivetrain) complete(f *frame) bool {
	for i, ok := range f.have {
		if !ok && !d.modules[i].down {
			return false
		}
	}
	return d.yawQueue == nil || d.gyroDown || f.hasYaw
}

func (d *Drivetrain) integrate(f *frame) {
	positions := make([]kinematics.ModulePosition, len(d.modules))
	for i, m := range d.modules {
		switch {
		case f.have[i]:
			positions[i] = f.positions[i]
		case m.down:
			// A down module holds its last position until it reconnects.
			positions[i] = d.lastPositions[i]
		default:
			// A live module missed this tick; the next complete tick covers the travel.
			d.skipped++
			d.logger.Debugw("skipping odometry tick with a missed module read", "tick", f.tick, "module", i)
			return
		}
	}

	if !d.primed {
		// Encoders need not start at zero; the first frame only sets the reference.
		if f.hasYaw {
			d.rawGyro = f.yaw
		}
		d.odometry.Reset(d.odometry.Pose(), d.rawGyro, positions)
		d.lastPositions = positions
		d.primed = true
		return
	}

	if f.hasYaw {
		d.rawGyro = f.yaw
	} else {
		deltas := make([]kinematics.ModulePosition, len(positions))
		for i, p := range positions {
			deltas[i] = kinematics.ModulePosition{Distance: p.Distance - d.lastPositions[i].Distance, Angle: p.Angle}
		}
		d.rawGyro = kinematics.AngleModulus(d.rawGyro + d.kin.ToTwist(deltas).DTheta)
	}
	d.odometry.Update(d.rawGyro, positions)
	d.lastPositions = positions
}

func (d *Drivetrain) stepHeadingLoop() {
	d.correction = d.headingPID.Calculate(d.Rotation(), d.lock.target)
	d.atGoal = d.headingPID.AtSetpoint()
	d.headingCycle = d.cycle
	d.headingFresh = true
}

// RunVelocity drives at robot relative speeds. While the rotation lock is active the
// requested angular velocity is replaced by the heading loop output.
func (d *Drivetrain) RunVelocity(speeds kinematics.ChassisSpeeds) {
	if d.lock.state == RotationLockActive {
		speeds.Omega, _ = d.HeadingCorrection()
	}
	d.runSpeeds(speeds)
}

func (d *Drivetrain) runSpeeds(speeds kinematics.ChassisSpeeds) {
	d.commanded = speeds
	discrete := speeds.Discretize(d.cfg.ControlPeriod.Seconds())
	states := kinematics.Desaturate(d.kin.ToModuleStates(discrete), d.cfg.MaxLinearSpeed)
	for i, m := range d.modules {
		m.runSetpoint(states[i])
	}
}

// Stop commands zero speed, keeping the wheels at their current heading. The rotation
// lock does not apply.
func (d *Drivetrain) Stop() {
	d.runSpeeds(kinematics.ChassisSpeeds{})
}

// StopWithX stops and points every wheel along its offset from the center, so the
// robot resists being pushed.
func (d *Drivetrain) StopWithX() {
	headings := make([]float64, len(d.cfg.ModuleOffsets))
	for i, o := range d.cfg.ModuleOffsets {
		headings[i] = math.Atan2(o.Y, o.X)
	}
	d.kin.ResetHeadings(headings)
	d.Stop()
}

// Pose returns the current field pose estimate.
func (d *Drivetrain) Pose() kinematics.Pose2D {
	return d.odometry.Pose()
}

// SetPose overwrites the pose estimate. Module hardware is untouched, so it is safe to
// call while disabled.
func (d *Drivetrain) SetPose(pose kinematics.Pose2D) {
	d.odometry.Reset(pose, d.rawGyro, d.lastPositions)
	d.headingFresh = false
}

// Rotation returns the heading of the pose estimate.
func (d *Drivetrain) Rotation() float64 {
	return d.odometry.Pose().Heading
}

// SetDesiredHeading activates the rotation lock toward heading. The heading loop restarts
// only when the lock was off; re-arming an active lock just moves its target.
func (d *Drivetrain) SetDesiredHeading(heading float64) {
	heading = kinematics.AngleModulus(heading)
	if d.lock.activate(heading) {
		d.headingPID.Reset()
		d.headingFresh = false
		d.atGoal = false
		d.logger.Debugw("rotation lock active", "target", heading)
	}
}

// ResetHeadingLoop clears the heading controller's error history without touching the lock.
func (d *Drivetrain) ResetHeadingLoop() {
	d.headingPID.Reset()
	d.headingFresh = false
}

// ClearRotationLock turns the rotation lock off.
func (d *Drivetrain) ClearRotationLock() {
	if d.lock.state == RotationLockActive {
		d.logger.Debugw("rotation lock off", "target", d.lock.target, "heading", d.Rotation())
	}
	d.lock.clear()
	d.correction = 0
	d.atGoal = false
}

// RotationLock returns the lock state and its target heading.
func (d *Drivetrain) RotationLock() (RotationLockState, float64) {
	return d.lock.state, d.lock.target
}

// HeadingCorrection returns this cycle's heading loop output and whether the heading has
// settled within tolerance. It is zero and false while the lock is off. The caller decides
// when a settled lock is cleared.
func (d *Drivetrain) HeadingCorrection() (float64, bool) {
	if d.lock.state != RotationLockActive {
		return 0, false
	}
	if !d.headingFresh || d.headingCycle != d.cycle {
		d.stepHeadingLoop()
	}
	return d.correction, d.atGoal
}

// RunCharacterization points every wheel forward and applies volts to the drive motors.
func (d *Drivetrain) RunCharacterization(volts float64) {
	d.commanded = kinematics.ChassisSpeeds{}
	for _, m := range d.modules {
		m.runCharacterization(volts)
	}
}

// RunDriveOpenLoop holds the wheels forward and applies volts to the drive motors.
func (d *Drivetrain) RunDriveOpenLoop(volts float64) {
	d.RunCharacterization(volts)
}

// RunSteerOpenLoop applies volts to the steer motors with the drive motors idle.
func (d *Drivetrain) RunSteerOpenLoop(volts float64) {
	d.commanded = kinematics.ChassisSpeeds{}
	for _, m := range d.modules {
		m.runSteerOpenLoop(volts)
	}
}

// FFCharacterizationVelocity is the mean drive velocity of the modules in m/s.
func (d *Drivetrain) FFCharacterizationVelocity() float64 {
	sum := 0.0
	for _, m := range d.modules {
		sum += m.state.DriveVelocity
	}
	return sum / float64(len(d.modules))
}

// WheelRadiusCharacterizationPositions returns each wheel's rotation in radians.
func (d *Drivetrain) WheelRadiusCharacterizationPositions() []float64 {
	out := make([]float64, len(d.modules))
	for i, m := range d.modules {
		out[i] = m.wheelRadians()
	}
	return out
}

// SetBrakeMode selects brake or coast for every motor in neutral.
func (d *Drivetrain) SetBrakeMode(enabled bool) {
	d.brake = enabled
	for _, m := range d.modules {
		m.driver.SetBrakeMode(enabled)
	}
	d.logger.Infow("drive neutral mode", "brake", enabled)
}

// ToggleBrakeMode flips between brake and coast and returns the new setting.
func (d *Drivetrain) ToggleBrakeMode() bool {
	d.SetBrakeMode(!d.brake)
	return d.brake
}

// MaxLinearSpeed is the top wheel speed in m/s.
func (d *Drivetrain) MaxLinearSpeed() float64 {
	return d.cfg.MaxLinearSpeed
}

// MaxAngularSpeed is the spin rate at which the outermost wheel reaches MaxLinearSpeed.
func (d *Drivetrain) MaxAngularSpeed() float64 {
	return d.cfg.MaxLinearSpeed / d.cfg.DriveBaseRadius()
}

// DriveBaseRadius is the distance from center to the farthest module.
func (d *Drivetrain) DriveBaseRadius() float64 {
	return d.cfg.DriveBaseRadius()
}

// Config returns a copy of the configuration.
func (d *Drivetrain) Config() Config {
	return d.cfg.clone()
}

// Modules returns the wrapped modules.
func (d *Drivetrain) Modules() []*Module {
	return d.modules
}

// ModuleSnapshot is the per-module part of a Snapshot.
type ModuleSnapshot struct {
	State    corner.State           `json:"state"`
	Setpoint kinematics.ModuleState `json:"setpoint"`
	Down     bool                   `json:"down"`
}

// Snapshot is the drivetrain state published once per cycle.
type Snapshot struct {
	Pose              kinematics.Pose2D        `json:"pose"`
	Commanded         kinematics.ChassisSpeeds `json:"commanded"`
	Measured          kinematics.ChassisSpeeds `json:"measured"`
	Modules           []ModuleSnapshot         `json:"modules"`
	Gyro              gyro.State               `json:"gyro"`
	GyroDown          bool                     `json:"gyro_down"`
	RotationLock      string                   `json:"rotation_lock"`
	TargetHeading     float64                  `json:"target_heading"`
	HeadingCorrection float64                  `json:"heading_correction"`
	HeadingError      float64                  `json:"heading_error"`
	HeadingRateError  float64                  `json:"heading_rate_error"`
	AtGoal            bool                     `json:"at_goal"`
	BrakeMode         bool                     `json:"brake_mode"`
	Sampler           odometry.Stats           `json:"sampler"`
	SkippedTicks      uint64                   `json:"skipped_ticks"`
}

// Snapshot copies the current state into plain values.
func (d *Drivetrain) Snapshot() Snapshot {
	measured := make([]kinematics.ModuleState, len(d.modules))
	mods := make([]ModuleSnapshot, len(d.modules))
	for i, m := range d.modules {
		measured[i] = kinematics.ModuleState{Speed: m.state.DriveVelocity, Angle: m.state.SteerAngle}
		mods[i] = ModuleSnapshot{State: m.state, Setpoint: m.setpoint, Down: m.down}
	}
	return Snapshot{
		Pose:              d.Pose(),
		Commanded:         d.commanded,
		Measured:          d.kin.ToChassisSpeeds(measured),
		Modules:           mods,
		Gyro:              d.gyroState,
		GyroDown:          d.gyroDown,
		RotationLock:      d.lock.state.String(),
		TargetHeading:     d.lock.target,
		HeadingCorrection: d.correction,
		AtGoal:            d.atGoal,
		BrakeMode:         d.brake,
		HeadingError:      d.headingPID.PositionError(),
		HeadingRateError:  d.headingPID.VelocityError(),
		Sampler:           d.sampler.Stats(),
		SkippedTicks:      d.skipped,
	}
}
