package drive

import (
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Motor and sensor arrangements known to the controller.
const (
	ArrangementSingleMotor = "single-motor"
	ArrangementDualMotor   = "dual-motor"
	SteerFeedbackRemote    = "remote-absolute"
	SteerFeedbackFused     = "fused-absolute"
	SteerFeedbackRelative  = "integrated-relative"
)

var (
	supportedDriveArrangements = map[string]bool{ArrangementSingleMotor: true}
	supportedSteerArrangements = map[string]bool{ArrangementSingleMotor: true}
	// A relative steer encoder has no absolute reference, so it cannot hold wheel angles
	// across restarts.
	supportedSteerFeedback = map[string]bool{SteerFeedbackRemote: true, SteerFeedbackFused: true}
)

// Config is the fixed geometry and gains of the drivetrain. It is copied into the
// drivetrain at construction and never changed afterwards.
type Config struct {
	// ModuleOffsets from the robot center in meters, X forward and Y left, in the order
	// front-left, front-right, back-left, back-right.
	ModuleOffsets []r2.Point

	WheelRadius    float64 // m
	MaxLinearSpeed float64 // m/s at the wheel

	DriveKS float64 // V
	DriveKV float64 // V per m/s

	HeadingKP                float64
	HeadingKI                float64
	HeadingKD                float64
	HeadingMaxVelocity       float64 // rad/s, output clamp of the heading loop
	HeadingTolerance         float64 // rad
	HeadingVelocityTolerance float64 // rad/s

	ControlPeriod      time.Duration
	OdometryFrequency  float64 // Hz
	QueueCapacity      int
	DisconnectDebounce time.Duration

	DriveArrangement string
	SteerArrangement string
	SteerFeedback    string
}

// DefaultConfig returns the geometry of a 20.75 in square module layout with 2 in wheels,
// a 6.12:1 drive reduction and 6000 rpm drive motors.
func DefaultConfig() Config {
	const offset = 0.263525 // 10.375 in
	const wheelRadius = 0.0508
	const driveGearRatio = 6.122
	const maxMotorRPM = 6000.0

	return Config{
		ModuleOffsets: []r2.Point{
			{X: offset, Y: offset},
			{X: offset, Y: -offset},
			{X: -offset, Y: offset},
			{X: -offset, Y: -offset},
		},
		WheelRadius:              wheelRadius,
		MaxLinearSpeed:           maxMotorRPM / 60 / driveGearRatio * 2 * math.Pi * wheelRadius,
		DriveKS:                  0.1,
		DriveKV:                  2.3,
		HeadingKP:                7,
		HeadingKI:                0,
		HeadingKD:                0.4,
		HeadingMaxVelocity:       8,
		HeadingTolerance:         math.Pi / 180,
		HeadingVelocityTolerance: 0.2,
		ControlPeriod:            20 * time.Millisecond,
		OdometryFrequency:        250,
		QueueCapacity:            20,
		DisconnectDebounce:       500 * time.Millisecond,
		DriveArrangement:         ArrangementSingleMotor,
		SteerArrangement:         ArrangementSingleMotor,
		SteerFeedback:            SteerFeedbackRemote,
	}
}

// Validate reports every problem in the configuration. A drivetrain is never built from an
// invalid one.
func (cfg Config) Validate() error {
	var err error
	if len(cfg.ModuleOffsets) != 4 {
		err = multierr.Append(err, errors.Errorf("need 4 module offsets, got %d", len(cfg.ModuleOffsets)))
	}
	if cfg.WheelRadius <= 0 {
		err = multierr.Append(err, errors.New("wheel radius must be positive"))
	}
	if cfg.MaxLinearSpeed <= 0 {
		err = multierr.Append(err, errors.New("max linear speed must be positive"))
	}
	if cfg.DriveKV < 0 || cfg.DriveKS < 0 {
		err = multierr.Append(err, errors.New("drive feedforward gains must not be negative"))
	}
	if cfg.HeadingKP < 0 || cfg.HeadingKI < 0 || cfg.HeadingKD < 0 {
		err = multierr.Append(err, errors.New("heading gains must not be negative"))
	}
	if cfg.HeadingTolerance <= 0 || cfg.HeadingVelocityTolerance <= 0 {
		err = multierr.Append(err, errors.New("heading tolerances must be positive"))
	}
	if cfg.ControlPeriod <= 0 {
		err = multierr.Append(err, errors.New("control period must be positive"))
	}
	if cfg.OdometryFrequency <= 0 {
		err = multierr.Append(err, errors.New("odometry frequency must be positive"))
	}
	if !supportedDriveArrangements[cfg.DriveArrangement] {
		err = multierr.Append(err, errors.Errorf("unsupported drive motor arrangement %q", cfg.DriveArrangement))
	}
	if !supportedSteerArrangements[cfg.SteerArrangement] {
		err = multierr.Append(err, errors.Errorf("unsupported steer motor arrangement %q", cfg.SteerArrangement))
	}
	if !supportedSteerFeedback[cfg.SteerFeedback] {
		err = multierr.Append(err, errors.Errorf("unsupported steer feedback %q", cfg.SteerFeedback))
	}
	return err
}

// DriveBaseRadius is the distance from the robot center to the farthest module.
func (cfg Config) DriveBaseRadius() float64 {
	r := 0.0
	for _, o := range cfg.ModuleOffsets {
		r = math.Max(r, o.Norm())
	}
	return r
}

func (cfg Config) clone() Config {
	cfg.ModuleOffsets = append([]r2.Point(nil), cfg.ModuleOffsets...)
	return cfg
}
