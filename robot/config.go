package robot

import (
	"os"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"swerve/drive"
	"swerve/telemetry"
)

// Run modes.
const (
	ModeReal   = "real"
	ModeSim    = "sim"
	ModeReplay = "replay"
)

// ModeEnv overrides the configured mode when set.
const ModeEnv = "SWERVE_MODE"

const (
	defaultCANChannel = "can0"
	defaultControlHz  = 50
)

// Config are the resource attributes of the swerve base. Zero values fall back to the
// defaults of drive.DefaultConfig.
type Config struct {
	Mode       string `json:"mode,omitempty"`
	CANChannel string `json:"can_channel,omitempty"`

	TrackWidthMeters  float64 `json:"track_width_m,omitempty"`
	WheelbaseMeters   float64 `json:"wheelbase_m,omitempty"`
	WheelRadiusMeters float64 `json:"wheel_radius_m,omitempty"`
	MaxLinearSpeedMPS float64 `json:"max_linear_speed_mps,omitempty"`
	// Gains are pointers so an explicit zero is kept.
	DriveKS   *float64 `json:"drive_ks,omitempty"`
	DriveKV   *float64 `json:"drive_kv,omitempty"`
	HeadingKP *float64 `json:"heading_kp,omitempty"`
	HeadingKI *float64 `json:"heading_ki,omitempty"`
	HeadingKD *float64 `json:"heading_kd,omitempty"`

	ControlHz        float64 `json:"control_hz,omitempty"`
	OdometryHz       float64 `json:"odometry_hz,omitempty"`
	DriveArrangement string  `json:"drive_arrangement,omitempty"`
	SteerArrangement string  `json:"steer_arrangement,omitempty"`
	SteerFeedback    string  `json:"steer_feedback,omitempty"`
	DisableGyro      bool    `json:"disable_gyro,omitempty"`

	MQTT             *telemetry.MQTTConfig `json:"mqtt,omitempty"`
	ReplayTopic      string                `json:"replay_topic,omitempty"`
	WebsocketAddress string                `json:"websocket_address,omitempty"`
	CommsTimeoutMs   int                   `json:"comms_timeout_ms,omitempty"`
}

// Validate checks the attributes. The base has no dependencies.
func (cfg *Config) Validate(path string) ([]string, error) {
	switch cfg.mode() {
	case ModeReal, ModeSim:
	case ModeReplay:
		if cfg.MQTT == nil || cfg.MQTT.Broker == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "mqtt.broker")
		}
		if cfg.ReplayTopic == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(path, "replay_topic")
		}
	default:
		return nil, utils.NewConfigValidationError(path, errors.Errorf("unknown mode %q", cfg.mode()))
	}
	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "mqtt.broker")
	}
	if cfg.ControlHz < 0 || cfg.OdometryHz < 0 {
		return nil, utils.NewConfigValidationError(path, errors.New("loop rates must not be negative"))
	}
	if cfg.CommsTimeoutMs < 0 {
		return nil, utils.NewConfigValidationError(path, errors.New("comms_timeout_ms must not be negative"))
	}
	if err := cfg.DriveConfig().Validate(); err != nil {
		return nil, utils.NewConfigValidationError(path, err)
	}
	return nil, nil
}

// mode resolves the run mode, preferring the environment.
func (cfg *Config) mode() string {
	if m := os.Getenv(ModeEnv); m != "" {
		return m
	}
	if cfg.Mode == "" {
		return ModeSim
	}
	return cfg.Mode
}

func (cfg *Config) canChannel() string {
	if cfg.CANChannel == "" {
		return defaultCANChannel
	}
	return cfg.CANChannel
}

func (cfg *Config) commsTimeout() time.Duration {
	return time.Duration(cfg.CommsTimeoutMs) * time.Millisecond
}

// DriveConfig builds the drivetrain configuration.
func (cfg *Config) DriveConfig() drive.Config {
	out := drive.DefaultConfig()
	if cfg.TrackWidthMeters > 0 || cfg.WheelbaseMeters > 0 {
		x, y := out.ModuleOffsets[0].X, out.ModuleOffsets[0].Y
		if cfg.WheelbaseMeters > 0 {
			x = cfg.WheelbaseMeters / 2
		}
		if cfg.TrackWidthMeters > 0 {
			y = cfg.TrackWidthMeters / 2
		}
		out.ModuleOffsets = []r2.Point{{X: x, Y: y}, {X: x, Y: -y}, {X: -x, Y: y}, {X: -x, Y: -y}}
	}
	setIfPositive(&out.WheelRadius, cfg.WheelRadiusMeters)
	setIfPositive(&out.MaxLinearSpeed, cfg.MaxLinearSpeedMPS)
	setIfPresent(&out.DriveKS, cfg.DriveKS)
	setIfPresent(&out.DriveKV, cfg.DriveKV)
	setIfPresent(&out.HeadingKP, cfg.HeadingKP)
	setIfPresent(&out.HeadingKI, cfg.HeadingKI)
	setIfPresent(&out.HeadingKD, cfg.HeadingKD)
	setIfPositive(&out.OdometryFrequency, cfg.OdometryHz)

	hz := cfg.ControlHz
	if hz <= 0 {
		hz = defaultControlHz
	}
	out.ControlPeriod = time.Duration(float64(time.Second) / hz)

	if cfg.DriveArrangement != "" {
		out.DriveArrangement = cfg.DriveArrangement
	}
	if cfg.SteerArrangement != "" {
		out.SteerArrangement = cfg.SteerArrangement
	}
	if cfg.SteerFeedback != "" {
		out.SteerFeedback = cfg.SteerFeedback
	}
	return out
}

func setIfPositive(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func setIfPresent(dst, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// trackWidth is the lateral distance between the left and right wheels.
func trackWidth(cfg drive.Config) float64 {
	lo, hi := 0.0, 0.0
	for _, o := range cfg.ModuleOffsets {
		if o.Y < lo {
			lo = o.Y
		}
		if o.Y > hi {
			hi = o.Y
		}
	}
	return hi - lo
}
