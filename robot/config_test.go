package robot

import (
	"testing"
	"time"

	"go.viam.com/test"

	"swerve/drive"
	"swerve/telemetry"
)

func TestConfigValidate(t *testing.T) {
	t.Setenv(ModeEnv, "")

	cfg := &Config{}
	deps, err := cfg.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldBeEmpty)
	test.That(t, cfg.mode(), test.ShouldEqual, ModeSim)

	cfg = &Config{Mode: "hover"}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "hover")

	cfg = &Config{Mode: ModeReplay}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "mqtt.broker")

	cfg = &Config{Mode: ModeReplay, MQTT: &telemetry.MQTTConfig{Broker: "tcp://localhost:1883"}}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "replay_topic")

	cfg.ReplayTopic = "swerve/replay"
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldBeNil)

	cfg = &Config{SteerFeedback: drive.SteerFeedbackRelative}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "steer feedback")

	cfg = &Config{ControlHz: -1}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	cfg = &Config{HeadingKI: gain(-1)}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "heading gains")
}

func gain(v float64) *float64 { return &v }

func TestModeEnvironmentOverride(t *testing.T) {
	t.Setenv(ModeEnv, ModeReplay)
	cfg := &Config{Mode: ModeSim}
	test.That(t, cfg.mode(), test.ShouldEqual, ModeReplay)
	_, err := cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "mqtt.broker")
}

func TestDriveConfigOverrides(t *testing.T) {
	defaults := drive.DefaultConfig()
	got := (&Config{}).DriveConfig()
	test.That(t, got.ModuleOffsets, test.ShouldResemble, defaults.ModuleOffsets)
	test.That(t, got.ControlPeriod, test.ShouldEqual, 20*time.Millisecond)

	cfg := &Config{
		TrackWidthMeters:  0.6,
		WheelbaseMeters:   0.5,
		WheelRadiusMeters: 0.05,
		DriveKV:           gain(2.0),
		DriveKS:           gain(0),
		HeadingKD:         gain(0),
		ControlHz:         100,
		OdometryHz:        200,
	}
	got = cfg.DriveConfig()
	test.That(t, got.ModuleOffsets[0].X, test.ShouldAlmostEqual, 0.25, 1e-12)
	test.That(t, got.ModuleOffsets[0].Y, test.ShouldAlmostEqual, 0.3, 1e-12)
	test.That(t, got.ModuleOffsets[3].X, test.ShouldAlmostEqual, -0.25, 1e-12)
	test.That(t, got.ModuleOffsets[3].Y, test.ShouldAlmostEqual, -0.3, 1e-12)
	test.That(t, got.WheelRadius, test.ShouldEqual, 0.05)
	test.That(t, got.DriveKV, test.ShouldEqual, 2.0)
	test.That(t, got.DriveKS, test.ShouldEqual, 0.0)
	test.That(t, got.HeadingKD, test.ShouldEqual, 0.0)
	test.That(t, got.HeadingKP, test.ShouldEqual, defaults.HeadingKP)
	test.That(t, got.ControlPeriod, test.ShouldEqual, 10*time.Millisecond)
	test.That(t, got.OdometryFrequency, test.ShouldEqual, 200.0)
	test.That(t, trackWidth(got), test.ShouldAlmostEqual, 0.6, 1e-12)
}
