package characterize

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"

	"swerve/commands"
	"swerve/control"
	"swerve/kinematics"
)

const metersToInches = 1 / 0.0254

// WheelRadiusOptions shape the spin.
type WheelRadiusOptions struct {
	MaxVelocity float64 // rad/s
	RampRate    float64 // rad/s²
	// SettleTime passes before the starting positions are recorded.
	SettleTime time.Duration
}

// DefaultWheelRadiusOptions spins at 0.25 rad/s, reached at 0.05 rad/s², and waits 1 s.
func DefaultWheelRadiusOptions() WheelRadiusOptions {
	return WheelRadiusOptions{MaxVelocity: 0.25, RampRate: 0.05, SettleTime: time.Second}
}

// WheelRadiusResult is the outcome of a wheel radius run.
type WheelRadiusResult struct {
	WheelDelta float64 `json:"wheel_delta_rad"`
	GyroDelta  float64 `json:"gyro_delta_rad"`
	Radius     float64 `json:"radius_m"`
}

// Inches returns the radius in inches.
func (r WheelRadiusResult) Inches() float64 {
	return r.Radius * metersToInches
}

func (r WheelRadiusResult) String() string {
	return fmt.Sprintf("wheel delta: %.3f radians, gyro delta: %.3f radians, wheel radius: %.3f meters, %.3f inches",
		r.WheelDelta, r.GyroDelta, r.Radius, r.Inches())
}

// WheelRadius spins the robot in place and compares the heading change with the wheel
// rotation. It runs until cancelled, then reports the radius.
func WheelRadius(d Drive, clk clock.Clock, opts WheelRadiusOptions, logger logging.Logger,
	report func(WheelRadiusResult, error),
) commands.Command {
	limiter := control.NewSlewRateLimiter(clk, opts.RampRate)
	var startPositions []float64
	var lastAngle, gyroDelta float64

	spin := commands.Sequence("wheel radius spin",
		commands.RunOnce("wheel radius reset", func() {
			d.ClearRotationLock()
			limiter.Reset(0)
		}),
		commands.Run("wheel radius turn", func() {
			d.RunVelocity(kinematics.ChassisSpeeds{Omega: limiter.Calculate(opts.MaxVelocity)})
		}, commands.DriveRequirement),
	)

	measure := commands.Sequence("wheel radius measure",
		commands.Wait(clk, opts.SettleTime),
		commands.RunOnce("wheel radius record", func() {
			startPositions = d.WheelRadiusCharacterizationPositions()
			lastAngle = d.Rotation()
			gyroDelta = 0
		}),
		commands.FinallyDo(commands.Run("wheel radius track", func() {
			rotation := d.Rotation()
			gyroDelta += math.Abs(kinematics.AngleModulus(rotation - lastAngle))
			lastAngle = rotation
		}), func(bool) {
			result, err := finishWheelRadius(startPositions, d.WheelRadiusCharacterizationPositions(),
				gyroDelta, d.DriveBaseRadius())
			if err != nil {
				logger.Warnw("wheel radius characterization failed", "error", err)
			} else {
				logger.Infow("wheel radius characterization results", "wheel_delta_rad", result.WheelDelta,
					"gyro_delta_rad", result.GyroDelta, "radius_m", result.Radius, "radius_in", result.Inches())
			}
			if report != nil {
				report(result, err)
			}
		}),
	)

	return commands.Parallel("wheel radius characterization", spin, measure)
}

func finishWheelRadius(start, end []float64, gyroDelta, driveBaseRadius float64) (WheelRadiusResult, error) {
	if len(start) == 0 || len(start) != len(end) {
		return WheelRadiusResult{}, ErrNoWheelTravel
	}
	wheelDelta := 0.0
	for i := range end {
		wheelDelta += math.Abs(end[i]-start[i]) / float64(len(end))
	}
	if wheelDelta < 1e-9 {
		return WheelRadiusResult{GyroDelta: gyroDelta}, ErrNoWheelTravel
	}
	return WheelRadiusResult{
		WheelDelta: wheelDelta,
		GyroDelta:  gyroDelta,
		Radius:     gyroDelta * driveBaseRadius / wheelDelta,
	}, nil
}
