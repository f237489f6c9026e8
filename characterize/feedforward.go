// Package characterize holds the calibration routines that measure the drive feedforward
// gains and the effective wheel radius.
package characterize

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"swerve/commands"
	"swerve/kinematics"
)

var (
	// ErrDegenerateFit is returned when the samples cannot determine both gains.
	ErrDegenerateFit = errors.New("not enough velocity variation to fit feedforward")
	// ErrNoWheelTravel is returned when the wheels did not turn during a wheel radius run.
	ErrNoWheelTravel = errors.New("wheels did not move during wheel radius characterization")
)

// Drive is the drivetrain surface the routines use. *drive.Drivetrain satisfies it.
type Drive interface {
	RunCharacterization(volts float64)
	FFCharacterizationVelocity() float64
	WheelRadiusCharacterizationPositions() []float64
	RunVelocity(speeds kinematics.ChassisSpeeds)
	Rotation() float64
	DriveBaseRadius() float64
	ClearRotationLock()
}

// FeedforwardOptions shape the voltage ramp.
type FeedforwardOptions struct {
	// StartDelay holds 0 V so the wheels can point forward before sampling.
	StartDelay time.Duration
	RampRate   float64 // V/s
	// MaxVoltage ends the ramp once reached. Zero ramps until the command is cancelled.
	MaxVoltage float64
}

// DefaultFeedforwardOptions returns a 2 s settle and a 0.1 V/s ramp with no end.
func DefaultFeedforwardOptions() FeedforwardOptions {
	return FeedforwardOptions{StartDelay: 2 * time.Second, RampRate: 0.1}
}

// FeedforwardResult are the fitted drive gains for V = KS·sign(v) + KV·v.
type FeedforwardResult struct {
	KS      float64 `json:"ks"`
	KV      float64 `json:"kv"`
	Samples int     `json:"samples"`
}

func (r FeedforwardResult) String() string {
	return fmt.Sprintf("kS: %.5f kV: %.5f (%d samples)", r.KS, r.KV, r.Samples)
}

// FitFeedforward fits V = kS·sign(v) + kV·v by least squares. A zero velocity counts as
// forward, so a forward ramp reduces to an intercept and slope fit.
func FitFeedforward(velocities, voltages []float64) (FeedforwardResult, error) {
	n := len(velocities)
	if n != len(voltages) {
		return FeedforwardResult{}, errors.Errorf("have %d velocities for %d voltages", n, len(voltages))
	}
	if n < 2 || stat.Variance(velocities, nil) == 0 {
		return FeedforwardResult{}, ErrDegenerateFit
	}

	a := mat.NewDense(n, 2, nil)
	for i, v := range velocities {
		a.Set(i, 0, math.Copysign(1, v))
		a.Set(i, 1, v)
	}
	var x mat.VecDense
	if err := x.SolveVec(a, mat.NewVecDense(n, append([]float64(nil), voltages...))); err != nil {
		return FeedforwardResult{}, errors.Wrap(ErrDegenerateFit, err.Error())
	}
	return FeedforwardResult{KS: x.AtVec(0), KV: x.AtVec(1), Samples: n}, nil
}

// Feedforward drives every module forward on a slow voltage ramp and fits the gains from
// the measured velocities once the ramp ends or is cancelled. The result, or the fit
// error, goes to report.
func Feedforward(d Drive, clk clock.Clock, opts FeedforwardOptions, logger logging.Logger,
	report func(FeedforwardResult, error),
) commands.Command {
	var velocities, voltages []float64
	var start time.Time
	voltage := func() float64 { return clk.Since(start).Seconds() * opts.RampRate }

	ramp := commands.New("feedforward ramp", commands.Hooks{
		Execute: func() {
			v := voltage()
			d.RunCharacterization(v)
			velocities = append(velocities, d.FFCharacterizationVelocity())
			voltages = append(voltages, v)
		},
		IsFinished: func() bool { return opts.MaxVoltage > 0 && voltage() >= opts.MaxVoltage },
	}, commands.DriveRequirement)

	return commands.Sequence("feedforward characterization",
		commands.RunOnce("feedforward reset", func() {
			velocities, voltages = nil, nil
			d.ClearRotationLock()
		}),
		commands.WithTimeout(commands.Run("feedforward orient", func() { d.RunCharacterization(0) },
			commands.DriveRequirement), clk, opts.StartDelay),
		commands.RunOnce("feedforward start", func() { start = clk.Now() }),
		commands.FinallyDo(ramp, func(bool) {
			d.RunCharacterization(0)
			result, err := FitFeedforward(velocities, voltages)
			if err != nil {
				logger.Warnw("feedforward characterization failed", "samples", len(velocities), "error", err)
			} else {
				logger.Infow("feedforward characterization results", "ks", result.KS, "kv", result.KV,
					"samples", result.Samples)
			}
			velocities, voltages = nil, nil
			if report != nil {
				report(result, err)
			}
		}),
	)
}
