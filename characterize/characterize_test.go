package characterize

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"swerve/commands"
	"swerve/drive"
	"swerve/kinematics"
	"swerve/odometry"
	"swerve/sim"
)

func TestFitFeedforwardRecoversLine(t *testing.T) {
	var velocities, voltages []float64
	for v := 0.5; v <= 4; v += 0.25 {
		velocities = append(velocities, v)
		voltages = append(voltages, 2+0.5*v)
	}
	result, err := FitFeedforward(velocities, voltages)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.KS, test.ShouldAlmostEqual, 2, 1e-6)
	test.That(t, result.KV, test.ShouldAlmostEqual, 0.5, 1e-6)
	test.That(t, result.Samples, test.ShouldEqual, len(velocities))
	test.That(t, result.String(), test.ShouldContainSubstring, "kS: 2.00000")
}

func TestFitFeedforwardDegenerate(t *testing.T) {
	_, err := FitFeedforward([]float64{1}, []float64{2})
	test.That(t, errors.Is(err, ErrDegenerateFit), test.ShouldBeTrue)

	_, err = FitFeedforward([]float64{1, 1, 1}, []float64{2, 2.1, 2.2})
	test.That(t, errors.Is(err, ErrDegenerateFit), test.ShouldBeTrue)

	_, err = FitFeedforward([]float64{1, 2}, []float64{2})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWheelRadiusNeedsTravel(t *testing.T) {
	_, err := finishWheelRadius([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 4}, 1, 0.37)
	test.That(t, errors.Is(err, ErrNoWheelTravel), test.ShouldBeTrue)

	result, err := finishWheelRadius([]float64{0, 0, 0, 0}, []float64{10, -10, 10, -10}, 2, 0.25)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Radius, test.ShouldAlmostEqual, 0.05, 1e-12)
	test.That(t, result.Inches(), test.ShouldAlmostEqual, 0.05/0.0254, 1e-9)
}

type simHarness struct {
	clk     *clock.Mock
	sim     *sim.Drivetrain
	sampler *odometry.Sampler
	dt      *drive.Drivetrain
	sched   *commands.Scheduler
}

func newSimHarness(t *testing.T, params sim.Params) *simHarness {
	t.Helper()
	logger := logging.NewTestLogger(t)
	cfg := drive.DefaultConfig()
	kin, err := kinematics.NewSwerveKinematics(cfg.ModuleOffsets...)
	test.That(t, err, test.ShouldBeNil)
	simDT := sim.NewDrivetrain(kin, params, logger)

	clk := clock.NewMock()
	sampler, err := odometry.New(clk, cfg.OdometryFrequency, cfg.QueueCapacity, logger)
	test.That(t, err, test.ShouldBeNil)
	dt, err := drive.New(cfg, drive.Inputs{Gyro: simDT.Gyro(), Modules: simDT.Drivers()}, sampler, clk, logger)
	test.That(t, err, test.ShouldBeNil)
	return &simHarness{clk: clk, sim: simDT, sampler: sampler, dt: dt, sched: commands.NewScheduler(logger)}
}

func (h *simHarness) cycle() {
	for i := 0; i < 5; i++ {
		h.sim.Step(0.004)
		h.clk.Add(4 * time.Millisecond)
		h.sampler.Sample()
	}
	h.dt.Periodic()
	h.sched.Run()
}

func TestFeedforwardOnSimulatedDrivetrain(t *testing.T) {
	h := newSimHarness(t, sim.DefaultParams())
	opts := DefaultFeedforwardOptions()
	opts.MaxVoltage = 1.2

	var got *FeedforwardResult
	cmd := Feedforward(h.dt, h.clk, opts, logging.NewTestLogger(t), func(r FeedforwardResult, err error) {
		test.That(t, err, test.ShouldBeNil)
		got = &r
	})
	h.sched.Schedule(cmd)
	for i := 0; i < 800 && h.sched.IsScheduled(cmd); i++ {
		h.cycle()
	}
	test.That(t, h.sched.IsScheduled(cmd), test.ShouldBeFalse)
	test.That(t, got, test.ShouldNotBeNil)
	test.That(t, got.Samples, test.ShouldBeGreaterThan, 500)
	test.That(t, got.KS, test.ShouldAlmostEqual, sim.DefaultParams().DriveKS, 0.04)
	test.That(t, got.KV, test.ShouldAlmostEqual, sim.DefaultParams().DriveKV, 0.1)
}

func TestWheelRadiusOnSimulatedDrivetrain(t *testing.T) {
	params := sim.DefaultParams()
	params.WheelRadiusScale = 1.02
	h := newSimHarness(t, params)

	var got *WheelRadiusResult
	cmd := WheelRadius(h.dt, h.clk, DefaultWheelRadiusOptions(), logging.NewTestLogger(t), func(r WheelRadiusResult, err error) {
		test.That(t, err, test.ShouldBeNil)
		got = &r
	})
	h.sched.Schedule(cmd)
	for i := 0; i < 600; i++ {
		h.cycle()
	}
	test.That(t, got, test.ShouldBeNil)
	h.sched.Cancel(cmd)

	test.That(t, got, test.ShouldNotBeNil)
	test.That(t, got.GyroDelta, test.ShouldBeGreaterThan, 1.0)
	want := drive.DefaultConfig().WheelRadius * params.WheelRadiusScale
	test.That(t, got.Radius, test.ShouldAlmostEqual, want, want*0.01)
}
