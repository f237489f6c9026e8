package gyro

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"swerve/canlink"
)

func TestCANGyro(t *testing.T) {
	clk := clock.NewMock()
	tx, rx := canlink.NewFakeSocket(), canlink.NewFakeSocket()
	logger := logging.NewTestLogger(t)
	bus := canlink.New(tx, rx, canlink.Options{Clock: clk}, logger)
	defer bus.Close()

	g := NewCAN(bus, clk, 50*time.Millisecond, logger)
	_, err := g.ReadYaw()
	test.That(t, err, test.ShouldEqual, ErrNoSignal)

	frame, err := EncodeFrame(3.5, -0.2)
	test.That(t, err, test.ShouldBeNil)
	rx.Inject(frame)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, g.UpdateState().Connected, test.ShouldBeTrue)
	})
	yaw, err := g.ReadYaw()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, yaw, test.ShouldAlmostEqual, 3.5-2*3.141592653589793, 1e-5)
	test.That(t, g.UpdateState().YawVelocity, test.ShouldAlmostEqual, -0.2, 1e-9)

	clk.Add(60 * time.Millisecond)
	test.That(t, g.UpdateState().Connected, test.ShouldBeFalse)
	_, err = g.ReadYaw()
	test.That(t, err, test.ShouldEqual, ErrNoSignal)
}

func TestDisabledGyro(t *testing.T) {
	var g Gyro = Disabled{}
	test.That(t, g.UpdateState(), test.ShouldResemble, State{})
	_, err := g.ReadYaw()
	test.That(t, err, test.ShouldNotBeNil)
}
