package canlink

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func TestSignalRoundTrip(t *testing.T) {
	data := make([]byte, 8)
	position := NewSignal(1e-4, 0, 0, 32, true)
	velocity := NewSignal(1e-3, 0, 32, 16, true)
	flags := NewSignal(1, 0, 52, 3, false)

	test.That(t, position.Insert(data, -12.3456), test.ShouldBeNil)
	test.That(t, velocity.Insert(data, 4.321), test.ShouldBeNil)
	test.That(t, flags.Insert(data, 5), test.ShouldBeNil)

	v, err := position.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldAlmostEqual, -12.3456, 1e-9)
	v, err = velocity.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldAlmostEqual, 4.321, 1e-9)
	v, err = flags.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 5.0)
}

func TestSignalMatchesWireLayout(t *testing.T) {
	// Wheel speed layout of a four-corner base: 0.0078125 kph per bit, little endian.
	speed := NewSignal(0.0078125, 0, 16, 16, true)
	data := []byte{0, 0, 0x00, 0x05, 0, 0, 0, 0}
	v, err := speed.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 10.0)

	data = []byte{0, 0, 0x00, 0xFB, 0, 0, 0, 0}
	v, err = speed.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, -10.0)
}

func TestSignalSaturatesAndRejectsShortPayload(t *testing.T) {
	s := NewSignal(0.001, 0, 0, 16, true)
	data := make([]byte, 2)
	test.That(t, s.Insert(data, 1000), test.ShouldBeNil)
	v, err := s.Extract(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldAlmostEqual, 32.767, 1e-9)

	_, err = NewSignal(1, 0, 8, 16, false).Extract(data)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBusRepublishesAndTimesOut(t *testing.T) {
	clk := clock.NewMock()
	tx, rx := NewFakeSocket(), NewFakeSocket()
	bus := New(tx, rx, Options{Clock: clk}, logging.NewTestLogger(t))

	neutral := canbus.Frame{ID: 0x22A, Data: []byte{0}, Kind: canbus.SFF}
	bus.SetNeutral(neutral)
	bus.Publish(canbus.Frame{ID: 0x22A, Data: []byte{1}, Kind: canbus.SFF})

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		clk.Add(DefaultPublishPeriod)
		last, ok := tx.LastSent(0x22A)
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, last.Data, test.ShouldResemble, []byte{1})
	})

	clk.Add(DefaultCommsTimeout + DefaultPublishPeriod)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		clk.Add(DefaultPublishPeriod)
		test.That(tb, bus.TimedOut(), test.ShouldBeTrue)
		last, _ := tx.LastSent(0x22A)
		test.That(tb, last.Data, test.ShouldResemble, []byte{0})
	})

	bus.Publish(canbus.Frame{ID: 0x22A, Data: []byte{2}, Kind: canbus.SFF})
	test.That(t, bus.TimedOut(), test.ShouldBeFalse)

	test.That(t, bus.Close(), test.ShouldBeNil)
	last, _ := tx.LastSent(0x22A)
	test.That(t, last.Data, test.ShouldResemble, []byte{0})
}

func TestBusDispatchesReceivedFrames(t *testing.T) {
	tx, rx := NewFakeSocket(), NewFakeSocket()
	bus := New(tx, rx, Options{Clock: clock.NewMock(), PublishPeriod: time.Hour}, logging.NewTestLogger(t))
	defer bus.Close()

	got := make(chan canbus.Frame, 1)
	bus.Handle(0x241, func(f canbus.Frame) { got <- f })
	bus.Handle(0x242, func(f canbus.Frame) { t.Error("wrong handler") })

	rx.Inject(canbus.Frame{ID: 0x241, Data: []byte{9}})
	select {
	case f := <-got:
		test.That(t, f.Data, test.ShouldResemble, []byte{9})
	case <-time.After(5 * time.Second):
		t.Fatal("frame not dispatched")
	}
}
