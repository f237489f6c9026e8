package odometry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func TestQueueDrainIsLosslessAndOrdered(t *testing.T) {
	q := NewQueue[int](64)
	for i := 0; i < 37; i++ {
		test.That(t, q.Push(i), test.ShouldBeFalse)
	}
	got := q.Drain()
	test.That(t, len(got), test.ShouldEqual, 37)
	for i, v := range got {
		test.That(t, v, test.ShouldEqual, i)
	}
	test.That(t, q.Drain(), test.ShouldBeEmpty)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue[int](3)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	test.That(t, q.Push(4), test.ShouldBeTrue)
	test.That(t, q.Push(5), test.ShouldBeTrue)
	test.That(t, q.Drain(), test.ShouldResemble, []int{3, 4, 5})
}

func TestQueueConcurrentProducerConsumer(t *testing.T) {
	const n = 5000
	q := NewQueue[int](n)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()

	var seen []int
	for len(seen) < n {
		seen = append(seen, q.Drain()...)
	}
	wg.Wait()
	for i, v := range seen {
		test.That(t, v, test.ShouldEqual, i)
	}
}

func TestSamplerStampsSignalsWithSharedTick(t *testing.T) {
	clk := clock.NewMock()
	s, err := New(clk, 250, 0, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Period(), test.ShouldEqual, 4*time.Millisecond)

	position := 0.0
	failNext := false
	drive := Register(s, "drive", func() (float64, error) {
		position += 0.01
		return position, nil
	})
	yaw := Register(s, "yaw", func() (float64, error) {
		if failNext {
			failNext = false
			return 0, errors.New("stale")
		}
		return 0.5, nil
	})

	s.Sample()
	clk.Add(4 * time.Millisecond)
	failNext = true
	s.Sample()
	clk.Add(4 * time.Millisecond)
	s.Sample()

	drives := drive.Drain()
	yaws := yaw.Drain()
	test.That(t, len(drives), test.ShouldEqual, 3)
	test.That(t, len(yaws), test.ShouldEqual, 2)
	test.That(t, drives[2].Value, test.ShouldAlmostEqual, 0.03, 1e-12)
	test.That(t, yaws[0].Tick, test.ShouldEqual, drives[0].Tick)
	test.That(t, yaws[1].Tick, test.ShouldEqual, drives[2].Tick)
	test.That(t, yaws[1].Timestamp, test.ShouldEqual, drives[2].Timestamp)

	stats := s.Stats()
	test.That(t, stats.Ticks, test.ShouldEqual, uint64(3))
	test.That(t, stats.ReadFailures, test.ShouldEqual, uint64(1))
	test.That(t, stats.Drops, test.ShouldEqual, uint64(0))
}

func TestSamplerOverflowCountsDrops(t *testing.T) {
	s, err := New(clock.NewMock(), 100, 2, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	q := Register(s, "drive", func() (int, error) { return 1, nil })
	for i := 0; i < 5; i++ {
		s.Sample()
	}
	test.That(t, s.Stats().Drops, test.ShouldEqual, uint64(3))
	got := q.Drain()
	test.That(t, len(got), test.ShouldEqual, 2)
	test.That(t, got[0].Tick, test.ShouldEqual, uint64(4))
}

func TestSamplerRunsOnClockTicks(t *testing.T) {
	clk := clock.NewMock()
	s, err := New(clk, 100, 50, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	q := Register(s, "drive", func() (int, error) { return 7, nil })

	s.Start(context.Background())
	defer s.Close()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		clk.Add(10 * time.Millisecond)
		test.That(tb, s.Stats().Ticks, test.ShouldBeGreaterThanOrEqualTo, uint64(3))
	})
	test.That(t, len(q.Drain()), test.ShouldBeGreaterThanOrEqualTo, 3)
}

func TestReplayForwardsInOrder(t *testing.T) {
	s, err := New(clock.NewMock(), 100, 10, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	src := make(chan Stamped[float64], 4)
	q := RegisterReplay(s, "replay", src)

	base := time.Unix(100, 0)
	for i := 0; i < 4; i++ {
		src <- Stamped[float64]{Tick: uint64(i + 1), Timestamp: base.Add(time.Duration(i) * time.Millisecond), Value: float64(i)}
	}
	close(src)

	s.Start(context.Background())
	defer s.Close()

	var got []Stamped[float64]
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		got = append(got, q.Drain()...)
		test.That(tb, len(got), test.ShouldEqual, 4)
	})
	for i, v := range got {
		test.That(t, v.Value, test.ShouldEqual, float64(i))
	}
}

func TestNewRejectsBadFrequency(t *testing.T) {
	_, err := New(clock.NewMock(), 0, 10, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
