package robot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"swerve/corner"
	"swerve/telemetry"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }

func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	published    map[string][]byte
	disconnected bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]mqtt.MessageHandler{}, published: map[string][]byte{}}
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = payload.([]byte)
	return doneToken{}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = callback
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.handlers, topic)
	}
	return doneToken{}
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
}

func (b *fakeBroker) deliver(t *testing.T, topic string, v interface{}) {
	t.Helper()
	payload, err := json.Marshal(v)
	test.That(t, err, test.ShouldBeNil)
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	test.That(t, handler, test.ShouldNotBeNil)
	handler(nil, fakeMessage{topic: topic, payload: payload})
}

func (b *fakeBroker) lastPublished(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[topic]
}

func TestReplaySourceRejectsMalformedSamples(t *testing.T) {
	src := newReplaySource(4, logging.NewTestLogger(t))
	src.handle(nil, fakeMessage{payload: []byte("not json")})
	test.That(t, src.push(ReplaySample{Tick: 1, Modules: make([]corner.Reading, 3)}), test.ShouldNotBeNil)
	test.That(t, src.rejected.Load(), test.ShouldEqual, uint64(1))

	yaw := 0.25
	test.That(t, src.push(ReplaySample{Tick: 2, Modules: make([]corner.Reading, 4), Yaw: &yaw}), test.ShouldBeNil)
	test.That(t, src.received.Load(), test.ShouldEqual, uint64(1))
	got := <-src.yaw
	test.That(t, got.Tick, test.ShouldEqual, uint64(2))
	test.That(t, got.Value, test.ShouldEqual, 0.25)
}

func TestReplayModeIntegratesRecordedOdometry(t *testing.T) {
	t.Setenv(ModeEnv, "")
	broker := newFakeBroker()
	cfg := &Config{
		Mode:        ModeReplay,
		MQTT:        &telemetry.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "swerve", Topic: "swerve/telemetry"},
		ReplayTopic: "swerve/replay",
	}
	clk := clock.NewMock()
	r, err := newRobot(base.Named("swerve"), cfg, nil, options{clk: clk, mqtt: broker}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.sampler.Start(ctx)
	r.pump.Start(ctx)

	start := time.Unix(1700000000, 0)
	for tick := 1; tick <= 50; tick++ {
		readings := make([]corner.Reading, 4)
		for i := range readings {
			readings[i] = corner.Reading{DrivePosition: 0.01 * float64(tick)}
		}
		yaw := 0.0
		broker.deliver(t, "swerve/replay", ReplaySample{
			Tick:      uint64(tick),
			Timestamp: start.Add(time.Duration(tick) * 4 * time.Millisecond),
			Modules:   readings,
			Yaw:       &yaw,
		})
	}

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		clk.Add(20 * time.Millisecond)
		r.cycle()
		test.That(tb, r.Pose().X, test.ShouldAlmostEqual, 0.49, 1e-9)
	})
	test.That(t, r.Pose().Y, test.ShouldAlmostEqual, 0, 1e-9)
	frame, _ := r.Telemetry()
	test.That(t, frame.Mode, test.ShouldEqual, ModeReplay)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		r.cycle()
		var published map[string]interface{}
		test.That(tb, json.Unmarshal(broker.lastPublished("swerve/telemetry"), &published), test.ShouldBeNil)
		test.That(tb, published["mode"], test.ShouldEqual, ModeReplay)
	})

	test.That(t, r.Close(context.Background()), test.ShouldBeNil)
	broker.mu.Lock()
	defer broker.mu.Unlock()
	test.That(t, broker.disconnected, test.ShouldBeTrue)
	test.That(t, broker.handlers, test.ShouldBeEmpty)
}
