package robot

import (
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"swerve/corner"
	"swerve/drive"
	"swerve/odometry"
	"swerve/telemetry"
)

const replayBacklog = 256

// ReplaySample is one recorded odometry tick as published on the replay topic.
type ReplaySample struct {
	Tick      uint64           `json:"tick"`
	Timestamp time.Time        `json:"timestamp"`
	Modules   []corner.Reading `json:"modules"`
	// Yaw is absent when the recording had no working gyro.
	Yaw *float64 `json:"yaw,omitempty"`
}

// replaySource turns replay messages into the per-signal streams the sampler forwards.
type replaySource struct {
	logger  logging.Logger
	modules []chan odometry.Stamped[corner.Reading]
	yaw     chan odometry.Stamped[float64]

	received atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

func newReplaySource(n int, logger logging.Logger) *replaySource {
	s := &replaySource{
		logger:  logger,
		modules: make([]chan odometry.Stamped[corner.Reading], n),
		yaw:     make(chan odometry.Stamped[float64], replayBacklog),
	}
	for i := range s.modules {
		s.modules[i] = make(chan odometry.Stamped[corner.Reading], replayBacklog)
	}
	return s
}

func (s *replaySource) inputs() *drive.Replay {
	modules := make([]<-chan odometry.Stamped[corner.Reading], len(s.modules))
	for i, ch := range s.modules {
		modules[i] = ch
	}
	return &drive.Replay{Modules: modules, Yaw: s.yaw}
}

func (s *replaySource) subscribe(client mqttClient, topic string) error {
	token := client.Subscribe(topic, 1, s.handle)
	if !token.WaitTimeout(telemetry.DefaultMQTTTimeout) {
		return errors.Errorf("subscribing to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "subscribing to %s", topic)
	}
	s.logger.Infow("replaying odometry", "topic", topic)
	return nil
}

func (s *replaySource) handle(_ mqtt.Client, msg mqtt.Message) {
	var sample ReplaySample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		s.reject(errors.Wrap(err, "decoding replay sample"))
		return
	}
	if err := s.push(sample); err != nil {
		s.reject(err)
	}
}

func (s *replaySource) reject(err error) {
	if s.rejected.Add(1) == 1 {
		s.logger.Warnw("ignoring replay sample", "error", err)
		return
	}
	s.logger.Debugw("ignoring replay sample", "error", err)
}

// push fans sample out to the signal streams. A full stream drops the sample for that
// signal only.
func (s *replaySource) push(sample ReplaySample) error {
	if len(sample.Modules) != len(s.modules) {
		return errors.Errorf("replay sample has %d modules, want %d", len(sample.Modules), len(s.modules))
	}
	s.received.Add(1)
	for i, reading := range sample.Modules {
		select {
		case s.modules[i] <- odometry.Stamped[corner.Reading]{Tick: sample.Tick, Timestamp: sample.Timestamp, Value: reading}:
		default:
			s.noteDrop()
		}
	}
	if sample.Yaw != nil {
		select {
		case s.yaw <- odometry.Stamped[float64]{Tick: sample.Tick, Timestamp: sample.Timestamp, Value: *sample.Yaw}:
		default:
			s.noteDrop()
		}
	}
	return nil
}

func (s *replaySource) noteDrop() {
	total := s.dropped.Add(1)
	s.logger.Warnw("replay backlog full, dropped sample", "total_drops", total)
}
