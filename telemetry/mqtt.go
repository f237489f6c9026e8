package telemetry

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// DefaultMQTTTimeout bounds connecting and each publish.
const DefaultMQTTTimeout = 2 * time.Second

// MQTTConfig selects the broker.
type MQTTConfig struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
}

// DialMQTT connects to the broker, reconnecting automatically afterwards.
func DialMQTT(cfg MQTTConfig, logger logging.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Infow("connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnw("MQTT connection lost", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(DefaultMQTTTimeout) {
		// Connect keeps retrying in the background.
		logger.Warnw("MQTT broker not reachable yet, retrying", "broker", cfg.Broker)
		return client, nil
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to MQTT broker %s", cfg.Broker)
	}
	return client, nil
}

// MQTTPublishClient is the part of mqtt.Client used for publishing.
type MQTTPublishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes JSON frames to a topic.
type MQTTPublisher struct {
	client  MQTTPublishClient
	topic   string
	timeout time.Duration
}

// NewMQTTPublisher publishes to topic through client.
func NewMQTTPublisher(client MQTTPublishClient, topic string) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, timeout: DefaultMQTTTimeout}
}

// Name implements Publisher.
func (p *MQTTPublisher) Name() string { return "mqtt:" + p.topic }

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(ctx context.Context, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "encoding telemetry frame")
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(p.timeout):
		return errors.Errorf("publishing to %s timed out after %v", p.topic, p.timeout)
	}
	return token.Error()
}

// Close implements Publisher. The client is owned by the caller.
func (p *MQTTPublisher) Close() error { return nil }
