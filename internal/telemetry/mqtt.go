package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/logger"
	"codeberg.org/mutker/pvctl/internal/model"
	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	snapshotSuffix    = "snapshot"
	connectRetries    = 5
	connectMaxElapsed = 30 * time.Second
	disconnectQuiesce = 250 // ms
)

type MQTTConfig struct {
	Broker   string
	Port     int
	User     string
	Password string
	ClientID string
	Prefix   string
	QoS      byte
}

// Topic is the subscription filter for device snapshots.
func (c MQTTConfig) Topic() string {
	return strings.TrimSuffix(c.Prefix, "/") + "/+/" + snapshotSuffix
}

// MQTTSource subscribes to device snapshots published as JSON on
// <prefix>/<device>/snapshot.
type MQTTSource struct {
	cfg    MQTTConfig
	logger logger.Logger
}

func NewMQTTSource(cfg MQTTConfig) *MQTTSource {
	return &MQTTSource{
		cfg:    cfg,
		logger: logger.With("mqtt"),
	}
}

func (s *MQTTSource) Name() string {
	return "mqtt"
}

func (s *MQTTSource) Run(ctx context.Context, out chan<- Snapshot) error {
	errFactory := errors.New()

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect(disconnectQuiesce)

	topic := s.cfg.Topic()
	token := client.Subscribe(topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		snap, err := DecodeSnapshot(s.cfg.Prefix, msg.Topic(), msg.Payload())
		if err != nil {
			s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed snapshot")
			return
		}
		snap.Source = s.Name()

		select {
		case out <- snap:
		case <-ctx.Done():
		}
	})
	if token.Wait() && token.Error() != nil {
		return errFactory.Wrap(ErrSubscribe, token.Error())
	}

	s.logger.Info().Str("topic", topic).Msg("Subscribed to device snapshots")

	<-ctx.Done()

	if t := client.Unsubscribe(topic); t.WaitTimeout(time.Second) && t.Error() != nil {
		s.logger.Debug().Err(t.Error()).Msg("Failed to unsubscribe")
	}

	return nil
}

func (s *MQTTSource) connect(ctx context.Context) (mqtt.Client, error) {
	addr := fmt.Sprintf("tcp://%s:%d", s.cfg.Broker, s.cfg.Port)

	opts := mqtt.NewClientOptions().
		AddBroker(addr).
		SetUsername(s.cfg.User).
		SetPassword(s.cfg.Password).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			s.logger.Warn().Err(token.Error()).Str("broker", addr).Msg("Failed to connect to MQTT broker")
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, connectRetries-1), ctx))
	if err != nil {
		return nil, errors.New().Wrap(ErrConnect, err)
	}

	s.logger.Info().Str("broker", addr).Msg("Connected to MQTT broker")

	return client, nil
}

// DecodeSnapshot parses a snapshot payload received on topic. The device
// name defaults to the topic segment after prefix. Unknown fields and
// non-finite values are rejected.
func DecodeSnapshot(prefix, topic string, payload []byte) (Snapshot, error) {
	errFactory := errors.New()

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, errFactory.Wrap(ErrInvalidSnapshot, err)
	}

	if snap.Device == "" {
		rest := strings.TrimPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
		snap.Device = strings.TrimSuffix(rest, "/"+snapshotSuffix)
	}
	if snap.Device == "" || strings.Contains(snap.Device, "/") {
		return Snapshot{}, errFactory.WithData(ErrInvalidSnapshot, struct {
			Topic string
		}{
			Topic: topic,
		})
	}

	if snap.Status != "" && !snap.Status.IsValid() {
		return Snapshot{}, errFactory.WithData(ErrInvalidSnapshot, struct {
			Status model.DeviceStatus
		}{
			Status: snap.Status,
		})
	}

	var probe model.DataPoint
	for field, v := range snap.Values {
		if !probe.Set(field, v) {
			return Snapshot{}, errFactory.WithMessage(ErrInvalidSnapshot, "unknown field "+field)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Snapshot{}, errFactory.WithMessage(ErrInvalidSnapshot, field+" is not finite")
		}
	}

	snap.Timestamp = snap.Timestamp.UTC()

	return snap, nil
}
