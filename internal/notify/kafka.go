// Package notify forwards raised alerts to a Kafka topic.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/logger"
	"codeberg.org/mutker/pvctl/internal/model"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTopic = "pv.alerts"

	defaultBatchTimeout = 50 * time.Millisecond
	writeTimeout        = 10 * time.Second
)

type Config struct {
	Brokers []string
	Topic   string
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New().WithMessage(ErrInvalidConfig, "at least one kafka broker is required")
	}
	return nil
}

// MessageWriter is the producing side of a Kafka client.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per alert, keyed by the experiment (or
// device) it belongs to so alerts of one experiment stay ordered.
type KafkaPublisher struct {
	writer MessageWriter
	logger logger.Logger
}

func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           defaultBatchTimeout,
		AllowAutoTopicCreation: true,
	}

	logger.Debug().Strs("brokers", cfg.Brokers).Str("topic", topic).Msg("Kafka alert publisher configured")

	return NewPublisher(w), nil
}

// NewPublisher wraps an existing writer.
func NewPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		logger: logger.With("notify"),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, alerts []model.Alert) error {
	errFactory := errors.New()

	if len(alerts) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		value, err := json.Marshal(a)
		if err != nil {
			return errFactory.Wrap(ErrEncoding, err)
		}

		key := a.ExperimentID
		if key == "" {
			key = a.DeviceID
		}

		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Time:  a.CreatedAt,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(a.Type)},
				{Key: "category", Value: []byte(a.Category)},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return errFactory.Wrap(ErrPublish, err)
	}

	p.logger.Debug().Int("alerts", len(alerts)).Msg("Alerts published")

	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
