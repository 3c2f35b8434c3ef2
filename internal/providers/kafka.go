package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"aquamonitor/internal/models"
)

// MessageWriter is the part of *kafka.Writer the channel uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlerts publishes created alerts to a topic for downstream consumers.
type KafkaAlerts struct {
	writer MessageWriter
	topic  string
}

func NewKafkaAlerts(brokers []string, topic string) (*KafkaAlerts, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // Partition by alert id
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return NewKafkaAlertsWithWriter(w, topic), nil
}

// NewKafkaAlertsWithWriter wraps an existing writer.
func NewKafkaAlertsWithWriter(w MessageWriter, topic string) *KafkaAlerts {
	return &KafkaAlerts{writer: w, topic: topic}
}

func (k *KafkaAlerts) Name() string { return "kafka" }

func (k *KafkaAlerts) SendMessage(ctx context.Context, msg models.Message) (models.DeliveryResult, error) {
	value, err := json.Marshal(WebhookPayload{
		Event:   "alert.created",
		Subject: msg.Subject,
		Text:    msg.Text,
		Alert:   msg.Alert,
		Context: msg.Context,
	})
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("failed to serialize alert: %w", err)
	}

	key := strconv.FormatInt(msg.AlertID, 10)
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("alert.created")},
		},
	})
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("failed to publish alert to %s: %w", k.topic, err)
	}
	return models.DeliveryResult{Channel: k.Name(), ExternalID: k.topic + "/" + key}, nil
}

func (k *KafkaAlerts) Close() error {
	return k.writer.Close()
}
