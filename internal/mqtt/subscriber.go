// Package mqtt receives measurement batches that devices publish on
// <prefix>/<serial>/measurements.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/ingest"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/metrics"
)

const (
	source         = "mqtt"
	connectTimeout = 10 * time.Second
	handleTimeout  = 30 * time.Second
)

// Ingester is the part of the ingestor the subscriber drives.
type Ingester interface {
	Ingest(ctx context.Context, batch ingest.Batch) (ingest.Result, error)
}

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

type Subscriber struct {
	client   paho.Client
	cfg      Config
	ingestor Ingester
	logger   *logrus.Entry
}

// NewSubscriber builds the subscriber without connecting.
func NewSubscriber(cfg Config, ingestor Ingester, logger *logging.Logger) *Subscriber {
	s := &Subscriber{cfg: cfg, ingestor: ingestor, logger: logger.Component("mqtt")}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// Subscriptions are lost with a clean session, so renew them on every connect.
	opts.SetOnConnectHandler(func(c paho.Client) {
		if err := s.subscribe(c); err != nil {
			s.logger.Errorf("Subscribe failed: %v", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warnf("Connection lost: %v", err)
	})
	s.client = paho.NewClient(opts)
	return s
}

// Topic is the wildcard subscription for all devices.
func (s *Subscriber) Topic() string {
	return strings.TrimSuffix(s.cfg.TopicPrefix, "/") + "/+/measurements"
}

func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	s.logger.Infof("MQTT subscriber connected to %s", s.cfg.Broker)
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	topic := s.Topic()
	token := c.Subscribe(topic, s.cfg.QoS, s.onMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	s.logger.Infof("Subscribed to %s", topic)
	return nil
}

// onMessage is the paho callback. Paho cannot reject a message, so a failed
// one is dropped after HandleMessage has logged it.
func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := s.HandleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
		s.logger.WithField("topic", msg.Topic()).Debugf("Message %d dropped (%v)", msg.MessageID(), apperr.KindOf(err))
	}
}

// HandleMessage ingests one payload. A batch without a device takes the
// serial from the topic.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	log := s.logger.WithField("topic", topic)

	var batch ingest.Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		log.Errorf("Unmarshal message failed: %v", err)
		metrics.MeasurementsIngested.WithLabelValues(source, "rejected").Inc()
		return apperr.Validation("", "malformed message: %v", err)
	}
	if batch.Device.IsZero() {
		serial := SerialFromTopic(topic)
		if serial == "" {
			log.Error("Message without device reference")
			metrics.MeasurementsIngested.WithLabelValues(source, "rejected").Inc()
			return apperr.Validation("device", "must not be empty")
		}
		batch.Device = ingest.Ref{Key: serial}
	}
	batch.Source = source

	res, err := s.ingestor.Ingest(ctx, batch)
	if err != nil {
		log.WithField("device", batch.Device.String()).Warnf("Batch not ingested: %v", err)
		return err
	}
	log.WithFields(logrus.Fields{
		"measurement_id": res.Measurement.ID,
		"alerts":         len(res.Alerts),
	}).Info("Processed MQTT message")
	return nil
}

func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.Topic()).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
}

// SerialFromTopic extracts the device serial from <prefix>/<serial>/measurements.
func SerialFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-1] != "measurements" {
		return ""
	}
	return parts[len(parts)-2]
}
