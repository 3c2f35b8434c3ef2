// Package kafka feeds measurement batches published on a Kafka topic into
// the ingest pipeline.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/ingest"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/utils"
)

const (
	source          = "kafka"
	ingestAttempts  = 3
	ingestBackoff   = 500 * time.Millisecond
	fetchErrBackoff = time.Second
)

// Ingester is the part of the ingestor the consumer drives.
type Ingester interface {
	Ingest(ctx context.Context, batch ingest.Batch) (ingest.Result, error)
}

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type Consumer struct {
	reader   Reader
	ingestor Ingester
	root     *logging.Logger
	logger   *logrus.Entry
	backoff  time.Duration
}

func NewConsumer(cfg Config, ingestor Ingester, logger *logging.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return NewConsumerWithReader(r, ingestor, logger)
}

func NewConsumerWithReader(r Reader, ingestor Ingester, logger *logging.Logger) *Consumer {
	return &Consumer{
		reader:   r,
		ingestor: ingestor,
		root:     logger,
		logger:   logger.Component("kafka-consumer"),
		backoff:  ingestBackoff,
	}
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logger.Info("Kafka consumer started")
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.Info("Kafka consumer stopped")
					return
				}
				c.logger.Errorf("Fetch message failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(fetchErrBackoff):
				}
				continue
			}

			c.Handle(ctx, msg)
			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.Errorf("Commit offset %d failed: %v", msg.Offset, err)
			}
		}
	}()
}

// Handle decodes and ingests one message and returns the ingestion error,
// if any. Malformed and rejected batches are not retried. Storage failures
// before the measurement is persisted are.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.WithFields(logrus.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var batch ingest.Batch
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		log.Errorf("Unmarshal message failed: %v", err)
		return apperr.Validation("", "malformed message: %v", err)
	}
	// Producers may key messages by device serial instead of embedding it.
	if batch.Device.IsZero() && len(msg.Key) > 0 {
		batch.Device = ingest.Ref{Key: string(msg.Key)}
	}
	batch.Source = source

	var res ingest.Result
	_, err := utils.Retry(ctx, c.root, ingestAttempts, c.backoff, func(int) error {
		var ierr error
		res, ierr = c.ingestor.Ingest(ctx, batch)
		if ierr != nil && !retryable(ierr, res) {
			return utils.Permanent(ierr)
		}
		return ierr
	})

	var perm *utils.PermanentError
	switch {
	case errors.As(err, &perm):
		err = perm.Err
		log.WithField("device", batch.Device.String()).Warnf("Batch rejected: %v", err)
	case err != nil:
		log.WithField("device", batch.Device.String()).Errorf("Batch failed: %v", err)
	default:
		log.WithFields(logrus.Fields{
			"measurement_id": res.Measurement.ID,
			"alerts":         len(res.Alerts),
		}).Info("Processed Kafka message")
	}
	return err
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// retryable reports whether re-running the whole ingestion is safe. Once the
// measurement is stored a retry would duplicate it.
func retryable(err error, res ingest.Result) bool {
	return res.Measurement.ID == 0 && apperr.KindOf(err) == apperr.KindTransientStorage
}
