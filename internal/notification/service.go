// Package notification formats alerts and delivers them to the configured
// outbound channels, either inline or on a worker pool.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/metrics"
	"aquamonitor/internal/models"
	"aquamonitor/internal/utils"
)

// Channel is an outbound messaging provider.
type Channel interface {
	Name() string
	SendMessage(ctx context.Context, msg models.Message) (models.DeliveryResult, error)
}

// RecordStore persists one notification row per alert and channel.
type RecordStore interface {
	CreateNotification(ctx context.Context, n models.Notification) error
	UpdateNotificationStatus(ctx context.Context, id [16]byte, status models.NotificationStatus, attempts int, lastError string) error
}

// Config is the dispatcher configuration, built once at startup.
type Config struct {
	QueueSize int
	// MaxWorkers of zero delivers inline in the caller's goroutine.
	MaxWorkers   int
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	Location     *time.Location
}

type task struct {
	alert models.Alert
	mctx  models.MeasurementContext
}

// Service processes alerts and dispatches notifications to every channel.
type Service struct {
	channels []Channel
	store    RecordStore
	logger   *logging.Logger
	config   Config
	tasks    chan task
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
}

// New constructs a notification Service. store may be nil.
func New(cfg Config, channels []Channel, store RecordStore, logger *logging.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		channels: channels,
		store:    store,
		logger:   logger,
		config:   cfg,
		tasks:    make(chan task, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Channels returns the names of the configured channels.
func (s *Service) Channels() []string {
	names := make([]string, len(s.channels))
	for i, c := range s.channels {
		names[i] = c.Name()
	}
	return names
}

// Start launches the worker pool.
func (s *Service) Start(wg *sync.WaitGroup) {
	s.wg = wg
	for i := 0; i < s.config.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop signals the workers to exit. Queued alerts not yet picked up are
// dropped.
func (s *Service) Stop() {
	s.cancel()
}

// Dispatch hands an alert to the workers, or delivers it inline when no
// workers are configured. A full queue drops the alert with an error.
func (s *Service) Dispatch(ctx context.Context, alert models.Alert, mctx models.MeasurementContext) error {
	if s.config.MaxWorkers == 0 {
		return s.Notify(ctx, alert, mctx)
	}
	select {
	case s.tasks <- task{alert: alert, mctx: mctx}:
		metrics.NotificationQueueSize.Set(float64(len(s.tasks)))
		s.logger.Infof("Queued notification: alert_id=%d", alert.ID)
		return nil
	default:
		s.logger.Errorf("Queue full, dropping notification: alert_id=%d", alert.ID)
		for _, c := range s.channels {
			metrics.NotificationsTotal.WithLabelValues(c.Name(), "dropped").Inc()
		}
		return apperr.Notification("queue", errors.New("notification queue is full"))
	}
}

// worker processes alerts until the service is stopped.
func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Infof("Worker %d stopped", id)
			return
		case t := <-s.tasks:
			metrics.NotificationQueueSize.Set(float64(len(s.tasks)))
			if err := s.Notify(s.ctx, t.alert, t.mctx); err != nil {
				s.logger.Warnf("Worker %d: %v", id, err)
			}
		}
	}
}

// Notify formats the alert and delivers it to every channel. Each channel
// gets its own timeout and retry budget; failures are collected into one
// notification error and never affect the other channels.
func (s *Service) Notify(ctx context.Context, alert models.Alert, mctx models.MeasurementContext) error {
	if len(s.channels) == 0 {
		return nil
	}
	msg := FormatMessage(alert, mctx, s.config.Location)

	var errs []error
	for _, ch := range s.channels {
		if err := s.deliver(ctx, ch, msg); err != nil {
			errs = append(errs, apperr.Notification(ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) deliver(ctx context.Context, ch Channel, msg models.Message) error {
	name := ch.Name()
	record := models.Notification{
		ID:      uuid.New(),
		AlertID: msg.AlertID,
		Channel: name,
		Subject: msg.Subject,
		Body:    msg.Text,
		Status:  models.NotificationPending,
	}
	persisted := false
	if s.store != nil {
		if err := s.store.CreateNotification(ctx, record); err != nil {
			s.logger.Errorf("CreateNotification failed: %v", err)
		} else {
			persisted = true
		}
	}

	start := time.Now()
	attempts, err := utils.Retry(ctx, s.logger, s.config.MaxAttempts, s.config.RetryBackoff, func(int) error {
		cctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
		res, err := ch.SendMessage(cctx, msg)
		if err != nil {
			return err
		}
		if res.ExternalID != "" {
			s.logger.Debugf("Channel %s accepted alert %d as %s", name, msg.AlertID, res.ExternalID)
		}
		return nil
	})
	metrics.NotificationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	final := models.NotificationSent
	lastError := ""
	if err != nil {
		final = models.NotificationFailed
		lastError = err.Error()
		s.logger.Errorf("Dispatch error via %s for alert %d: %v", name, msg.AlertID, err)
	} else {
		s.logger.Infof("Alert %d dispatched via %s", msg.AlertID, name)
	}
	metrics.NotificationsTotal.WithLabelValues(name, string(final)).Inc()

	if persisted {
		// Record the outcome even when ctx is already done.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if uerr := s.store.UpdateNotificationStatus(uctx, record.ID, final, attempts, lastError); uerr != nil {
			s.logger.Errorf("UpdateNotificationStatus failed: %v", uerr)
		}
	}

	return err
}
