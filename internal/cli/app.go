package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"aquamonitor/internal/alerts"
	"aquamonitor/internal/api"
	"aquamonitor/internal/audit"
	"aquamonitor/internal/config"
	"aquamonitor/internal/db"
	"aquamonitor/internal/db/memdb"
	"aquamonitor/internal/ingest"
	"aquamonitor/internal/kafka"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/mqtt"
	"aquamonitor/internal/notification"
	"aquamonitor/internal/providers"
	"aquamonitor/internal/rules"
)

const shutdownTimeout = 10 * time.Second

// Storage is everything the service needs from a storage driver.
type Storage interface {
	ingest.Store
	alerts.Store
	api.Store
	notification.RecordStore
	audit.Writer
	rules.Source
	Close()
}

// App holds the wired service.
type App struct {
	cfg    config.Config
	logger *logging.Logger

	Store      Storage
	Dispatcher *notification.Service
	Ingestor   *ingest.Ingestor
	Alerts     *alerts.Service
	Hub        *providers.WebSocketHub
	Router     *gin.Engine

	redis       *redis.Client
	kafkaAlerts *providers.KafkaAlerts
	consumer    *kafka.Consumer
	subscriber  *mqtt.Subscriber
}

// NewApp connects storage and builds every component from cfg. Nothing is
// started yet.
func NewApp(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store

	var ruleSource rules.Source = store
	var ruleCache api.RuleCache
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		cached := rules.NewCachedStore(store, a.redis, cfg.Redis.RuleTTL, logger)
		ruleSource = cached
		ruleCache = cached
		logger.Infof("Rule cache enabled on %s", cfg.Redis.Addr)
	}

	a.Hub = providers.NewWebSocketHub(logger)
	channels, err := a.buildChannels()
	if err != nil {
		a.Close()
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Notification.Location)
	if err != nil {
		logger.Warnf("Unknown timezone %q, using UTC: %v", cfg.Notification.Location, err)
		loc = time.UTC
	}
	a.Dispatcher = notification.New(notification.Config{
		QueueSize:    cfg.Notification.QueueSize,
		MaxWorkers:   cfg.Notification.MaxWorkers,
		Timeout:      cfg.Notification.Timeout,
		MaxAttempts:  cfg.Notification.MaxAttempts,
		RetryBackoff: cfg.Notification.RetryBackoff,
		Location:     loc,
	}, channels, store, logger)

	a.Ingestor = ingest.New(store, ruleSource, alerts.NewReconciler(store, logger), a.Dispatcher,
		audit.NewStoreLogger(store).WithFallback(audit.NewLogLogger(logger)), logger, ingest.Options{
			RealertPolicy:               ingest.RealertPolicy(cfg.Ingest.RealertPolicy),
			ForceFlagRequiresActiveRule: cfg.Ingest.ForceFlagRequiresActiveRule,
			StorageTimeout:              cfg.Ingest.StorageTimeout,
		})
	a.Alerts = alerts.NewService(store, a.Dispatcher, logger)

	a.Router = api.NewRouter(api.Deps{
		Ingestor:  a.Ingestor,
		Alerts:    a.Alerts,
		Store:     store,
		RuleCache: ruleCache,
		WebSocket: a.Hub,
		Logger:    logger,
		BasePath:  cfg.API.BasePath,
	})

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.MeasurementTopic != "" {
		a.consumer = kafka.NewConsumer(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.MeasurementTopic,
			GroupID: cfg.Kafka.GroupID,
		}, a.Ingestor, logger)
	}
	if cfg.MQTT.Broker != "" {
		a.subscriber = mqtt.NewSubscriber(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, a.Ingestor, logger)
	}
	return a, nil
}

func openStorage(ctx context.Context, cfg config.Config, logger *logging.Logger) (Storage, error) {
	switch cfg.Storage.Driver {
	case "memory":
		store := memdb.New()
		dev := memdb.Seed(store)
		logger.Infof("Using in-memory storage with demo device %s", dev.Serial)
		return store, nil
	case "postgres", "":
		conn, err := db.New(cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := conn.Ping(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func (a *App) buildChannels() ([]notification.Channel, error) {
	channels := []notification.Channel{a.Hub}

	if a.cfg.Telegram.BotToken != "" {
		tg, err := providers.NewTelegram(providers.TelegramConfig{
			BotToken:  a.cfg.Telegram.BotToken,
			ChatIDs:   a.cfg.Telegram.ChatIDs,
			RateLimit: a.cfg.Telegram.RateLimit,
			ServerURL: a.cfg.Telegram.ServerURL,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		channels = append(channels, tg)
	}
	if a.cfg.Webhook.URL != "" {
		wh, err := providers.NewWebhook(a.cfg.Webhook.URL, a.cfg.Webhook.Secret, a.cfg.Webhook.Timeout)
		if err != nil {
			return nil, err
		}
		channels = append(channels, wh)
	}
	if len(a.cfg.Kafka.Brokers) > 0 && a.cfg.Kafka.AlertTopic != "" {
		k, err := providers.NewKafkaAlerts(a.cfg.Kafka.Brokers, a.cfg.Kafka.AlertTopic)
		if err != nil {
			return nil, err
		}
		a.kafkaAlerts = k
		channels = append(channels, k)
	}

	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = c.Name()
	}
	a.logger.Infof("Notification channels: %v", names)
	return channels, nil
}

// Run starts the workers, consumers and HTTP server and blocks until ctx is
// done or the server fails.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	a.Dispatcher.Start(&wg)

	consumeCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()
	if a.consumer != nil {
		a.consumer.Start(consumeCtx, &wg)
	}
	if a.subscriber != nil {
		if err := a.subscriber.Start(); err != nil {
			a.logger.Errorf("MQTT subscriber disabled: %v", err)
			a.subscriber = nil
		}
	}

	srv := &http.Server{Addr: a.cfg.API.Port, Handler: a.Router}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("API started on %s", a.cfg.API.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down...")
	case runErr = <-errCh:
		a.logger.Errorf("API run failed: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Errorf("API shutdown failed: %v", err)
	}
	stopConsumers()
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	a.Dispatcher.Stop()
	wg.Wait()
	a.logger.Info("Service stopped")
	return runErr
}

// Close releases connections. Safe to call on a partially built App.
func (a *App) Close() {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Errorf("Kafka consumer close failed: %v", err)
		}
	}
	if a.kafkaAlerts != nil {
		if err := a.kafkaAlerts.Close(); err != nil {
			a.logger.Errorf("Kafka writer close failed: %v", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
		a.logger.Info("Storage closed")
	}
}
