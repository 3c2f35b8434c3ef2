package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aquamonitor/internal/alerts"
	"aquamonitor/internal/ingest"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/models"
)

// Ingestor accepts measurement batches and corrections.
type Ingestor interface {
	Ingest(ctx context.Context, batch ingest.Batch) (ingest.Result, error)
	Correct(ctx context.Context, measurementID int64, c ingest.Correction) (ingest.Result, error)
}

// AlertService is the operator-facing alert API.
type AlertService interface {
	Get(ctx context.Context, id int64) (models.Alert, error)
	List(ctx context.Context, filter models.AlertFilter) (alerts.Page, error)
	CreateManual(ctx context.Context, in alerts.ManualAlert) (models.Alert, error)
	Acknowledge(ctx context.Context, id int64, notes string) (models.Alert, error)
	Escalate(ctx context.Context, id int64, notes string) (models.Alert, error)
	Resolve(ctx context.Context, id int64, in alerts.Resolution) (models.Alert, error)
}

// Store is the read and admin access the handlers need directly.
type Store interface {
	Ping(ctx context.Context) error
	GetMeasurement(ctx context.Context, id int64) (models.Measurement, error)
	FindParameterByName(ctx context.Context, name string) (models.Parameter, error)
	FindParameterByID(ctx context.Context, id int64) (models.Parameter, error)
	ListRules(ctx context.Context) ([]models.ThresholdRule, error)
	UpsertRule(ctx context.Context, rule models.ThresholdRule) (models.ThresholdRule, error)
	ListNotificationsForAlert(ctx context.Context, alertID int64) ([]models.Notification, error)
}

// RuleCache drops cached rules after an admin write.
type RuleCache interface {
	Invalidate(ctx context.Context, parameterID int64) error
}

// Deps wires the router. RuleCache and WebSocket are optional.
type Deps struct {
	Ingestor  Ingestor
	Alerts    AlertService
	Store     Store
	RuleCache RuleCache
	WebSocket http.Handler
	Logger    *logging.Logger
	BasePath  string
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLoggingMiddleware(d.Logger))
	r.Use(MetricsMiddleware())

	h := NewHandler(d)

	basePath := d.BasePath
	if basePath == "" {
		basePath = "/api/v0"
	}
	api := r.Group(basePath)
	{
		// Measurements
		api.POST("/measurements", h.CreateMeasurement)
		api.GET("/measurements/:id", h.GetMeasurement)
		api.PUT("/measurements/:id", h.CorrectMeasurement)

		// Alerts
		api.GET("/alerts", h.ListAlerts)
		api.POST("/alerts", h.CreateAlert)
		api.GET("/alerts/:id", h.GetAlert)
		api.GET("/alerts/:id/notifications", h.GetAlertNotifications)
		api.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
		api.POST("/alerts/:id/escalate", h.EscalateAlert)
		api.POST("/alerts/:id/resolve", h.ResolveAlert)

		// Threshold rules
		api.GET("/rules", h.ListRules)
		api.PUT("/rules/:parameter", h.UpsertRule)

		if d.WebSocket != nil {
			api.GET("/ws", gin.WrapH(d.WebSocket))
		}
	}

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
