package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquamonitor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquamonitor_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	MeasurementsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquamonitor_measurements_ingested_total",
			Help: "Total number of measurement batches received",
		},
		[]string{"source", "status"}, // status: accepted, rejected, failed
	)

	ReadingsEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aquamonitor_readings_evaluated_total",
			Help: "Total number of readings checked against threshold rules",
		},
	)

	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquamonitor_findings_total",
			Help: "Total number of out-of-range or device-flagged readings",
		},
		[]string{"parameter", "forced"},
	)

	// Alert metrics
	AlertsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquamonitor_alerts_reconciled_total",
			Help: "Outcome of alert reconciliation per measurement",
		},
		[]string{"outcome"}, // outcome: created, skipped
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquamonitor_alert_transitions_total",
			Help: "Total number of alert status transitions",
		},
		[]string{"to"},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquamonitor_notifications_total",
			Help: "Total number of notification deliveries",
		},
		[]string{"channel", "status"}, // status: sent, failed, dropped
	)

	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquamonitor_notification_duration_seconds",
			Help:    "Time spent delivering a notification including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	NotificationQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquamonitor_notification_queue_size",
			Help: "Current number of alerts waiting for dispatch",
		},
	)
)
