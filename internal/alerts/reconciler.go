// Package alerts turns findings into deduplicated alerts and drives the
// alert status machine.
package alerts

import (
	"context"
	"errors"
	"strings"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/metrics"
	"aquamonitor/internal/models"
)

// Store is the persistence the alert package needs.
type Store interface {
	FindActiveAlertForMeasurement(ctx context.Context, measurementID int64) (*models.Alert, error)
	CreateAlert(ctx context.Context, alert models.Alert) (models.Alert, error)
	GetAlert(ctx context.Context, id int64) (models.Alert, error)
	UpdateAlertStatus(ctx context.Context, id int64, upd models.AlertStatusUpdate) (models.Alert, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, int, error)
	GetMeasurement(ctx context.Context, id int64) (models.Measurement, error)
	GetDeviceHierarchy(ctx context.Context, deviceID int64) (models.DeviceHierarchy, error)
}

// Notifier delivers a newly created alert.
type Notifier interface {
	Dispatch(ctx context.Context, alert models.Alert, mctx models.MeasurementContext) error
}

const deviceReportedPrefix = "Alerta reportada por el dispositivo para: "

// Reconciler creates at most one active alert per measurement.
type Reconciler struct {
	store  Store
	logger *logging.Logger
}

func NewReconciler(store Store, logger *logging.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// ReconcileFindings returns the alerts created by this call. It returns an
// empty slice when there are no findings or when the measurement already
// has an active alert.
func (r *Reconciler) ReconcileFindings(ctx context.Context, m models.Measurement, findings []models.Finding) ([]models.Alert, error) {
	if len(findings) == 0 {
		return nil, nil
	}

	existing, err := r.store.FindActiveAlertForMeasurement(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		r.logger.Infof("Measurement %d already has active alert %d, skipping", m.ID, existing.ID)
		metrics.AlertsReconciled.WithLabelValues("skipped").Inc()
		return nil, nil
	}

	alert, err := r.store.CreateAlert(ctx, models.Alert{
		MeasurementID: m.ID,
		Kind:          models.AlertKindParameterOutOfRange,
		Description:   Describe(findings),
		Priority:      models.PriorityHigh,
		Status:        models.AlertPending,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			// Another writer created the alert between our check and insert.
			r.logger.Infof("Lost alert creation race for measurement %d, skipping", m.ID)
			metrics.AlertsReconciled.WithLabelValues("skipped").Inc()
			return nil, nil
		}
		return nil, err
	}

	r.logger.Infof("Created alert %d for measurement %d", alert.ID, m.ID)
	metrics.AlertsReconciled.WithLabelValues("created").Inc()
	return []models.Alert{alert}, nil
}

// Describe joins the violation reasons of findings. Findings raised only by
// the device flag are summarized in one generic sentence.
func Describe(findings []models.Finding) string {
	var reasons []string
	var flagged []string
	for _, f := range findings {
		if f.Reason != "" {
			reasons = append(reasons, f.Reason)
			continue
		}
		if f.Forced {
			flagged = append(flagged, f.ParameterName)
		}
	}
	if len(flagged) > 0 {
		reasons = append(reasons, deviceReportedPrefix+strings.Join(flagged, ", ")+".")
	}
	return strings.Join(reasons, " ")
}
