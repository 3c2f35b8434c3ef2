package alerts

import (
	"context"
	"strings"
	"time"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/metrics"
	"aquamonitor/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ManualAlert is an operator-raised alert.
type ManualAlert struct {
	MeasurementID int64                `json:"measurement_id"`
	Kind          models.AlertKind     `json:"kind"`
	Description   string               `json:"description"`
	Priority      models.AlertPriority `json:"priority"`
}

// Resolution closes an alert.
type Resolution struct {
	ResolvedBy string     `json:"resolved_by"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// Page is one slice of an alert listing.
type Page struct {
	Alerts []models.Alert `json:"alerts"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// Service implements the operator-facing alert operations.
type Service struct {
	store    Store
	notifier Notifier
	logger   *logging.Logger
	now      func() time.Time
}

// NewService builds the service. notifier may be nil.
func NewService(store Store, notifier Notifier, logger *logging.Logger) *Service {
	return &Service{store: store, notifier: notifier, logger: logger, now: time.Now}
}

func (s *Service) Get(ctx context.Context, id int64) (models.Alert, error) {
	return s.store.GetAlert(ctx, id)
}

func (s *Service) List(ctx context.Context, filter models.AlertFilter) (Page, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return Page{}, apperr.Validation("status", "unknown alert status %q", st)
		}
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return Page{}, apperr.Validation("kind", "unknown alert kind %q", filter.Kind)
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return Page{}, apperr.Validation("priority", "unknown alert priority %q", filter.Priority)
	}
	if filter.Offset < 0 {
		return Page{}, apperr.Validation("offset", "offset must not be negative")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultPageSize
	case filter.Limit > maxPageSize:
		filter.Limit = maxPageSize
	}

	list, total, err := s.store.ListAlerts(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	return Page{Alerts: list, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// CreateManual records an operator alert. It fails with a conflict when the
// measurement already has an active alert.
func (s *Service) CreateManual(ctx context.Context, in ManualAlert) (models.Alert, error) {
	if in.Kind == "" {
		in.Kind = models.AlertKindParameterOutOfRange
	}
	if !in.Kind.Valid() {
		return models.Alert{}, apperr.Validation("kind", "unknown alert kind %q", in.Kind)
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if !in.Priority.Valid() {
		return models.Alert{}, apperr.Validation("priority", "unknown alert priority %q", in.Priority)
	}
	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		return models.Alert{}, apperr.Validation("description", "description is required")
	}

	m, err := s.store.GetMeasurement(ctx, in.MeasurementID)
	if err != nil {
		return models.Alert{}, err
	}

	alert, err := s.store.CreateAlert(ctx, models.Alert{
		MeasurementID: m.ID,
		Kind:          in.Kind,
		Description:   in.Description,
		Priority:      in.Priority,
		Status:        models.AlertPending,
	})
	if err != nil {
		return models.Alert{}, err
	}
	s.logger.Infof("Created manual alert %d for measurement %d", alert.ID, m.ID)

	if s.notifier != nil {
		mctx := models.MeasurementContext{Measurement: m}
		if h, err := s.store.GetDeviceHierarchy(ctx, m.DeviceID); err == nil {
			mctx.Hierarchy = h
		}
		if err := s.notifier.Dispatch(ctx, alert, mctx); err != nil {
			s.logger.Warnf("Notification for manual alert %d failed: %v", alert.ID, err)
		}
	}
	return alert, nil
}

func (s *Service) Acknowledge(ctx context.Context, id int64, notes string) (models.Alert, error) {
	return s.transition(ctx, id, models.AlertAcknowledged, func(a models.Alert) models.AlertStatusUpdate {
		return models.AlertStatusUpdate{From: a.Status, To: models.AlertAcknowledged, Notes: notes}
	})
}

func (s *Service) Escalate(ctx context.Context, id int64, notes string) (models.Alert, error) {
	return s.transition(ctx, id, models.AlertEscalated, func(a models.Alert) models.AlertStatusUpdate {
		return models.AlertStatusUpdate{From: a.Status, To: models.AlertEscalated, Notes: notes}
	})
}

// Resolve closes an alert. The resolver is mandatory; the resolution time
// defaults to now.
func (s *Service) Resolve(ctx context.Context, id int64, in Resolution) (models.Alert, error) {
	in.ResolvedBy = strings.TrimSpace(in.ResolvedBy)
	if in.ResolvedBy == "" {
		return models.Alert{}, apperr.Validation("resolved_by", "resolver is required")
	}
	resolvedAt := s.now()
	if in.ResolvedAt != nil && !in.ResolvedAt.IsZero() {
		resolvedAt = *in.ResolvedAt
	}
	return s.transition(ctx, id, models.AlertResolved, func(a models.Alert) models.AlertStatusUpdate {
		if resolvedAt.Before(a.CreatedAt) {
			resolvedAt = a.CreatedAt
		}
		return models.AlertStatusUpdate{
			From:       a.Status,
			To:         models.AlertResolved,
			ResolvedAt: &resolvedAt,
			ResolvedBy: in.ResolvedBy,
			Notes:      in.Notes,
		}
	})
}

func (s *Service) transition(ctx context.Context, id int64, to models.AlertStatus, build func(models.Alert) models.AlertStatusUpdate) (models.Alert, error) {
	current, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return models.Alert{}, err
	}
	if !CanTransition(current.Status, to) {
		return models.Alert{}, apperr.Conflict("alert %d cannot move from %s to %s", id, current.Status, to)
	}

	updated, err := s.store.UpdateAlertStatus(ctx, id, build(current))
	if err != nil {
		return models.Alert{}, err
	}
	metrics.AlertTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Infof("Alert %d moved from %s to %s", id, current.Status, to)
	return updated, nil
}
