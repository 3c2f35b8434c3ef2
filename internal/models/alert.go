package models

import "time"

type AlertKind string

const (
	AlertKindParameterOutOfRange AlertKind = "PARAMETER_OUT_OF_RANGE"
	AlertKindDeviceMalfunction   AlertKind = "DEVICE_MALFUNCTION"
	AlertKindMaintenanceRequired AlertKind = "MAINTENANCE_REQUIRED"
	AlertKindSystemError         AlertKind = "SYSTEM_ERROR"
	AlertKindCalibrationNeeded   AlertKind = "CALIBRATION_NEEDED"
	AlertKindHealthIssue         AlertKind = "HEALTH_ISSUE"
)

func (k AlertKind) Valid() bool {
	switch k {
	case AlertKindParameterOutOfRange, AlertKindDeviceMalfunction, AlertKindMaintenanceRequired,
		AlertKindSystemError, AlertKindCalibrationNeeded, AlertKindHealthIssue:
		return true
	}
	return false
}

type AlertPriority string

const (
	PriorityHigh   AlertPriority = "HIGH"
	PriorityMedium AlertPriority = "MEDIUM"
	PriorityLow    AlertPriority = "LOW"
)

func (p AlertPriority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

type AlertStatus string

const (
	AlertPending      AlertStatus = "PENDING"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
	AlertEscalated    AlertStatus = "ESCALATED"
)

// ActiveAlertStatuses are the statuses that count towards the
// one-active-alert-per-measurement invariant.
var ActiveAlertStatuses = []AlertStatus{AlertPending, AlertAcknowledged, AlertEscalated}

// IsActive reports whether the status blocks creation of another alert.
func (s AlertStatus) IsActive() bool {
	return s == AlertPending || s == AlertAcknowledged || s == AlertEscalated
}

func (s AlertStatus) Valid() bool {
	return s.IsActive() || s == AlertResolved
}

// Alert is a persisted record of one or more findings for a measurement.
type Alert struct {
	ID            int64         `json:"id"`
	MeasurementID int64         `json:"measurement_id"`
	Kind          AlertKind     `json:"kind"`
	Description   string        `json:"description"`
	Priority      AlertPriority `json:"priority"`
	Status        AlertStatus   `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy    string        `json:"resolved_by,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

// AlertStatusUpdate describes a lifecycle transition to persist.
type AlertStatusUpdate struct {
	From       AlertStatus
	To         AlertStatus
	ResolvedAt *time.Time
	ResolvedBy string
	Notes      string
}

// AlertFilter is the typed query for alert listings.
type AlertFilter struct {
	Statuses      []AlertStatus
	Kind          AlertKind
	Priority      AlertPriority
	DeviceID      int64
	MeasurementID int64
	Since         *time.Time
	Limit         int
	Offset        int
}
