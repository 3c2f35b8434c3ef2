// Package ingest validates device measurement batches, persists them and
// runs them through rule evaluation and alert reconciliation.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"aquamonitor/internal/alerts"
	"aquamonitor/internal/apperr"
	"aquamonitor/internal/audit"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/metrics"
	"aquamonitor/internal/models"
	"aquamonitor/internal/rules"
)

// RealertPolicy decides whether a corrective update may raise a new alert
// for a measurement that already had one.
type RealertPolicy string

const (
	// RealertReevaluate runs the normal reconciliation after a correction. A
	// resolved alert does not block a new one.
	RealertReevaluate RealertPolicy = "reevaluate"
	// RealertSuppress skips reconciliation for measurements that ever had an
	// alert.
	RealertSuppress RealertPolicy = "suppress"
)

// Store is the persistence the ingestor needs.
type Store interface {
	FindDeviceBySerial(ctx context.Context, serial string) (models.Device, error)
	FindDeviceByID(ctx context.Context, id int64) (models.Device, error)
	FindSensorBySerial(ctx context.Context, serial string) (models.Sensor, error)
	FindSensorByID(ctx context.Context, id int64) (models.Sensor, error)
	FindParameterByName(ctx context.Context, name string) (models.Parameter, error)
	FindParameterByID(ctx context.Context, id int64) (models.Parameter, error)
	CreateMeasurementWithParameters(ctx context.Context, m models.Measurement) (models.Measurement, error)
	ReplaceMeasurementParameters(ctx context.Context, id int64, readings []models.Reading) (models.Measurement, error)
	GetMeasurement(ctx context.Context, id int64) (models.Measurement, error)
	GetDeviceHierarchy(ctx context.Context, deviceID int64) (models.DeviceHierarchy, error)
	CountAlertsForMeasurement(ctx context.Context, measurementID int64) (int, error)
}

// Options tune the pipeline.
type Options struct {
	RealertPolicy               RealertPolicy
	ForceFlagRequiresActiveRule bool
	// StorageTimeout bounds each storage step. Zero means no extra bound.
	StorageTimeout time.Duration
}

// Result is what a successful ingestion returns.
type Result struct {
	Measurement models.Measurement `json:"measurement"`
	Alerts      []models.Alert     `json:"alerts"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// Ingestor runs the three stages persist, evaluate and reconcile for both
// fresh batches and corrections.
type Ingestor struct {
	store      Store
	rules      rules.Source
	reconciler *alerts.Reconciler
	notifier   alerts.Notifier
	audit      audit.Logger
	logger     *logging.Logger
	opts       Options
	now        func() time.Time
}

// New builds an Ingestor. notifier and auditLog may be nil.
func New(store Store, ruleSource rules.Source, reconciler *alerts.Reconciler, notifier alerts.Notifier,
	auditLog audit.Logger, logger *logging.Logger, opts Options) *Ingestor {
	if opts.RealertPolicy == "" {
		opts.RealertPolicy = RealertReevaluate
	}
	return &Ingestor{
		store:      store,
		rules:      ruleSource,
		reconciler: reconciler,
		notifier:   notifier,
		audit:      auditLog,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// resolvedReading is a validated reading with its rule, loaded before any
// write so that evaluation after commit cannot fail on lookups.
type resolvedReading struct {
	reading models.Reading
	rule    *models.ThresholdRule
}

// Ingest validates, persists and evaluates one batch.
func (i *Ingestor) Ingest(ctx context.Context, batch Batch) (Result, error) {
	source := batch.Source
	if source == "" {
		source = "api"
	}

	m, readings, err := i.validateBatch(ctx, batch)
	if err != nil {
		metrics.MeasurementsIngested.WithLabelValues(source, outcome(err)).Inc()
		return Result{}, err
	}

	sctx, cancel := i.storageContext(ctx)
	stored, err := i.store.CreateMeasurementWithParameters(sctx, m)
	cancel()
	if err != nil {
		metrics.MeasurementsIngested.WithLabelValues(source, outcome(err)).Inc()
		return Result{}, fmt.Errorf("failed to store measurement: %w", err)
	}
	metrics.MeasurementsIngested.WithLabelValues(source, "accepted").Inc()
	i.logger.WithFields(logrus.Fields{
		"measurement_id": stored.ID,
		"device_id":      stored.DeviceID,
		"readings":       len(stored.Readings),
		"source":         source,
	}).Info("Measurement stored")

	res := Result{Measurement: stored, Alerts: []models.Alert{}}
	i.logActivity(ctx, &res, "MEASUREMENT_CREATED", stored, batch.UserID)

	if err := i.evaluateAndReconcile(ctx, &res, readings); err != nil {
		return res, err
	}
	return res, nil
}

// Correct replaces the readings of an existing measurement and runs the
// same evaluation path as Ingest, subject to the re-alert policy.
func (i *Ingestor) Correct(ctx context.Context, measurementID int64, c Correction) (Result, error) {
	current, err := i.store.GetMeasurement(ctx, measurementID)
	if err != nil {
		return Result{}, err
	}
	device, err := i.store.FindDeviceByID(ctx, current.DeviceID)
	if err != nil {
		return Result{}, err
	}
	readings, err := i.validateReadings(ctx, c.Readings, device, current.SensorID)
	if err != nil {
		return Result{}, err
	}

	sctx, cancel := i.storageContext(ctx)
	stored, err := i.store.ReplaceMeasurementParameters(sctx, measurementID, plain(readings))
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("failed to update measurement: %w", err)
	}
	i.logger.Infof("Measurement %d corrected with %d readings", stored.ID, len(stored.Readings))

	res := Result{Measurement: stored, Alerts: []models.Alert{}}
	i.logActivity(ctx, &res, "MEASUREMENT_UPDATED", stored, c.UserID)

	if i.opts.RealertPolicy == RealertSuppress {
		n, err := i.store.CountAlertsForMeasurement(ctx, stored.ID)
		if err != nil {
			return res, err
		}
		if n > 0 {
			i.logger.Infof("Measurement %d already alerted, re-alert suppressed", stored.ID)
			return res, nil
		}
	}

	if err := i.evaluateAndReconcile(ctx, &res, readings); err != nil {
		return res, err
	}
	return res, nil
}

func (i *Ingestor) evaluateAndReconcile(ctx context.Context, res *Result, readings []resolvedReading) error {
	opts := rules.EvaluateOptions{ForceFlagRequiresActiveRule: i.opts.ForceFlagRequiresActiveRule}

	var findings []models.Finding
	for _, r := range readings {
		metrics.ReadingsEvaluated.Inc()
		if f := rules.EvaluateReading(r.reading, r.rule, opts); f != nil {
			findings = append(findings, *f)
			metrics.FindingsTotal.WithLabelValues(f.ParameterName, strconv.FormatBool(f.Forced)).Inc()
		}
	}
	if len(findings) == 0 {
		return nil
	}

	sctx, cancel := i.storageContext(ctx)
	created, err := i.reconciler.ReconcileFindings(sctx, res.Measurement, findings)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to reconcile alerts for measurement %d: %w", res.Measurement.ID, err)
	}
	res.Alerts = append(res.Alerts, created...)

	if len(created) > 0 && i.notifier != nil {
		i.dispatch(ctx, res, findings)
	}
	return nil
}

func (i *Ingestor) dispatch(ctx context.Context, res *Result, findings []models.Finding) {
	mctx := models.MeasurementContext{Measurement: res.Measurement, Findings: findings}
	h, err := i.store.GetDeviceHierarchy(ctx, res.Measurement.DeviceID)
	if err != nil {
		i.logger.Warnf("Device hierarchy lookup failed for measurement %d: %v", res.Measurement.ID, err)
		res.Warnings = append(res.Warnings, "device hierarchy unavailable for notification")
	}
	mctx.Hierarchy = h

	for _, a := range res.Alerts {
		if err := i.notifier.Dispatch(ctx, a, mctx); err != nil {
			i.logger.Warnf("Notification for alert %d failed: %v", a.ID, err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("notification for alert %d failed: %v", a.ID, err))
		}
	}
}

func (i *Ingestor) logActivity(ctx context.Context, res *Result, action string, m models.Measurement, userID string) {
	if i.audit == nil {
		return
	}
	entry := models.AuditEntry{
		Action:   action,
		Entity:   "measurement",
		EntityID: strconv.FormatInt(m.ID, 10),
		UserID:   userID,
		Details: map[string]interface{}{
			"device_id": m.DeviceID,
			"readings":  len(m.Readings),
		},
	}
	if err := i.audit.Log(ctx, entry); err != nil {
		i.logger.Warnf("Activity log write failed for measurement %d: %v", m.ID, err)
		res.Warnings = append(res.Warnings, "activity log unavailable")
	}
}

func (i *Ingestor) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.opts.StorageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, i.opts.StorageTimeout)
}

func (i *Ingestor) validateBatch(ctx context.Context, batch Batch) (models.Measurement, []resolvedReading, error) {
	if batch.Device.IsZero() {
		return models.Measurement{}, nil, apperr.Validation("device", "device is required")
	}
	device, err := i.findDevice(ctx, batch.Device)
	if err != nil {
		return models.Measurement{}, nil, err
	}

	ts, err := ParseTimestamp(batch.Timestamp, i.now())
	if err != nil {
		return models.Measurement{}, nil, err
	}

	var batchSensorID int64
	if batch.Sensor != nil && !batch.Sensor.IsZero() {
		sn, err := i.findSensor(ctx, *batch.Sensor, device, "sensor")
		if err != nil {
			return models.Measurement{}, nil, err
		}
		batchSensorID = sn.ID
	}

	readings, err := i.validateReadings(ctx, batch.Readings, device, batchSensorID)
	if err != nil {
		return models.Measurement{}, nil, err
	}

	// The measurement row needs a sensor; fall back to the first reading's.
	sensorID := batchSensorID
	if sensorID == 0 {
		sensorID = *readings[0].reading.SensorID
	}

	return models.Measurement{
		DeviceID:  device.ID,
		SensorID:  sensorID,
		Timestamp: ts,
		Valid:     true,
		Readings:  plain(readings),
	}, readings, nil
}

func (i *Ingestor) validateReadings(ctx context.Context, inputs []ReadingInput, device models.Device, defaultSensorID int64) ([]resolvedReading, error) {
	if len(inputs) == 0 {
		return nil, apperr.Validation("readings", "at least one reading is required")
	}

	seen := make(map[int64]bool, len(inputs))
	out := make([]resolvedReading, 0, len(inputs))
	for idx, in := range inputs {
		field := fmt.Sprintf("readings[%d]", idx)

		if in.Parameter.IsZero() {
			return nil, apperr.Validation(field+".parameter", "parameter is required")
		}
		param, err := i.findParameter(ctx, in.Parameter, field+".parameter")
		if err != nil {
			return nil, err
		}
		if seen[param.ID] {
			return nil, apperr.Validation(field+".parameter", "parameter %q reported more than once", param.Name)
		}
		seen[param.ID] = true

		if !in.Value.Set {
			return nil, apperr.Validation(field+".value", "value is required")
		}
		if !in.Value.Finite() {
			return nil, apperr.Validation(field+".value", "value %q is not a number", in.Value.Raw)
		}

		sensorID := defaultSensorID
		if in.Sensor != nil && !in.Sensor.IsZero() {
			sn, err := i.findSensor(ctx, *in.Sensor, device, field+".sensor")
			if err != nil {
				return nil, err
			}
			sensorID = sn.ID
		}
		if sensorID == 0 {
			return nil, apperr.Validation(field+".sensor", "sensor is required when the batch has none")
		}

		rule, err := i.rules.GetActiveRuleForParameter(ctx, param.ID)
		if err != nil {
			return nil, apperr.Storage("load threshold rule", err)
		}

		sid := sensorID
		out = append(out, resolvedReading{
			reading: models.Reading{
				ParameterID:   param.ID,
				ParameterName: param.Name,
				Value:         in.Value.Number,
				SensorID:      &sid,
				ForceAlert:    in.Alert,
			},
			rule: rule,
		})
	}
	return out, nil
}

func (i *Ingestor) findDevice(ctx context.Context, ref Ref) (models.Device, error) {
	if ref.Key != "" {
		return i.store.FindDeviceBySerial(ctx, ref.Key)
	}
	return i.store.FindDeviceByID(ctx, ref.ID)
}

func (i *Ingestor) findSensor(ctx context.Context, ref Ref, device models.Device, field string) (models.Sensor, error) {
	var sn models.Sensor
	var err error
	if ref.Key != "" {
		sn, err = i.store.FindSensorBySerial(ctx, ref.Key)
	} else {
		sn, err = i.store.FindSensorByID(ctx, ref.ID)
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return models.Sensor{}, apperr.NotFound(field, "sensor %s not found", ref)
		}
		return models.Sensor{}, err
	}
	if sn.DeviceID != device.ID {
		return models.Sensor{}, apperr.Validation(field, "sensor %s does not belong to device %s", ref, device.Serial)
	}
	return sn, nil
}

func (i *Ingestor) findParameter(ctx context.Context, ref Ref, field string) (models.Parameter, error) {
	var p models.Parameter
	var err error
	if ref.Key != "" {
		p, err = i.store.FindParameterByName(ctx, ref.Key)
	} else {
		p, err = i.store.FindParameterByID(ctx, ref.ID)
	}
	if err != nil && apperr.KindOf(err) == apperr.KindNotFound {
		return models.Parameter{}, apperr.NotFound(field, "parameter %s not found", ref)
	}
	return p, err
}

func plain(readings []resolvedReading) []models.Reading {
	out := make([]models.Reading, len(readings))
	for i, r := range readings {
		out[i] = r.reading
	}
	return out
}

func outcome(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound:
		return "rejected"
	default:
		return "failed"
	}
}
