package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquamonitor/internal/alerts"
	"aquamonitor/internal/apperr"
	"aquamonitor/internal/audit"
	"aquamonitor/internal/db/memdb"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/models"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []models.MeasurementContext
	err   error
}

func (n *fakeNotifier) Dispatch(_ context.Context, _ models.Alert, mctx models.MeasurementContext) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, mctx)
	return n.err
}

func f(v float64) *float64 { return &v }

type fixture struct {
	store    *memdb.Store
	notifier *fakeNotifier
	ingestor *Ingestor
	device   models.Device
	sensor   models.Sensor
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := memdb.New()
	ctx := context.Background()

	facility := store.AddFacility("Granja Norte")
	tank := store.AddTank(facility, "Estanque 3")
	dev := store.AddDevice(models.Device{Serial: "DEV-001", Name: "Controlador A", TankID: tank})
	sn := store.AddSensor(models.Sensor{Serial: "SN-PH-1", DeviceID: dev.ID, Type: models.SensorTypePH})
	ph := store.AddParameter(models.Parameter{Name: "pH"})
	temp := store.AddParameter(models.Parameter{Name: "Temperature"})
	store.AddParameter(models.Parameter{Name: "TDS"})

	_, err := store.UpsertRule(ctx, models.ThresholdRule{ParameterID: ph.ID, Min: f(6.5), Max: f(8.0), Active: true})
	require.NoError(t, err)
	_, err = store.UpsertRule(ctx, models.ThresholdRule{ParameterID: temp.ID, Max: f(18.0), Active: true})
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	logger := logging.NewNop()
	ing := New(store, store, alerts.NewReconciler(store, logger), notifier, audit.NewStoreLogger(store), logger, opts)
	return &fixture{store: store, notifier: notifier, ingestor: ing, device: dev, sensor: sn}
}

func (fx *fixture) batch(readings ...ReadingInput) Batch {
	return Batch{
		Device:    Ref{Key: fx.device.Serial},
		Sensor:    &Ref{Key: fx.sensor.Serial},
		Timestamp: "2024-05-01T10:00:00Z",
		Readings:  readings,
	}
}

func reading(param string, v float64) ReadingInput {
	return ReadingInput{Parameter: Ref{Key: param}, Value: Float(v)}
}

func TestIngest_PHOutOfRange(t *testing.T) {
	fx := setup(t, Options{})

	res, err := fx.ingestor.Ingest(context.Background(), fx.batch(reading("pH", 5.9)))

	require.NoError(t, err)
	assert.NotZero(t, res.Measurement.ID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), res.Measurement.Timestamp.UTC())
	require.Len(t, res.Alerts, 1)
	a := res.Alerts[0]
	assert.Equal(t, "pH (5.9) está por debajo del mínimo (6.5).", a.Description)
	assert.Equal(t, models.PriorityHigh, a.Priority)
	assert.Equal(t, models.AlertPending, a.Status)
	assert.Equal(t, res.Measurement.ID, a.MeasurementID)

	require.Len(t, fx.notifier.calls, 1)
	mctx := fx.notifier.calls[0]
	assert.Equal(t, "Granja Norte", mctx.Hierarchy.FacilityName)
	assert.Equal(t, "Estanque 3", mctx.Hierarchy.TankName)
	require.Len(t, mctx.Findings, 1)
	assert.Equal(t, "pH", mctx.Findings[0].ParameterName)
}

func TestIngest_MultipleViolationsOneAlert(t *testing.T) {
	fx := setup(t, Options{})

	res, err := fx.ingestor.Ingest(context.Background(), fx.batch(reading("pH", 5.9), reading("Temperature", 25.0)))

	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t,
		"pH (5.9) está por debajo del mínimo (6.5). Temperature (25) está por encima del máximo (18).",
		res.Alerts[0].Description)
	assert.Len(t, fx.notifier.calls, 1)
}

func TestIngest_InRangeNoAlert(t *testing.T) {
	fx := setup(t, Options{})

	res, err := fx.ingestor.Ingest(context.Background(), fx.batch(reading("pH", 7.0)))

	require.NoError(t, err)
	assert.Empty(t, res.Alerts)
	assert.Empty(t, fx.notifier.calls)
	assert.Equal(t, 1, fx.store.MeasurementCount())

	stored, err := fx.store.GetMeasurement(context.Background(), res.Measurement.ID)
	require.NoError(t, err)
	require.Len(t, stored.Readings, 1)
	assert.Equal(t, 7.0, stored.Readings[0].Value)
}

func TestIngest_ParameterWithoutRule(t *testing.T) {
	fx := setup(t, Options{})

	res, err := fx.ingestor.Ingest(context.Background(), fx.batch(reading("TDS", 1e6)))
	require.NoError(t, err)
	assert.Empty(t, res.Alerts)
}

func TestIngest_ForceFlag(t *testing.T) {
	fx := setup(t, Options{})
	in := reading("TDS", 100)
	in.Alert = true

	res, err := fx.ingestor.Ingest(context.Background(), fx.batch(in))
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "Alerta reportada por el dispositivo para: TDS.", res.Alerts[0].Description)

	fx = setup(t, Options{ForceFlagRequiresActiveRule: true})
	res, err = fx.ingestor.Ingest(context.Background(), fx.batch(in))
	require.NoError(t, err)
	assert.Empty(t, res.Alerts, "TDS has no active rule")
}

func TestIngest_AtomicOnInvalidParameter(t *testing.T) {
	fx := setup(t, Options{})

	_, err := fx.ingestor.Ingest(context.Background(), fx.batch(reading("pH", 5.9), reading("Salinity", 30)))

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, "readings[1].parameter", apperr.FieldOf(err))
	assert.Zero(t, fx.store.MeasurementCount())
	assert.Zero(t, fx.store.ReadingCount())
	assert.Empty(t, fx.notifier.calls)
}

func TestIngest_ValidationErrors(t *testing.T) {
	fx := setup(t, Options{})
	other := fx.store.AddDevice(models.Device{Serial: "DEV-002"})
	foreign := fx.store.AddSensor(models.Sensor{Serial: "SN-OTHER", DeviceID: other.ID})

	nonNumeric := ReadingInput{Parameter: Ref{Key: "pH"}}
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &nonNumeric.Value))

	tests := []struct {
		name      string
		mutate    func(b *Batch)
		wantKind  apperr.Kind
		wantField string
	}{
		{"unknown device", func(b *Batch) { b.Device = Ref{Key: "NOPE"} }, apperr.KindNotFound, "device"},
		{"missing device", func(b *Batch) { b.Device = Ref{} }, apperr.KindValidation, "device"},
		{"unknown sensor", func(b *Batch) { b.Sensor = &Ref{Key: "NOPE"} }, apperr.KindNotFound, "sensor"},
		{"sensor of another device", func(b *Batch) { b.Sensor = &Ref{ID: foreign.ID} }, apperr.KindValidation, "sensor"},
		{"empty readings", func(b *Batch) { b.Readings = nil }, apperr.KindValidation, "readings"},
		{"non numeric value", func(b *Batch) { b.Readings = []ReadingInput{nonNumeric} }, apperr.KindValidation, "readings[0].value"},
		{"missing value", func(b *Batch) { b.Readings = []ReadingInput{{Parameter: Ref{Key: "pH"}}} }, apperr.KindValidation, "readings[0].value"},
		{"duplicate parameter", func(b *Batch) { b.Readings = []ReadingInput{reading("pH", 7), reading("pH", 7.1)} }, apperr.KindValidation, "readings[1].parameter"},
		{"bad timestamp", func(b *Batch) { b.Timestamp = "yesterday" }, apperr.KindValidation, "timestamp"},
		{"no sensor anywhere", func(b *Batch) { b.Sensor = nil }, apperr.KindValidation, "readings[0].sensor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := fx.batch(reading("pH", 5.9))
			tt.mutate(&b)

			_, err := fx.ingestor.Ingest(context.Background(), b)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Equal(t, tt.wantField, apperr.FieldOf(err))
			assert.Zero(t, fx.store.MeasurementCount())
		})
	}
}

func TestIngest_PerReadingSensor(t *testing.T) {
	fx := setup(t, Options{})
	temp := fx.store.AddSensor(models.Sensor{Serial: "SN-T-1", DeviceID: fx.device.ID, Type: models.SensorTypeTemperature})

	ph := reading("pH", 7)
	tr := reading("Temperature", 15)
	tr.Sensor = &Ref{Key: "SN-T-1"}
	b := fx.batch(ph, tr)
	b.Sensor = nil
	ph.Sensor = &Ref{ID: fx.sensor.ID}
	b.Readings[0] = ph

	res, err := fx.ingestor.Ingest(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, fx.sensor.ID, res.Measurement.SensorID)
	require.Len(t, res.Measurement.Readings, 2)
	assert.Equal(t, temp.ID, *res.Measurement.Readings[1].SensorID)
}

func TestIngest_NotificationFailureIsIsolated(t *testing.T) {
	fx := setup(t, Options{})
	fx.notifier.err = apperr.Notification("telegram", errors.New("503 service unavailable"))

	res, err := fx.ingestor.Ingest(context.Background(), fx.batch(reading("pH", 5.9)))

	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "notification")

	stored, err := fx.store.GetAlert(context.Background(), res.Alerts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertPending, stored.Status)
}

func TestIngest_AuditFailureIsNonFatal(t *testing.T) {
	fx := setup(t, Options{})
	fx.store.InjectFault("InsertAuditEntry", errors.New("activity log offline"))

	res, err := fx.ingestor.Ingest(context.Background(), fx.batch(reading("pH", 7)))
	require.NoError(t, err)
	assert.Contains(t, res.Warnings, "activity log unavailable")
}

func TestIngest_WritesActivityLog(t *testing.T) {
	fx := setup(t, Options{})
	b := fx.batch(reading("pH", 7))
	b.UserID = "42"

	res, err := fx.ingestor.Ingest(context.Background(), b)
	require.NoError(t, err)

	entries := fx.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "MEASUREMENT_CREATED", entries[0].Action)
	assert.Equal(t, "42", entries[0].UserID)
	assert.Equal(t, res.Measurement.ID, mustAtoi(t, entries[0].EntityID))
}

func TestIngest_StorageFailure(t *testing.T) {
	fx := setup(t, Options{})
	fx.store.InjectFault("CreateMeasurementWithParameters", errors.New("connection refused"))

	_, err := fx.ingestor.Ingest(context.Background(), fx.batch(reading("pH", 5.9)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransientStorage))
	assert.Empty(t, fx.notifier.calls)
}

func TestCorrect_RepeatedIngestionCreatesNoSecondAlert(t *testing.T) {
	fx := setup(t, Options{})
	ctx := context.Background()

	first, err := fx.ingestor.Ingest(ctx, fx.batch(reading("pH", 5.9)))
	require.NoError(t, err)
	require.Len(t, first.Alerts, 1)

	second, err := fx.ingestor.Correct(ctx, first.Measurement.ID, Correction{
		Readings: []ReadingInput{reading("pH", 5.9)},
	})
	require.NoError(t, err)
	assert.Empty(t, second.Alerts)
	assert.Len(t, fx.notifier.calls, 1, "no notification for the skipped alert")

	n, err := fx.store.CountAlertsForMeasurement(ctx, first.Measurement.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCorrect_ReplacesReadings(t *testing.T) {
	fx := setup(t, Options{})
	ctx := context.Background()

	first, err := fx.ingestor.Ingest(ctx, fx.batch(reading("pH", 7), reading("Temperature", 15)))
	require.NoError(t, err)

	res, err := fx.ingestor.Correct(ctx, first.Measurement.ID, Correction{
		Readings: []ReadingInput{reading("Temperature", 25)},
	})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "Temperature (25) está por encima del máximo (18).", res.Alerts[0].Description)

	stored, err := fx.store.GetMeasurement(ctx, first.Measurement.ID)
	require.NoError(t, err)
	require.Len(t, stored.Readings, 1)
	assert.Equal(t, "Temperature", stored.Readings[0].ParameterName)
}

func TestCorrect_RealertPolicy(t *testing.T) {
	resolveAll := func(t *testing.T, fx *fixture, measurementID int64) {
		ctx := context.Background()
		page, _, err := fx.store.ListAlerts(ctx, models.AlertFilter{MeasurementID: measurementID})
		require.NoError(t, err)
		now := time.Now()
		for _, a := range page {
			_, err := fx.store.UpdateAlertStatus(ctx, a.ID, models.AlertStatusUpdate{
				From: a.Status, To: models.AlertResolved, ResolvedAt: &now, ResolvedBy: "ops",
			})
			require.NoError(t, err)
		}
	}

	t.Run("reevaluate raises a new alert after resolution", func(t *testing.T) {
		fx := setup(t, Options{RealertPolicy: RealertReevaluate})
		ctx := context.Background()
		first, err := fx.ingestor.Ingest(ctx, fx.batch(reading("pH", 5.9)))
		require.NoError(t, err)
		resolveAll(t, fx, first.Measurement.ID)

		res, err := fx.ingestor.Correct(ctx, first.Measurement.ID, Correction{Readings: []ReadingInput{reading("pH", 5.5)}})
		require.NoError(t, err)
		assert.Len(t, res.Alerts, 1)
	})

	t.Run("suppress keeps the measurement quiet", func(t *testing.T) {
		fx := setup(t, Options{RealertPolicy: RealertSuppress})
		ctx := context.Background()
		first, err := fx.ingestor.Ingest(ctx, fx.batch(reading("pH", 5.9)))
		require.NoError(t, err)
		resolveAll(t, fx, first.Measurement.ID)

		res, err := fx.ingestor.Correct(ctx, first.Measurement.ID, Correction{Readings: []ReadingInput{reading("pH", 5.5)}})
		require.NoError(t, err)
		assert.Empty(t, res.Alerts)
	})

	t.Run("suppress still alerts a measurement that never alerted", func(t *testing.T) {
		fx := setup(t, Options{RealertPolicy: RealertSuppress})
		ctx := context.Background()
		first, err := fx.ingestor.Ingest(ctx, fx.batch(reading("pH", 7)))
		require.NoError(t, err)

		res, err := fx.ingestor.Correct(ctx, first.Measurement.ID, Correction{Readings: []ReadingInput{reading("pH", 5.5)}})
		require.NoError(t, err)
		assert.Len(t, res.Alerts, 1)
	})
}

func TestCorrect_UnknownMeasurement(t *testing.T) {
	fx := setup(t, Options{})
	_, err := fx.ingestor.Correct(context.Background(), 9999, Correction{Readings: []ReadingInput{reading("pH", 7)}})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
