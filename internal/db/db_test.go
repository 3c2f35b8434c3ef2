package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/models"
)

func setupMockDB(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock)
}

func f(v float64) *float64 { return &v }

var alertCols = []string{"id", "measurement_id", "kind", "description", "priority", "status",
	"created_at", "updated_at", "resolved_at", "resolved_by", "notes"}

func TestCreateMeasurementWithParameters_Success(t *testing.T) {
	mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO measurements`).
		WithArgs(int64(1), int64(2), pgxmock.AnyArg(), true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(42), now, now))
	mock.ExpectExec(`INSERT INTO measurement_parameters`).
		WithArgs(int64(42), int64(10), pgxmock.AnyArg(), 5.9, false, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO measurement_parameters`).
		WithArgs(int64(42), int64(11), pgxmock.AnyArg(), 25.0, false, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	m, err := store.CreateMeasurementWithParameters(context.Background(), models.Measurement{
		DeviceID:  1,
		SensorID:  2,
		Timestamp: now,
		Valid:     true,
		Readings: []models.Reading{
			{ParameterID: 10, ParameterName: "pH", Value: 5.9},
			{ParameterID: 11, ParameterName: "Temperature", Value: 25},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), m.ID)
	assert.Len(t, m.Readings, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMeasurementWithParameters_RollsBackOnParameterFailure(t *testing.T) {
	mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO measurements`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))
	mock.ExpectExec(`INSERT INTO measurement_parameters`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO measurement_parameters`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.CreateMeasurementWithParameters(context.Background(), models.Measurement{
		DeviceID: 1, SensorID: 2, Timestamp: now, Valid: true,
		Readings: []models.Reading{{ParameterID: 10, Value: 1}, {ParameterID: 11, Value: 2}},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransientStorage))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlert_ConflictOnActiveAlert(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO alerts`).
		WithArgs(int64(42), models.AlertKindParameterOutOfRange, "pH fuera de rango", models.PriorityHigh, models.AlertPending).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}))

	_, err := store.CreateAlert(context.Background(), models.Alert{
		MeasurementID: 42,
		Kind:          models.AlertKindParameterOutOfRange,
		Description:   "pH fuera de rango",
		Priority:      models.PriorityHigh,
		Status:        models.AlertPending,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlert_UniqueViolationIsConflict(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO alerts`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.CreateAlert(context.Background(), models.Alert{MeasurementID: 1, Status: models.AlertPending})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestCreateAlert_Success(t *testing.T) {
	mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO alerts`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(5), now, now))

	a, err := store.CreateAlert(context.Background(), models.Alert{MeasurementID: 1, Status: models.AlertPending})
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.ID)
	assert.Equal(t, now, a.CreatedAt)
}

func TestGetActiveRuleForParameter(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		mock, store := setupMockDB(t)
		mock.ExpectQuery(`FROM threshold_rules r`).
			WithArgs(int64(3)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "parameter_id", "name", "min_value", "max_value", "action", "active", "updated_at"}).
				AddRow(int64(1), int64(3), "pH", f(6.5), f(8), "notify", true, time.Now()))

		rule, err := store.GetActiveRuleForParameter(context.Background(), 3)
		require.NoError(t, err)
		require.NotNil(t, rule)
		assert.Equal(t, "pH", rule.ParameterName)
		assert.Equal(t, 6.5, *rule.Min)
		assert.Equal(t, 8.0, *rule.Max)
	})

	t.Run("absent", func(t *testing.T) {
		mock, store := setupMockDB(t)
		mock.ExpectQuery(`FROM threshold_rules r`).
			WithArgs(int64(3)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "parameter_id", "name", "min_value", "max_value", "action", "active", "updated_at"}))

		rule, err := store.GetActiveRuleForParameter(context.Background(), 3)
		require.NoError(t, err)
		assert.Nil(t, rule)
	})
}

func TestUpsertRule_ReturnsParameterName(t *testing.T) {
	mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO threshold_rules`).
		WithArgs(int64(3), f(6.5), f(8.5), "Revisar aireadores", true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "updated_at", "name"}).AddRow(int64(5), now, "pH"))

	rule, err := store.UpsertRule(context.Background(), models.ThresholdRule{
		ParameterID: 3, Min: f(6.5), Max: f(8.5), Action: "Revisar aireadores", Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rule.ID)
	assert.Equal(t, "pH", rule.ParameterName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDeviceBySerial_NotFound(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectQuery(`FROM devices WHERE serial_number`).
		WithArgs("UNKNOWN").
		WillReturnRows(pgxmock.NewRows([]string{"id", "serial_number", "name", "status", "tank_id"}))

	_, err := store.FindDeviceBySerial(context.Background(), "UNKNOWN")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, "device", apperr.FieldOf(err))
}

func TestUpdateAlertStatus_LostRace(t *testing.T) {
	mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE alerts a`).
		WithArgs(int64(9), models.AlertPending, models.AlertAcknowledged, pgxmock.AnyArg(), "", "").
		WillReturnRows(pgxmock.NewRows(alertCols))
	mock.ExpectQuery(`FROM alerts a WHERE a.id`).
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows(alertCols).AddRow(
			int64(9), int64(1), models.AlertKindParameterOutOfRange, "desc", models.PriorityHigh,
			models.AlertResolved, now, now, &now, "ops", ""))

	_, err := store.UpdateAlertStatus(context.Background(), 9, models.AlertStatusUpdate{
		From: models.AlertPending,
		To:   models.AlertAcknowledged,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.Contains(t, err.Error(), "RESOLVED")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_BuildsFilter(t *testing.T) {
	mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM alerts a JOIN measurements m`).
		WithArgs([]string{"PENDING"}, int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`ORDER BY a.created_at DESC`).
		WithArgs([]string{"PENDING"}, int64(3), 10, 0).
		WillReturnRows(pgxmock.NewRows(alertCols).AddRow(
			int64(1), int64(2), models.AlertKindParameterOutOfRange, "desc", models.PriorityHigh,
			models.AlertPending, now, now, (*time.Time)(nil), "", ""))

	list, total, err := store.ListAlerts(context.Background(), models.AlertFilter{
		Statuses: []models.AlertStatus{models.AlertPending},
		DeviceID: 3,
		Limit:    10,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	mock, store := setupMockDB(t)
	mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS alerts_one_active_per_measurement`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
