package memdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/models"
)

func TestSeed(t *testing.T) {
	s := New()
	dev := Seed(s)
	ctx := context.Background()

	got, err := s.FindDeviceBySerial(ctx, "DEV-001")
	require.NoError(t, err)
	assert.Equal(t, dev.ID, got.ID)

	h, err := s.GetDeviceHierarchy(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Granja Demo", h.FacilityName)
	assert.Equal(t, "Estanque 1", h.TankName)

	list, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, len(DefaultParameters))

	ph, err := s.FindParameterByName(ctx, "pH")
	require.NoError(t, err)
	rule, err := s.GetActiveRuleForParameter(ctx, ph.ID)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, 6.5, *rule.Min)
	assert.Equal(t, 8.5, *rule.Max)
}

func TestCreateAlert_OneActivePerMeasurement(t *testing.T) {
	s := New()
	ctx := context.Background()
	m, err := s.CreateMeasurementWithParameters(ctx, models.Measurement{DeviceID: 1, SensorID: 1})
	require.NoError(t, err)

	a, err := s.CreateAlert(ctx, models.Alert{MeasurementID: m.ID, Kind: models.AlertKindParameterOutOfRange, Priority: models.PriorityHigh, Status: models.AlertPending})
	require.NoError(t, err)

	_, err = s.CreateAlert(ctx, models.Alert{MeasurementID: m.ID, Status: models.AlertPending})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = s.UpdateAlertStatus(ctx, a.ID, models.AlertStatusUpdate{From: models.AlertPending, To: models.AlertResolved})
	require.NoError(t, err)

	_, err = s.CreateAlert(ctx, models.Alert{MeasurementID: m.ID, Status: models.AlertPending})
	assert.NoError(t, err)

	n, err := s.CountAlertsForMeasurement(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInjectFault(t *testing.T) {
	s := New()
	s.InjectFault("CreateAlert", errors.New("disk full"))

	_, err := s.CreateAlert(context.Background(), models.Alert{MeasurementID: 1, Status: models.AlertPending})
	assert.True(t, errors.Is(err, apperr.ErrTransientStorage))
}
