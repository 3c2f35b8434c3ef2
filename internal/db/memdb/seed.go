package memdb

import (
	"context"

	"aquamonitor/internal/models"
)

func bound(v float64) *float64 { return &v }

// DefaultParameters are the water quality parameters with their usual
// ranges for warm-water fish farming.
var DefaultParameters = []struct {
	Parameter models.Parameter
	Min, Max  *float64
}{
	{models.Parameter{Name: "pH", Description: "Acidez del agua"}, bound(6.5), bound(8.5)},
	{models.Parameter{Name: "Temperature", Description: "Temperatura del agua (°C)"}, bound(22), bound(30)},
	{models.Parameter{Name: "DissolvedOxygen", Description: "Oxígeno disuelto (mg/L)"}, bound(5), nil},
	{models.Parameter{Name: "TSS", Description: "Sólidos suspendidos totales (mg/L)"}, nil, bound(80)},
	{models.Parameter{Name: "TDS", Description: "Sólidos disueltos totales (mg/L)"}, nil, bound(500)},
}

// Seed loads a demo facility with one device and the default parameters and
// rules. Used by the memory storage driver.
func Seed(s *Store) models.Device {
	facility := s.AddFacility("Granja Demo")
	tank := s.AddTank(facility, "Estanque 1")
	dev := s.AddDevice(models.Device{Serial: "DEV-001", Name: "Controlador 1", Status: "ACTIVE", TankID: tank})
	s.AddSensor(models.Sensor{Serial: "SN-001", Model: "MultiProbe", Type: models.SensorTypeOther, Status: "ACTIVE", DeviceID: dev.ID})

	for _, dp := range DefaultParameters {
		p := s.AddParameter(dp.Parameter)
		// The parameter exists so the upsert cannot fail.
		_, _ = s.UpsertRule(context.Background(), models.ThresholdRule{
			ParameterID: p.ID,
			Min:         dp.Min,
			Max:         dp.Max,
			Active:      true,
		})
	}
	return dev
}
