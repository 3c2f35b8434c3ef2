package db

import (
	"context"

	"aquamonitor/internal/models"
)

const deviceColumns = `id, serial_number, name, status, tank_id`

func scanDevice(row interface{ Scan(...any) error }) (models.Device, error) {
	var d models.Device
	var tankID *int64
	if err := row.Scan(&d.ID, &d.Serial, &d.Name, &d.Status, &tankID); err != nil {
		return models.Device{}, err
	}
	if tankID != nil {
		d.TankID = *tankID
	}
	return d, nil
}

func (d *DB) FindDeviceBySerial(ctx context.Context, serial string) (models.Device, error) {
	dev, err := scanDevice(d.Pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE serial_number = $1`, serial))
	if err != nil {
		return models.Device{}, notFoundOr(err, "device", "query device", serial)
	}
	return dev, nil
}

func (d *DB) FindDeviceByID(ctx context.Context, id int64) (models.Device, error) {
	dev, err := scanDevice(d.Pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if err != nil {
		return models.Device{}, notFoundOr(err, "device", "query device", id)
	}
	return dev, nil
}

const sensorColumns = `id, serial_number, model, type, status, device_id`

func scanSensor(row interface{ Scan(...any) error }) (models.Sensor, error) {
	var s models.Sensor
	err := row.Scan(&s.ID, &s.Serial, &s.Model, &s.Type, &s.Status, &s.DeviceID)
	return s, err
}

func (d *DB) FindSensorBySerial(ctx context.Context, serial string) (models.Sensor, error) {
	s, err := scanSensor(d.Pool.QueryRow(ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE serial_number = $1`, serial))
	if err != nil {
		return models.Sensor{}, notFoundOr(err, "sensor", "query sensor", serial)
	}
	return s, nil
}

func (d *DB) FindSensorByID(ctx context.Context, id int64) (models.Sensor, error) {
	s, err := scanSensor(d.Pool.QueryRow(ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE id = $1`, id))
	if err != nil {
		return models.Sensor{}, notFoundOr(err, "sensor", "query sensor", id)
	}
	return s, nil
}

func (d *DB) FindParameterByName(ctx context.Context, name string) (models.Parameter, error) {
	var p models.Parameter
	err := d.Pool.QueryRow(ctx,
		`SELECT id, name, description FROM parameters WHERE name = $1`, name,
	).Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		return models.Parameter{}, notFoundOr(err, "parameter", "query parameter", name)
	}
	return p, nil
}

func (d *DB) FindParameterByID(ctx context.Context, id int64) (models.Parameter, error) {
	var p models.Parameter
	err := d.Pool.QueryRow(ctx,
		`SELECT id, name, description FROM parameters WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		return models.Parameter{}, notFoundOr(err, "parameter", "query parameter", id)
	}
	return p, nil
}

// GetDeviceHierarchy resolves facility and tank names of a device. Missing
// links leave the names empty.
func (d *DB) GetDeviceHierarchy(ctx context.Context, deviceID int64) (models.DeviceHierarchy, error) {
	query := `
	SELECT d.name, d.serial_number, t.name, f.name
	FROM devices d
	LEFT JOIN tanks t ON t.id = d.tank_id
	LEFT JOIN facilities f ON f.id = t.facility_id
	WHERE d.id = $1`

	var h models.DeviceHierarchy
	var tankName, facilityName *string
	err := d.Pool.QueryRow(ctx, query, deviceID).Scan(&h.DeviceName, &h.DeviceSerial, &tankName, &facilityName)
	if err != nil {
		return models.DeviceHierarchy{}, notFoundOr(err, "device", "query device hierarchy", deviceID)
	}
	if tankName != nil {
		h.TankName = *tankName
	}
	if facilityName != nil {
		h.FacilityName = *facilityName
	}
	return h, nil
}
