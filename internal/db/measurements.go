package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/models"
)

// CreateMeasurementWithParameters inserts the measurement row and all its
// parameter rows in one transaction. Either everything is stored or nothing.
func (d *DB) CreateMeasurementWithParameters(ctx context.Context, m models.Measurement) (models.Measurement, error) {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return models.Measurement{}, apperr.Storage("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
	INSERT INTO measurements (device_id, sensor_id, timestamp, valid, created_at, updated_at)
	VALUES ($1, $2, $3, $4, NOW(), NOW())
	RETURNING id, created_at, updated_at`,
		m.DeviceID, m.SensorID, m.Timestamp, m.Valid,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Measurement{}, apperr.Storage("insert measurement", err)
	}

	if err := insertReadings(ctx, tx, m.ID, m.Readings); err != nil {
		return models.Measurement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Measurement{}, apperr.Storage("commit measurement", err)
	}
	return m, nil
}

func insertReadings(ctx context.Context, tx pgx.Tx, measurementID int64, readings []models.Reading) error {
	for i, r := range readings {
		_, err := tx.Exec(ctx, `
		INSERT INTO measurement_parameters (measurement_id, parameter_id, sensor_id, value, force_alert, position)
		VALUES ($1, $2, $3, $4, $5, $6)`,
			measurementID, r.ParameterID, r.SensorID, r.Value, r.ForceAlert, i)
		if err != nil {
			return apperr.Storage("insert measurement parameter", err)
		}
	}
	return nil
}

// ReplaceMeasurementParameters swaps the readings of an existing
// measurement in one transaction.
func (d *DB) ReplaceMeasurementParameters(ctx context.Context, id int64, readings []models.Reading) (models.Measurement, error) {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return models.Measurement{}, apperr.Storage("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var m models.Measurement
	err = tx.QueryRow(ctx, `
	UPDATE measurements SET updated_at = NOW()
	WHERE id = $1
	RETURNING id, device_id, sensor_id, timestamp, valid, created_at, updated_at`, id,
	).Scan(&m.ID, &m.DeviceID, &m.SensorID, &m.Timestamp, &m.Valid, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Measurement{}, notFoundOr(err, "measurement", "update measurement", id)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM measurement_parameters WHERE measurement_id = $1`, id); err != nil {
		return models.Measurement{}, apperr.Storage("delete measurement parameters", err)
	}
	if err := insertReadings(ctx, tx, id, readings); err != nil {
		return models.Measurement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Measurement{}, apperr.Storage("commit measurement", err)
	}
	m.Readings = append([]models.Reading(nil), readings...)
	return m, nil
}

func (d *DB) GetMeasurement(ctx context.Context, id int64) (models.Measurement, error) {
	var m models.Measurement
	err := d.Pool.QueryRow(ctx, `
	SELECT id, device_id, sensor_id, timestamp, valid, created_at, updated_at
	FROM measurements WHERE id = $1`, id,
	).Scan(&m.ID, &m.DeviceID, &m.SensorID, &m.Timestamp, &m.Valid, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Measurement{}, notFoundOr(err, "measurement", "query measurement", id)
	}

	rows, err := d.Pool.Query(ctx, `
	SELECT mp.parameter_id, p.name, mp.value, mp.sensor_id, mp.force_alert
	FROM measurement_parameters mp
	JOIN parameters p ON p.id = mp.parameter_id
	WHERE mp.measurement_id = $1
	ORDER BY mp.position`, id)
	if err != nil {
		return models.Measurement{}, apperr.Storage("query measurement parameters", err)
	}
	defer rows.Close()

	m.Readings = []models.Reading{}
	for rows.Next() {
		var r models.Reading
		if err := rows.Scan(&r.ParameterID, &r.ParameterName, &r.Value, &r.SensorID, &r.ForceAlert); err != nil {
			return models.Measurement{}, apperr.Storage("scan measurement parameter", err)
		}
		m.Readings = append(m.Readings, r)
	}
	if err := rows.Err(); err != nil {
		return models.Measurement{}, apperr.Storage("query measurement parameters", err)
	}
	return m, nil
}
