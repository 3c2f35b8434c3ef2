package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/models"
)

const alertColumns = `a.id, a.measurement_id, a.kind, a.description, a.priority, a.status,
	a.created_at, a.updated_at, a.resolved_at, a.resolved_by, a.notes`

func scanAlert(row interface{ Scan(...any) error }) (models.Alert, error) {
	var a models.Alert
	err := row.Scan(&a.ID, &a.MeasurementID, &a.Kind, &a.Description, &a.Priority, &a.Status,
		&a.CreatedAt, &a.UpdatedAt, &a.ResolvedAt, &a.ResolvedBy, &a.Notes)
	return a, err
}

func activeStatusArgs() []string {
	out := make([]string, len(models.ActiveAlertStatuses))
	for i, s := range models.ActiveAlertStatuses {
		out[i] = string(s)
	}
	return out
}

// FindActiveAlertForMeasurement returns nil, nil when the measurement has no
// alert in an active status.
func (d *DB) FindActiveAlertForMeasurement(ctx context.Context, measurementID int64) (*models.Alert, error) {
	a, err := scanAlert(d.Pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts a WHERE a.measurement_id = $1 AND a.status = ANY($2)`,
		measurementID, activeStatusArgs()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("query active alert", err)
	}
	return &a, nil
}

// CreateAlert inserts a new alert. The partial unique index on active
// alerts turns a concurrent duplicate into a conflict error.
func (d *DB) CreateAlert(ctx context.Context, alert models.Alert) (models.Alert, error) {
	query := `
	INSERT INTO alerts (measurement_id, kind, description, priority, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	ON CONFLICT (measurement_id) WHERE status IN ('PENDING', 'ACKNOWLEDGED', 'ESCALATED') DO NOTHING
	RETURNING id, created_at, updated_at`

	err := d.Pool.QueryRow(ctx, query,
		alert.MeasurementID,
		alert.Kind,
		alert.Description,
		alert.Priority,
		alert.Status,
	).Scan(&alert.ID, &alert.CreatedAt, &alert.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return models.Alert{}, apperr.Conflict("measurement %d already has an active alert", alert.MeasurementID)
		}
		return models.Alert{}, apperr.Storage("insert alert", err)
	}
	return alert, nil
}

func (d *DB) CountAlertsForMeasurement(ctx context.Context, measurementID int64) (int, error) {
	var n int
	if err := d.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM alerts WHERE measurement_id = $1`, measurementID).Scan(&n); err != nil {
		return 0, apperr.Storage("count alerts", err)
	}
	return n, nil
}

func (d *DB) GetAlert(ctx context.Context, id int64) (models.Alert, error) {
	a, err := scanAlert(d.Pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts a WHERE a.id = $1`, id))
	if err != nil {
		return models.Alert{}, notFoundOr(err, "alert", "query alert", id)
	}
	return a, nil
}

// UpdateAlertStatus applies upd only while the alert is still in upd.From,
// so two concurrent transitions cannot both win.
func (d *DB) UpdateAlertStatus(ctx context.Context, id int64, upd models.AlertStatusUpdate) (models.Alert, error) {
	query := `
	UPDATE alerts a
	SET status = $3,
	    updated_at = NOW(),
	    resolved_at = COALESCE($4, a.resolved_at),
	    resolved_by = CASE WHEN $4::timestamptz IS NULL THEN a.resolved_by ELSE $5 END,
	    notes = CASE WHEN $6 = '' THEN a.notes ELSE $6 END
	WHERE a.id = $1 AND a.status = $2
	RETURNING ` + alertColumns

	a, err := scanAlert(d.Pool.QueryRow(ctx, query, id, upd.From, upd.To, upd.ResolvedAt, upd.ResolvedBy, upd.Notes))
	if err == nil {
		return a, nil
	}
	if isUniqueViolation(err) {
		return models.Alert{}, apperr.Conflict("alert %d: measurement already has an active alert", id)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, apperr.Storage("update alert", err)
	}

	// Either the alert does not exist or it moved away from upd.From.
	current, getErr := d.GetAlert(ctx, id)
	if getErr != nil {
		return models.Alert{}, getErr
	}
	return models.Alert{}, apperr.Conflict("alert %d changed concurrently: status is %s", id, current.Status)
}

// ListAlerts returns one page of alerts matching filter, newest first, and
// the total number of matches.
func (d *DB) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, int, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "a.status = ANY("+arg(statuses)+")")
	}
	if filter.Kind != "" {
		conds = append(conds, "a.kind = "+arg(filter.Kind))
	}
	if filter.Priority != "" {
		conds = append(conds, "a.priority = "+arg(filter.Priority))
	}
	if filter.MeasurementID != 0 {
		conds = append(conds, "a.measurement_id = "+arg(filter.MeasurementID))
	}
	if filter.DeviceID != 0 {
		conds = append(conds, "m.device_id = "+arg(filter.DeviceID))
	}
	if filter.Since != nil {
		conds = append(conds, "a.created_at >= "+arg(*filter.Since))
	}

	from := ` FROM alerts a JOIN measurements m ON m.id = a.measurement_id`
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := d.Pool.QueryRow(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Storage("count alerts", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + alertColumns + from + where +
		` ORDER BY a.created_at DESC, a.id DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := d.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.Storage("list alerts", err)
	}
	defer rows.Close()

	list := []models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, apperr.Storage("scan alert", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Storage("list alerts", err)
	}
	return list, total, nil
}
