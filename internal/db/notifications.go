package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/models"
)

func (d *DB) CreateNotification(ctx context.Context, n models.Notification) error {
	query := `
        INSERT INTO notifications (
            id, alert_id, channel, subject, body, status, attempts, last_error, created_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`
	_, err := d.Pool.Exec(ctx, query,
		uuid.UUID(n.ID), n.AlertID, n.Channel, n.Subject, n.Body,
		n.Status, n.Attempts, n.LastError)
	if err != nil {
		return apperr.Storage("create notification", err)
	}
	return nil
}

func (d *DB) UpdateNotificationStatus(ctx context.Context, id [16]byte, status models.NotificationStatus, attempts int, lastError string) error {
	query := `
        UPDATE notifications
        SET status = $1, attempts = $2, last_error = $3,
            sent_at = CASE WHEN $1 = 'sent' THEN NOW() ELSE sent_at END
        WHERE id = $4`
	result, err := d.Pool.Exec(ctx, query, status, attempts, lastError, uuid.UUID(id))
	if err != nil {
		return apperr.Storage("update notification status", err)
	}
	if result.RowsAffected() == 0 {
		return apperr.NotFound("notification", "no notification updated for id %s", uuid.UUID(id))
	}
	return nil
}

func (d *DB) ListNotificationsForAlert(ctx context.Context, alertID int64) ([]models.Notification, error) {
	rows, err := d.Pool.Query(ctx, `
        SELECT id, alert_id, channel, subject, body, status, attempts, last_error, created_at, sent_at
        FROM notifications
        WHERE alert_id = $1
        ORDER BY channel`, alertID)
	if err != nil {
		return nil, apperr.Storage(fmt.Sprintf("get notifications by alert_id %d", alertID), err)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		var id pgtype.UUID
		err := rows.Scan(
			&id, &n.AlertID, &n.Channel, &n.Subject, &n.Body,
			&n.Status, &n.Attempts, &n.LastError, &n.CreatedAt, &n.SentAt,
		)
		if err != nil {
			return nil, apperr.Storage("scan notification", err)
		}
		n.ID = id.Bytes
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list notifications", err)
	}
	return notifications, nil
}
