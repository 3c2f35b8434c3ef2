package db

import (
	"context"
	"encoding/json"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/models"
)

func (d *DB) InsertAuditEntry(ctx context.Context, e models.AuditEntry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return apperr.Storage("encode audit details", err)
		}
	}
	_, err := d.Pool.Exec(ctx, `
	INSERT INTO activity_log (action, entity, entity_id, user_id, details, created_at)
	VALUES ($1, $2, $3, $4, $5, NOW())`,
		e.Action, e.Entity, e.EntityID, e.UserID, details)
	if err != nil {
		return apperr.Storage("insert audit entry", err)
	}
	return nil
}
