package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/models"
)

const ruleSelect = `
	SELECT r.id, r.parameter_id, p.name, r.min_value, r.max_value, r.action, r.active, r.updated_at
	FROM threshold_rules r
	JOIN parameters p ON p.id = r.parameter_id`

func scanRule(row interface{ Scan(...any) error }) (models.ThresholdRule, error) {
	var r models.ThresholdRule
	err := row.Scan(&r.ID, &r.ParameterID, &r.ParameterName, &r.Min, &r.Max, &r.Action, &r.Active, &r.UpdatedAt)
	return r, err
}

// GetActiveRuleForParameter returns nil, nil when the parameter has no
// active rule.
func (d *DB) GetActiveRuleForParameter(ctx context.Context, parameterID int64) (*models.ThresholdRule, error) {
	r, err := scanRule(d.Pool.QueryRow(ctx, ruleSelect+` WHERE r.parameter_id = $1 AND r.active`, parameterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("query rule", err)
	}
	return &r, nil
}

func (d *DB) ListRules(ctx context.Context) ([]models.ThresholdRule, error) {
	rows, err := d.Pool.Query(ctx, ruleSelect+` ORDER BY p.name`)
	if err != nil {
		return nil, apperr.Storage("list rules", err)
	}
	defer rows.Close()

	list := []models.ThresholdRule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, apperr.Storage("scan rule", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list rules", err)
	}
	return list, nil
}

// UpsertRule creates or replaces the rule of rule.ParameterID.
func (d *DB) UpsertRule(ctx context.Context, rule models.ThresholdRule) (models.ThresholdRule, error) {
	query := `
	WITH upserted AS (
		INSERT INTO threshold_rules (parameter_id, min_value, max_value, action, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (parameter_id) DO UPDATE
		SET min_value = EXCLUDED.min_value,
		    max_value = EXCLUDED.max_value,
		    action = EXCLUDED.action,
		    active = EXCLUDED.active,
		    updated_at = NOW()
		RETURNING id, parameter_id, updated_at
	)
	SELECT u.id, u.updated_at, p.name
	FROM upserted u
	JOIN parameters p ON p.id = u.parameter_id`

	err := d.Pool.QueryRow(ctx, query, rule.ParameterID, rule.Min, rule.Max, rule.Action, rule.Active).
		Scan(&rule.ID, &rule.UpdatedAt, &rule.ParameterName)
	if err != nil {
		return models.ThresholdRule{}, apperr.Storage("upsert rule", err)
	}
	return rule, nil
}
