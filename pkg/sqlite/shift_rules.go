package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jakechorley/shift-notifier/pkg/core/model"
)

// ListActiveShiftRules retrieves all active recurring shift rules
func (d *DB) ListActiveShiftRules(ctx context.Context) ([]model.ShiftRule, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, day_of_week, start_time, end_time, continuous, start_date, end_date
		FROM shift_rules
		WHERE active = 1
		ORDER BY user_id, day_of_week, start_time
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query shift rules: %w", err)
	}
	defer rows.Close()

	var rules []model.ShiftRule
	for rows.Next() {
		var r model.ShiftRule
		var endTime, endDate sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.DayOfWeek, &r.StartTime, &endTime,
			&r.Continuous, &r.StartDate, &endDate); err != nil {
			return nil, fmt.Errorf("failed to scan shift rule: %w", err)
		}
		r.EndTime = endTime.String
		r.EndDate = endDate.String
		r.Active = true
		rules = append(rules, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shift rules: %w", err)
	}

	return rules, nil
}

// UpsertShiftRule inserts or replaces a shift rule. Embedded deployments have
// no separate shift management backend writing this table.
func (d *DB) UpsertShiftRule(ctx context.Context, rule model.ShiftRule) error {
	if !rule.IsValidDayOfWeek() {
		return fmt.Errorf("invalid day of week %d", rule.DayOfWeek)
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO shift_rules (id, user_id, day_of_week, start_time, end_time, continuous, start_date, end_date, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			day_of_week = excluded.day_of_week,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			continuous = excluded.continuous,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			active = excluded.active
	`, rule.ID, rule.UserID, rule.DayOfWeek, rule.StartTime, nullableString(rule.EndTime),
		rule.Continuous, rule.StartDate, nullableString(rule.EndDate), rule.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert shift rule: %w", err)
	}
	return nil
}

// GetUserEmail returns the user's email address, or "" when none is on file
func (d *DB) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var email sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = ?`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user email: %w", err)
	}
	return email.String, nil
}

// UpsertUser records a user's email address
func (d *DB) UpsertUser(ctx context.Context, userID, email string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, email) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email
	`, userID, nullableString(email))
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
