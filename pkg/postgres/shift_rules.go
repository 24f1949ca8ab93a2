package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jakechorley/shift-notifier/pkg/core/model"
)

// ListActiveShiftRules retrieves all active recurring shift rules
func (d *DB) ListActiveShiftRules(ctx context.Context) ([]model.ShiftRule, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, user_id, day_of_week, to_char(start_time, 'HH24:MI:SS'),
			to_char(end_time, 'HH24:MI:SS'), continuous, start_date, end_date
		FROM shift_rules
		WHERE active
		ORDER BY user_id, day_of_week, start_time
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query shift rules: %w", err)
	}
	defer rows.Close()

	var rules []model.ShiftRule
	for rows.Next() {
		var r model.ShiftRule
		var endTime *string
		var startDate time.Time
		var endDate *time.Time
		if err := rows.Scan(&r.ID, &r.UserID, &r.DayOfWeek, &r.StartTime, &endTime,
			&r.Continuous, &startDate, &endDate); err != nil {
			return nil, fmt.Errorf("failed to scan shift rule: %w", err)
		}
		r.EndTime = derefString(endTime)
		r.StartDate = startDate.Format("2006-01-02")
		if endDate != nil {
			r.EndDate = endDate.Format("2006-01-02")
		}
		r.Active = true
		rules = append(rules, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shift rules: %w", err)
	}

	return rules, nil
}

// GetUserEmail returns the user's email address, or "" when none is on file
func (d *DB) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var email *string
	err := d.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user email: %w", err)
	}
	return derefString(email), nil
}
