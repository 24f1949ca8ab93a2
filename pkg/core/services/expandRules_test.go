package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/pkg/core/model"
	"github.com/jakechorley/shift-notifier/pkg/db"
)

type mockRuleStore struct {
	rules []model.ShiftRule
	err   error
}

func (m *mockRuleStore) ListActiveShiftRules(context.Context) ([]model.ShiftRule, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rules, nil
}

func newTestExpander(t *testing.T, store *mockStore) *RuleExpander {
	t.Helper()
	_, renderer := newTestRenderer(t, "Europe/London")
	return NewRuleExpander(store, renderer, nil, zap.NewNop())
}

func mondayRule() model.ShiftRule {
	return model.ShiftRule{
		ID:        "r1",
		UserID:    "user-1",
		DayOfWeek: 1,
		StartTime: "09:00",
		EndTime:   "17:00",
		StartDate: "2024-01-01",
		Active:    true,
	}
}

func scheduledDates(store *mockStore) []string {
	var out []string
	for _, r := range store.all() {
		out = append(out, r.ScheduledAtUTC.Format("2006-01-02"))
	}
	return out
}

func TestRuleExpander_Expand(t *testing.T) {
	// Monday
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name          string
		rule          func(r *model.ShiftRule)
		lookahead     int
		wantDates     []string
		wantEvaluated int
	}{
		{
			name:          "open ended rule over four weeks",
			lookahead:     28,
			wantDates:     []string{"2024-01-15", "2024-01-22", "2024-01-29", "2024-02-05"},
			wantEvaluated: 1,
		},
		{
			name:          "end date is inclusive",
			rule:          func(r *model.ShiftRule) { r.EndDate = "2024-01-29" },
			lookahead:     28,
			wantDates:     []string{"2024-01-15", "2024-01-22", "2024-01-29"},
			wantEvaluated: 1,
		},
		{
			name:          "start date inside window",
			rule:          func(r *model.ShiftRule) { r.StartDate = "2024-01-20" },
			lookahead:     28,
			wantDates:     []string{"2024-01-22", "2024-01-29", "2024-02-05"},
			wantEvaluated: 1,
		},
		{
			name:          "single day lookahead includes today",
			lookahead:     1,
			wantDates:     []string{"2024-01-15"},
			wantEvaluated: 1,
		},
		{
			name:          "rule ended before window",
			rule:          func(r *model.ShiftRule) { r.EndDate = "2024-01-08" },
			lookahead:     28,
			wantEvaluated: 1,
		},
		{
			name:      "inactive rule",
			rule:      func(r *model.ShiftRule) { r.Active = false },
			lookahead: 28,
		},
		{
			name:      "invalid day of week",
			rule:      func(r *model.ShiftRule) { r.DayOfWeek = 9 },
			lookahead: 28,
		},
		{
			name:      "invalid start date",
			rule:      func(r *model.ShiftRule) { r.StartDate = "soon" },
			lookahead: 28,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			e := newTestExpander(t, store)

			rule := mondayRule()
			if tt.rule != nil {
				tt.rule(&rule)
			}

			result, err := e.Expand(context.Background(), []model.ShiftRule{rule}, ExpandOptions{
				LookaheadDays: tt.lookahead,
				NotifyHourUTC: 8,
				Now:           now,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.wantDates, scheduledDates(store))
			assert.Equal(t, len(tt.wantDates), result.Created)
			assert.Equal(t, tt.wantEvaluated, result.RulesEvaluated)
			assert.Equal(t, tt.lookahead, result.Days)
		})
	}
}

func TestRuleExpander_Expand_RequestShape(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	store := newMockStore()
	e := newTestExpander(t, store)

	_, err := e.Expand(context.Background(), []model.ShiftRule{mondayRule()}, ExpandOptions{LookaheadDays: 1, NotifyHourUTC: 6, Now: now})
	require.NoError(t, err)

	req := store.get("schedule_reminder:user-1:rule-r1:2024-01-15")
	require.NotNil(t, req)
	assert.Equal(t, db.TypeScheduleReminder, req.Type)
	assert.Equal(t, time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC), req.ScheduledAtUTC)
	assert.Empty(t, req.OccurrenceID)
	require.NotNil(t, req.Payload.Email)
	assert.Equal(t, "Shift reminder: Mon 15 Jan 2024", req.Payload.Email.Subject)
	require.NotNil(t, req.Payload.Push)
	assert.Equal(t, "Today from 09:00 to 17:00", req.Payload.Push.Body)
}

func TestRuleExpander_Expand_OverlappingRunsAreIdempotent(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	store := newMockStore()
	e := newTestExpander(t, store)
	rules := []model.ShiftRule{mondayRule()}

	first, err := e.Expand(context.Background(), rules, ExpandOptions{LookaheadDays: 28, NotifyHourUTC: 8, Now: now})
	require.NoError(t, err)
	assert.Equal(t, 4, first.Created)

	again, err := e.Expand(context.Background(), rules, ExpandOptions{LookaheadDays: 28, NotifyHourUTC: 8, Now: now})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)

	nextWeek, err := e.Expand(context.Background(), rules, ExpandOptions{LookaheadDays: 28, NotifyHourUTC: 8, Now: now.AddDate(0, 0, 7)})
	require.NoError(t, err)
	assert.Equal(t, 1, nextWeek.Created)

	assert.Equal(t, []string{"2024-01-15", "2024-01-22", "2024-01-29", "2024-02-05", "2024-02-12"}, scheduledDates(store))
}

func TestRuleExpander_Expand_MultipleRules(t *testing.T) {
	// Wednesday
	now := time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC)
	store := newMockStore()
	e := newTestExpander(t, store)

	sunday := mondayRule()
	sunday.ID = "r2"
	sunday.DayOfWeek = 0
	sunday.StartTime = "22:00"
	sunday.EndTime = "06:00"

	other := mondayRule()
	other.ID = "r3"
	other.UserID = "user-2"
	other.DayOfWeek = 3

	result, err := e.Expand(context.Background(), []model.ShiftRule{mondayRule(), sunday, other}, ExpandOptions{LookaheadDays: 7, NotifyHourUTC: 0, Now: now})
	require.NoError(t, err)

	assert.Equal(t, 3, result.RulesEvaluated)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, []string{"2024-01-17", "2024-01-21", "2024-01-22"}, scheduledDates(store))
}

func TestRuleExpander_Expand_Bounds(t *testing.T) {
	store := newMockStore()
	e := newTestExpander(t, store)

	tests := []struct {
		name string
		opts ExpandOptions
	}{
		{name: "zero lookahead", opts: ExpandOptions{LookaheadDays: 0, NotifyHourUTC: 8}},
		{name: "lookahead too large", opts: ExpandOptions{LookaheadDays: 91, NotifyHourUTC: 8}},
		{name: "negative hour", opts: ExpandOptions{LookaheadDays: 7, NotifyHourUTC: -1}},
		{name: "hour too large", opts: ExpandOptions{LookaheadDays: 7, NotifyHourUTC: 24}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Expand(context.Background(), []model.ShiftRule{mondayRule()}, tt.opts)
			assert.Error(t, err)
			assert.Empty(t, store.all())
		})
	}
}

func TestRuleExpander_ExpandActiveRules(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

	t.Run("loads rules from the store", func(t *testing.T) {
		store := newMockStore()
		e := newTestExpander(t, store)

		result, err := e.ExpandActiveRules(context.Background(), &mockRuleStore{rules: []model.ShiftRule{mondayRule()}},
			ExpandOptions{LookaheadDays: 7, NotifyHourUTC: 8, Now: now})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Created)
	})

	t.Run("store error", func(t *testing.T) {
		store := newMockStore()
		e := newTestExpander(t, store)

		_, err := e.ExpandActiveRules(context.Background(), &mockRuleStore{err: errors.New("timeout")},
			ExpandOptions{LookaheadDays: 7, NotifyHourUTC: 8, Now: now})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("enqueue error", func(t *testing.T) {
		store := newMockStore()
		store.enqueueErr = errors.New("disk full")
		e := newTestExpander(t, store)

		_, err := e.ExpandActiveRules(context.Background(), &mockRuleStore{rules: []model.ShiftRule{mondayRule()}},
			ExpandOptions{LookaheadDays: 7, NotifyHourUTC: 8, Now: now})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})
}

func TestRuleReminderKey(t *testing.T) {
	rule := mondayRule()
	assert.Equal(t, "schedule_reminder:user-1:rule-r1:2024-01-15", RuleReminderKey(rule, "2024-01-15"))

	rule.ID = ""
	assert.Equal(t, "schedule_reminder:user-1:shift-09:00-17:00:2024-01-15", RuleReminderKey(rule, "2024-01-15"))
}
