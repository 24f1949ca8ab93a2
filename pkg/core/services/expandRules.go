package services

import (
	"context"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/pkg/core/messages"
	"github.com/jakechorley/shift-notifier/pkg/core/model"
	"github.com/jakechorley/shift-notifier/pkg/db"
	"github.com/jakechorley/shift-notifier/pkg/metrics"
)

// MaxLookaheadDays caps how far ahead rule reminders are generated
const MaxLookaheadDays = 90

var weekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// ExpandOptions controls a rule expansion
type ExpandOptions struct {
	LookaheadDays int
	NotifyHourUTC int
	Now           time.Time
}

// ExpandResult summarises a rule expansion
type ExpandResult struct {
	Created        int `json:"created"`
	RulesEvaluated int `json:"rulesEvaluated"`
	Days           int `json:"days"`
}

// RuleExpander turns recurring weekly shift rules into dated schedule_reminder
// requests. Expansion only ever inserts; re-running over an overlapping
// horizon is a no-op for dates already covered.
type RuleExpander struct {
	store    db.NotificationEnqueuer
	renderer *messages.Renderer
	metrics  *metrics.Recorder
	logger   *zap.Logger
}

// NewRuleExpander creates a rule expander. recorder may be nil.
func NewRuleExpander(store db.NotificationEnqueuer, renderer *messages.Renderer, recorder *metrics.Recorder, logger *zap.Logger) *RuleExpander {
	return &RuleExpander{store: store, renderer: renderer, metrics: recorder, logger: logger}
}

// ExpandActiveRules loads the active rules from ruleStore and expands them
func (e *RuleExpander) ExpandActiveRules(ctx context.Context, ruleStore db.ShiftRuleStore, opts ExpandOptions) (*ExpandResult, error) {
	rules, err := ruleStore.ListActiveShiftRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch shift rules: %w", err)
	}
	return e.Expand(ctx, rules, opts)
}

// Expand enqueues one reminder per matching rule per UTC calendar day, for
// LookaheadDays days starting with the day containing opts.Now. Each reminder
// is due at NotifyHourUTC:00 UTC on its day.
func (e *RuleExpander) Expand(ctx context.Context, rules []model.ShiftRule, opts ExpandOptions) (*ExpandResult, error) {
	if opts.LookaheadDays < 1 || opts.LookaheadDays > MaxLookaheadDays {
		return nil, fmt.Errorf("lookahead days must be between 1 and %d, got %d", MaxLookaheadDays, opts.LookaheadDays)
	}
	if opts.NotifyHourUTC < 0 || opts.NotifyHourUTC > 23 {
		return nil, fmt.Errorf("notify hour must be between 0 and 23, got %d", opts.NotifyHourUTC)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	windowStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.AddDate(0, 0, opts.LookaheadDays-1)

	logger := e.logger.With(zap.String("component", "rule_expander"))
	logger.Debug("Expanding shift rules",
		zap.Int("rules", len(rules)),
		zap.String("window_start", windowStart.Format("2006-01-02")),
		zap.String("window_end", windowEnd.Format("2006-01-02")))

	result := &ExpandResult{Days: opts.LookaheadDays}

	for _, rule := range rules {
		if !rule.Active {
			continue
		}

		dates, err := ruleDates(rule, windowStart, windowEnd)
		if err != nil {
			logger.Warn("Skipping invalid shift rule", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		result.RulesEvaluated++

		for _, day := range dates {
			created, err := e.enqueueReminder(ctx, rule, day, opts.NotifyHourUTC)
			if err != nil {
				return result, err
			}
			if created {
				result.Created++
			}
		}
	}

	logger.Info("Shift rule expansion complete",
		zap.Int("created", result.Created),
		zap.Int("rules_evaluated", result.RulesEvaluated),
		zap.Int("days", result.Days))

	return result, nil
}

func (e *RuleExpander) enqueueReminder(ctx context.Context, rule model.ShiftRule, day time.Time, notifyHour int) (bool, error) {
	date := day.Format("2006-01-02")

	payload, err := e.renderer.RuleReminder(rule, date)
	if err != nil {
		return false, fmt.Errorf("failed to render reminder for rule %s on %s: %w", rule.ID, date, err)
	}

	req := &db.NotificationRequest{
		UserID:         rule.UserID,
		Type:           db.TypeScheduleReminder,
		ScheduledAtUTC: day.Add(time.Duration(notifyHour) * time.Hour),
		Payload:        payload,
		UniqueKey:      RuleReminderKey(rule, date),
	}

	id, created, err := e.store.Enqueue(ctx, req)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue reminder for rule %s on %s: %w", rule.ID, date, err)
	}

	if created {
		e.metrics.Enqueued(string(req.Type))
		e.logger.Debug("Enqueued rule reminder",
			zap.String("request_id", id),
			zap.String("rule_id", rule.ID),
			zap.String("date", date))
	}

	return created, nil
}

// RuleReminderKey is the dedup key for a rule's reminder on a date (YYYY-MM-DD)
func RuleReminderKey(rule model.ShiftRule, date string) string {
	return fmt.Sprintf("%s:%s:%s:%s", db.TypeScheduleReminder, rule.UserID, rule.ShiftTypeKey(), date)
}

// ruleDates returns the UTC midnights within [from, to] on which the rule applies
func ruleDates(rule model.ShiftRule, from, to time.Time) ([]time.Time, error) {
	if !rule.IsValidDayOfWeek() {
		return nil, fmt.Errorf("invalid day of week %d", rule.DayOfWeek)
	}
	if rule.UserID == "" {
		return nil, fmt.Errorf("rule has no user")
	}

	startDate, err := time.Parse("2006-01-02", rule.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", rule.StartDate, err)
	}

	opt := rrule.ROption{
		Freq:      rrule.WEEKLY,
		Byweekday: []rrule.Weekday{weekdays[rule.DayOfWeek]},
		Dtstart:   startDate,
	}

	if rule.EndDate != "" {
		endDate, err := time.Parse("2006-01-02", rule.EndDate)
		if err != nil {
			return nil, fmt.Errorf("invalid end date %q: %w", rule.EndDate, err)
		}
		if endDate.Before(startDate) {
			return nil, nil
		}
		// End date is inclusive
		opt.Until = endDate
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build recurrence: %w", err)
	}

	return r.Between(from, to, true), nil
}
