package model

import (
	"time"

	"github.com/jakechorley/shift-notifier/pkg/core/timezone"
)

// ShiftRule is a recurring weekly shift assignment
type ShiftRule struct {
	ID         string
	UserID     string
	DayOfWeek  int    // 0 = Sunday ... 6 = Saturday
	StartTime  string // HH:MM[:SS], local time
	EndTime    string // Empty if open-ended
	Continuous bool
	StartDate  string // YYYY-MM-DD
	EndDate    string // Empty if open-ended, inclusive otherwise
	Active     bool
}

// IsValidDayOfWeek reports whether the rule's day of week is in range
func (r ShiftRule) IsValidDayOfWeek() bool {
	return r.DayOfWeek >= 0 && r.DayOfWeek <= 6
}

// ShiftTypeKey identifies the rule for reminder deduplication
func (r ShiftRule) ShiftTypeKey() string {
	if r.ID != "" {
		return "rule-" + r.ID
	}
	if r.Continuous {
		return "continuous-" + r.StartTime
	}
	return "shift-" + r.StartTime + "-" + r.EndTime
}

// ScheduledShift is a single concrete shift occurrence
type ScheduledShift struct {
	ID        string `json:"id" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"startTime" validate:"required"`
	EndTime   string `json:"endTime" validate:"required"`
}

// SpansNextDay reports whether the shift ends on the following calendar day
func (s ScheduledShift) SpansNextDay() bool {
	rolls, err := timezone.EndsNextDay(s.StartTime, s.EndTime)
	return err == nil && rolls
}

// ShiftEventKind is the kind of mutation applied to a scheduled shift
type ShiftEventKind string

const (
	ShiftCreated ShiftEventKind = "created"
	ShiftUpdated ShiftEventKind = "updated"
	ShiftDeleted ShiftEventKind = "deleted"
)

// IsValid reports whether the kind is one of the known mutations
func (k ShiftEventKind) IsValid() bool {
	return k == ShiftCreated || k == ShiftUpdated || k == ShiftDeleted
}

// DayOfWeekFromTime converts a time's weekday into the 0-6 Sunday-first form used by rules
func DayOfWeekFromTime(t time.Time) int {
	return int(t.Weekday())
}
