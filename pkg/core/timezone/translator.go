package timezone

import (
	"errors"
	"fmt"
	"strings"
	"time"

	// Embedded zone database so conversions do not depend on the host's zoneinfo
	_ "time/tzdata"
)

// DefaultZone is used when no time zone is configured
const DefaultZone = "Europe/London"

const (
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05"
	dateLabelLayout = "Mon 02 Jan 2006"
	timeLabelLayout = "15:04"
)

// ErrInvalidTime is returned when a local date or time of day cannot be parsed
var ErrInvalidTime = errors.New("invalid local date or time")

// Translator converts local wall-clock shift times to UTC instants and back into
// human-readable labels. All conversions use the single configured location,
// never the host's local zone.
type Translator struct {
	loc *time.Location
}

// Description holds the human-readable labels for a start/end pair
type Description struct {
	DateLabel       string
	StartLabel      string
	EndLabel        string
	EndDateLabel    string
	CrossesMidnight bool
}

// New creates a translator for the given IANA zone name (DefaultZone when empty)
func New(zone string) (*Translator, error) {
	if zone == "" {
		zone = DefaultZone
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %q: %w", zone, err)
	}

	return &Translator{loc: loc}, nil
}

// Location returns the configured location
func (t *Translator) Location() *time.Location {
	return t.loc
}

// ToUTC converts a local date (YYYY-MM-DD) and time of day (HH:MM or HH:MM:SS)
// into a UTC instant. When rollsToNextDay is set the calendar date is moved
// forward by one day before the zone conversion.
func (t *Translator) ToUTC(localDate, localTimeOfDay string, rollsToNextDay bool) (time.Time, error) {
	date, err := time.Parse(dateLayout, strings.TrimSpace(localDate))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidTime, localDate, err)
	}

	clock, err := ParseTimeOfDay(localTimeOfDay)
	if err != nil {
		return time.Time{}, err
	}

	if rollsToNextDay {
		date = date.AddDate(0, 0, 1)
	}

	local := time.Date(date.Year(), date.Month(), date.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, t.loc)

	return local.UTC(), nil
}

// ShiftWindow converts a shift's local date, start and end times into UTC
// instants. The end instant rolls to the next calendar day when the end time is
// not after the start time; the start instant is never shifted.
func (t *Translator) ShiftWindow(localDate, startTime, endTime string) (time.Time, time.Time, error) {
	start, err := t.ToUTC(localDate, startTime, false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	rolls, err := EndsNextDay(startTime, endTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	end, err := t.ToUTC(localDate, endTime, rolls)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	return start, end, nil
}

// Describe renders labels for a start/end pair in the configured zone.
// CrossesMidnight reports whether the two labels fall on different local
// calendar dates, regardless of how the shift was flagged.
func (t *Translator) Describe(start, end time.Time) Description {
	localStart := start.In(t.loc)
	localEnd := end.In(t.loc)

	sy, sm, sd := localStart.Date()
	ey, em, ed := localEnd.Date()

	return Description{
		DateLabel:       localStart.Format(dateLabelLayout),
		StartLabel:      localStart.Format(timeLabelLayout),
		EndLabel:        localEnd.Format(timeLabelLayout),
		EndDateLabel:    localEnd.Format(dateLabelLayout),
		CrossesMidnight: sy != ey || sm != em || sd != ed,
	}
}

// DateLabel renders the local calendar date of an instant
func (t *Translator) DateLabel(instant time.Time) string {
	return instant.In(t.loc).Format(dateLabelLayout)
}

// ParseTimeOfDay parses HH:MM or HH:MM:SS, defaulting missing seconds to :00
func ParseTimeOfDay(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if strings.Count(value, ":") == 1 {
		value += ":00"
	}

	clock, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q: %v", ErrInvalidTime, value, err)
	}
	return clock, nil
}

// EndsNextDay reports whether a shift ending at endTime rolls into the next
// calendar day, which is the case whenever endTime <= startTime
func EndsNextDay(startTime, endTime string) (bool, error) {
	start, err := ParseTimeOfDay(startTime)
	if err != nil {
		return false, err
	}
	end, err := ParseTimeOfDay(endTime)
	if err != nil {
		return false, err
	}
	return !end.After(start), nil
}
