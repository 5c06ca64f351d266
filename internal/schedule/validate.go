package schedule

import (
	"fmt"
	"time"

	"cadence/internal/store"
)

// ValidationError reports a malformed schedule. Malformed schedules are
// rejected at write time; resolution assumes validated input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule: %s: %s", e.Field, e.Reason)
}

const anchorLayout = "2006-01-02"

func Validate(sch store.Schedule) error {
	if sch.Paused {
		// A paused schedule fires nothing; its pattern fields may be stale.
		return validateTimezone(sch.Timezone)
	}
	if len(sch.Times) == 0 {
		return &ValidationError{Field: "times", Reason: "at least one time-of-day is required on an active schedule"}
	}
	for _, t := range sch.Times {
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			return &ValidationError{Field: "times", Reason: fmt.Sprintf("out of range: %s", t)}
		}
	}

	switch sch.Kind {
	case store.FreqDaily:
	case store.FreqWeekly:
		if len(sch.Weekdays) == 0 {
			return &ValidationError{Field: "weekdays", Reason: "weekly schedule needs at least one weekday"}
		}
		for _, wd := range sch.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return &ValidationError{Field: "weekdays", Reason: fmt.Sprintf("out of range: %d", wd)}
			}
		}
	case store.FreqMonthly:
		if len(sch.MonthDays) == 0 {
			return &ValidationError{Field: "month_days", Reason: "monthly schedule needs at least one day-of-month"}
		}
		for _, d := range sch.MonthDays {
			if d < 1 || d > 31 {
				return &ValidationError{Field: "month_days", Reason: fmt.Sprintf("out of range: %d", d)}
			}
		}
	case store.FreqInterval:
		if sch.IntervalDays < 1 {
			return &ValidationError{Field: "interval_days", Reason: "interval must be at least 1 day"}
		}
		if _, err := time.Parse(anchorLayout, sch.AnchorDate); err != nil {
			return &ValidationError{Field: "anchor_date", Reason: fmt.Sprintf("want YYYY-MM-DD, got %q", sch.AnchorDate)}
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown frequency %q", sch.Kind)}
	}

	return validateTimezone(sch.Timezone)
}

func validateTimezone(tz string) error {
	if tz == "" {
		return &ValidationError{Field: "timezone", Reason: "required"}
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return &ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown zone %q", tz)}
	}
	return nil
}
