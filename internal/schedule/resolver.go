package schedule

import (
	"sort"
	"time"

	"cadence/internal/store"
)

// searchHorizonDays bounds the day walk in Next. Any valid non-paused
// schedule fires at least monthly, so the horizon is generous; it only
// matters for defensively handling unvalidated input.
const searchHorizonDays = 800

// Next returns the first fire instant (UTC) strictly after the reference
// instant, or false if the schedule produces none (paused, or nothing within
// the search horizon).
func Next(sch store.Schedule, after time.Time) (time.Time, bool) {
	if sch.Paused {
		return time.Time{}, false
	}
	loc, err := time.LoadLocation(sch.Timezone)
	if err != nil {
		return time.Time{}, false
	}

	times := sortedTimes(sch.Times)
	if len(times) == 0 {
		return time.Time{}, false
	}

	local := after.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	for i := 0; i < searchHorizonDays; i++ {
		if dayMatches(sch, day) {
			for _, tod := range timesForDay(sch, day, times) {
				// Wall-clock construction: the instant tracks local time even
				// when the UTC offset changed since the reference instant.
				at := time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, loc)
				if at.After(after) {
					return at.UTC(), true
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

// NextN returns up to n upcoming fire instants (UTC, ascending) after the
// reference instant.
func NextN(sch store.Schedule, after time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	cursor := after
	for len(out) < n {
		at, ok := Next(sch, cursor)
		if !ok {
			break
		}
		out = append(out, at)
		cursor = at
	}
	return out
}

func dayMatches(sch store.Schedule, day time.Time) bool {
	switch sch.Kind {
	case store.FreqDaily:
		return true
	case store.FreqWeekly:
		for _, wd := range sch.Weekdays {
			if day.Weekday() == wd {
				return true
			}
		}
		return false
	case store.FreqMonthly:
		last := daysInMonth(day.Year(), day.Month())
		for _, d := range sch.MonthDays {
			if d > last {
				d = last // months shorter than the listed day fire on the last day
			}
			if day.Day() == d {
				return true
			}
		}
		return false
	case store.FreqInterval:
		if sch.IntervalDays < 1 {
			return false
		}
		anchor, err := time.Parse(anchorLayout, sch.AnchorDate)
		if err != nil {
			return false
		}
		diff := calendarDays(anchor, day)
		return diff >= 0 && diff%sch.IntervalDays == 0
	default:
		return false
	}
}

// timesForDay usually returns the schedule's time list as-is; monthly
// schedules can map two listed days onto the same (clamped) calendar day, in
// which case duplicates collapse.
func timesForDay(sch store.Schedule, day time.Time, times []store.TimeOfDay) []store.TimeOfDay {
	if sch.Kind != store.FreqMonthly {
		return times
	}
	return dedupeTimes(times)
}

func sortedTimes(times []store.TimeOfDay) []store.TimeOfDay {
	out := append([]store.TimeOfDay(nil), times...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Minute < out[j].Minute
	})
	return out
}

func dedupeTimes(times []store.TimeOfDay) []store.TimeOfDay {
	out := times[:0:0]
	for _, t := range times {
		dup := false
		for _, u := range out {
			if u == t {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// calendarDays counts whole calendar days from a to b, ignoring clock time.
// Both dates are re-anchored to UTC midnights so DST shifts between them
// cannot produce off-by-one day counts.
func calendarDays(a, b time.Time) int {
	am := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bm := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bm.Sub(am) / (24 * time.Hour))
}
