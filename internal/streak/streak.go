// Package streak tracks consecutive-local-day delivery streaks.
package streak

import (
	"time"
)

type Outcome int

const (
	// OutcomeFirst is the first delivery ever recorded.
	OutcomeFirst Outcome = iota
	// OutcomeSame is a second delivery on the same local calendar day.
	OutcomeSame
	// OutcomeExtended is a delivery exactly one local day after the last.
	OutcomeExtended
	// OutcomeReset is a delivery after a gap of two or more local days.
	OutcomeReset
	// OutcomeAnomaly is a delivery that appears to precede the last one
	// (clock skew or late-arriving event); the streak is left untouched.
	OutcomeAnomaly
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFirst:
		return "first"
	case OutcomeSame:
		return "same_day"
	case OutcomeExtended:
		return "extended"
	case OutcomeReset:
		return "reset"
	case OutcomeAnomaly:
		return "anomaly"
	default:
		return "unknown"
	}
}

// State is a subscriber's streak position.
type State struct {
	Count  int
	LastAt time.Time // zero when no delivery yet
}

// Advance applies one delivery at the given instant.
//
// Both the last and the new instant are interpreted in loc, the subscriber's
// *current* declared timezone. Even if the declared zone changed between the
// two deliveries, comparing both in one zone keeps the calendar math
// internally consistent.
func Advance(st State, at time.Time, loc *time.Location) (State, Outcome) {
	if loc == nil {
		loc = time.UTC
	}
	if st.LastAt.IsZero() {
		return State{Count: 1, LastAt: at}, OutcomeFirst
	}

	diff := localDayDiff(st.LastAt, at, loc)
	switch {
	case diff == 0:
		st.LastAt = at
		return st, OutcomeSame
	case diff == 1:
		return State{Count: st.Count + 1, LastAt: at}, OutcomeExtended
	case diff > 1:
		return State{Count: 1, LastAt: at}, OutcomeReset
	default:
		// Out-of-order event: never punish the subscriber for our clock.
		return st, OutcomeAnomaly
	}
}

// localDayDiff counts calendar days from a to b as seen in loc. Midnights are
// re-anchored in UTC so a DST transition between the two instants cannot skew
// the count.
func localDayDiff(a, b time.Time, loc *time.Location) int {
	al := a.In(loc)
	bl := b.In(loc)
	am := time.Date(al.Year(), al.Month(), al.Day(), 0, 0, 0, 0, time.UTC)
	bm := time.Date(bl.Year(), bl.Month(), bl.Day(), 0, 0, 0, 0, time.UTC)
	return int(bm.Sub(am) / (24 * time.Hour))
}
