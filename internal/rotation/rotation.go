// Package rotation chooses which persona voices the next delivery.
package rotation

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"cadence/internal/store"
)

// ErrNoPersonas is returned when a subscriber has no active personas; the
// caller must substitute its configured fallback persona.
var ErrNoPersonas = errors.New("rotation: no active personas")

type PolicyKind string

const (
	PolicySequential PolicyKind = "sequential"
	PolicyRandom     PolicyKind = "random"
	PolicyDaily      PolicyKind = "daily"
	PolicyWeekly     PolicyKind = "weekly"
	PolicyTimeSplit  PolicyKind = "timesplit"
	PolicyWeighted   PolicyKind = "weighted"
)

// UnmarshalText accepts any stored policy string; unknown values degrade to
// sequential rather than failing a load.
func (p *PolicyKind) UnmarshalText(b []byte) error {
	*p = ParsePolicy(string(b))
	return nil
}

// ParsePolicy maps a stored policy string to its kind. Unknown values fall
// back to sequential rather than failing a delivery.
func ParsePolicy(s string) PolicyKind {
	switch PolicyKind(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyRandom:
		return PolicyRandom
	case PolicyDaily:
		return PolicyDaily
	case PolicyWeekly:
		return PolicyWeekly
	case PolicyTimeSplit:
		return PolicyTimeSplit
	case PolicyWeighted:
		return PolicyWeighted
	default:
		return PolicySequential
	}
}

// Selector picks personas. Safe for concurrent use; the RNG has its own lock.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSelector() *Selector {
	return &Selector{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Select returns the persona for the next delivery plus the new rotation
// cursor to persist. personas must be the subscriber's *currently active*
// list; the stored cursor is always interpreted modulo its length, so adding
// or removing personas never leaves the cursor out of range.
func (s *Selector) Select(sub store.Subscriber, personas []store.Persona, ratings map[string]float64, now time.Time, loc *time.Location) (store.Persona, int, error) {
	m := len(personas)
	if m == 0 {
		return store.Persona{}, sub.RotationCursor, ErrNoPersonas
	}
	if loc == nil {
		loc = time.UTC
	}
	cursor := sub.RotationCursor % m
	if cursor < 0 {
		cursor += m
	}
	if m == 1 {
		return personas[0], 0, nil
	}

	var idx int
	switch ParsePolicy(sub.RotationPolicy) {
	case PolicyRandom:
		s.mu.Lock()
		idx = s.rng.Intn(m)
		s.mu.Unlock()
		// Cursor is not used for random selection but is recorded anyway so
		// diagnostics can show the last pick.
		return personas[idx], idx, nil
	case PolicyDaily:
		idx = int(now.In(loc).Weekday()) % m
		return personas[idx], idx, nil
	case PolicyWeekly:
		_, week := now.In(loc).ISOWeek()
		idx = week % m
		return personas[idx], idx, nil
	case PolicyTimeSplit:
		if now.In(loc).Hour() < 12 {
			idx = 0
		} else {
			idx = m / 2
		}
		return personas[idx], idx, nil
	case PolicyWeighted:
		if idx, ok := s.weightedPick(personas, ratings); ok {
			return personas[idx], idx, nil
		}
		// No rating history anywhere: sequential fallback.
		fallthrough
	default: // sequential
		idx = cursor
		return personas[idx], (idx + 1) % m, nil
	}
}

// weightedPick selects an index with probability proportional to the average
// feedback rating of each persona. false when no persona has any history.
func (s *Selector) weightedPick(personas []store.Persona, ratings map[string]float64) (int, bool) {
	total := 0.0
	weights := make([]float64, len(personas))
	for i, p := range personas {
		w := ratings[p.ID]
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return 0, false
	}

	s.mu.Lock()
	r := s.rng.Float64() * total
	s.mu.Unlock()

	for i, w := range weights {
		r -= w
		if r < 0 {
			return i, true
		}
	}
	return len(personas) - 1, true
}

// Voice resolves a persona into the canonical voice descriptor handed to the
// content generator. The explicit Kind discriminant replaces any value
// sniffing: each kind has exactly one rendering.
func Voice(p store.Persona) string {
	switch p.Kind {
	case store.PersonaFamous:
		return fmt.Sprintf("in the voice of %s", p.Value)
	case store.PersonaTone:
		return fmt.Sprintf("with a %s tone", p.Value)
	case store.PersonaCustom:
		return p.Value
	default:
		return p.Value
	}
}
