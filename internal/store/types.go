package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// FrequencyKind is a Schedule's recurrence pattern.
type FrequencyKind string

const (
	FreqDaily    FrequencyKind = "daily"
	FreqWeekly   FrequencyKind = "weekly"
	FreqMonthly  FrequencyKind = "monthly"
	FreqInterval FrequencyKind = "interval"
)

// TimeOfDay is a wall-clock time in a schedule's own timezone.
type TimeOfDay struct {
	Hour   int `json:"h"`
	Minute int `json:"m"`
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// PersonaKind discriminates how a persona value is interpreted.
type PersonaKind string

const (
	PersonaFamous PersonaKind = "famous"
	PersonaTone   PersonaKind = "tone"
	PersonaCustom PersonaKind = "custom"
)

type Persona struct {
	ID           string
	SubscriberID int64
	Kind         PersonaKind
	Value        string
	Position     int
	Active       bool
}

type Subscriber struct {
	ID             int64 // rowid; monotonic, used as the batch iteration cursor
	Address        string
	Timezone       string
	Active         bool
	StreakCount    int
	LastDeliveryAt time.Time // zero when no delivery yet
	RotationPolicy string
	RotationCursor int
	CreatedAt      time.Time
}

type Goal struct {
	ID           string
	SubscriberID int64
	Title        string
	Category     string
	Active       bool
	CreatedAt    time.Time
}

// Schedule is one immutable version of a schedule slot's configuration.
// Updates append a new version and flip the prior one inactive; at most one
// version per (subscriber, goal, slot) is active at any instant (enforced by
// a partial unique index).
type Schedule struct {
	ID           string
	SubscriberID int64
	GoalID       string // "" for subscriber-level schedules
	Slot         string // logical slot name, e.g. "morning"
	Version      int

	Kind         FrequencyKind
	Times        []TimeOfDay
	Weekdays     []time.Weekday // weekly only
	MonthDays    []int          // monthly only; clamped to month length
	IntervalDays int            // interval only; every K days
	AnchorDate   string         // interval only; local date "2006-01-02"
	Timezone     string

	Paused   bool
	SkipNext bool
	Active   bool

	CreatedAt time.Time
}

// OwnerKey identifies the registry serialization domain for a schedule.
func (s Schedule) OwnerKey() string { return fmt.Sprintf("sub-%d", s.SubscriberID) }

// DeliveryRecord is immutable once written. It anchors reply linkage and
// carries the streak value at send time for audit reproducibility.
type DeliveryRecord struct {
	ID           string
	SubscriberID int64
	GoalID       string // "" when not goal-scoped
	PersonaID    string
	PersonaValue string
	SentAt       time.Time
	Streak       int
	Success      bool
	Error        string
}

type ReplyRecord struct {
	ID               string
	SubscriberID     int64
	Text             string
	ReceivedAt       time.Time
	LinkedDeliveryID string // "" when unlinked
	LinkedGoalID     string
	Consumed         bool
	Rating           int    // 0 = unrated; 1..5 from reply analysis
	Insights         string // opaque analysis payload (JSON)
}

// SubscriberFilter narrows batch iteration.
type SubscriberFilter struct {
	OnlyActive bool
}
