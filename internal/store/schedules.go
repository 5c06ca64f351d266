package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const scheduleCols = `id, subscriber_id, goal_id, slot, version, kind, times, weekdays, month_days,
	interval_days, anchor_date, timezone, paused, skip_next, is_active, created_at`

// UpsertScheduleVersion appends a new schedule version and deactivates the
// prior active version of the same (subscriber, goal, slot) in one
// transaction. The old row is never overwritten; history is the audit trail
// for "why did this fire".
func (s *Store) UpsertScheduleVersion(ctx context.Context, sch Schedule) (Schedule, error) {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now()
	}
	sch.Active = true

	times, err := json.Marshal(sch.Times)
	if err != nil {
		return Schedule{}, err
	}
	weekdays, err := json.Marshal(sch.Weekdays)
	if err != nil {
		return Schedule{}, err
	}
	monthDays, err := json.Marshal(sch.MonthDays)
	if err != nil {
		return Schedule{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Schedule{}, err
	}
	defer tx.Rollback()

	var prevVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM schedules WHERE subscriber_id = ? AND goal_id = ? AND slot = ? AND is_active = 1`,
		sch.SubscriberID, sch.GoalID, sch.Slot).Scan(&prevVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevVersion = 0
	case err != nil:
		return Schedule{}, err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedules SET is_active = 0 WHERE subscriber_id = ? AND goal_id = ? AND slot = ? AND is_active = 1`,
			sch.SubscriberID, sch.GoalID, sch.Slot); err != nil {
			return Schedule{}, err
		}
	}
	sch.Version = prevVersion + 1

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sch.ID, sch.SubscriberID, sch.GoalID, sch.Slot, sch.Version, string(sch.Kind),
		string(times), string(weekdays), string(monthDays),
		sch.IntervalDays, sch.AnchorDate, sch.Timezone,
		boolInt(sch.Paused), boolInt(sch.SkipNext), 1, fmtTime(sch.CreatedAt)); err != nil {
		return Schedule{}, err
	}

	if err := tx.Commit(); err != nil {
		return Schedule{}, err
	}
	return sch, nil
}

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var sch Schedule
	var kind, times, weekdays, monthDays, createdAt string
	var paused, skipNext, active int
	err := row.Scan(&sch.ID, &sch.SubscriberID, &sch.GoalID, &sch.Slot, &sch.Version, &kind,
		&times, &weekdays, &monthDays, &sch.IntervalDays, &sch.AnchorDate, &sch.Timezone,
		&paused, &skipNext, &active, &createdAt)
	if err != nil {
		return Schedule{}, err
	}
	sch.Kind = FrequencyKind(kind)
	if err := json.Unmarshal([]byte(times), &sch.Times); err != nil {
		return Schedule{}, err
	}
	if err := json.Unmarshal([]byte(weekdays), &sch.Weekdays); err != nil {
		return Schedule{}, err
	}
	if err := json.Unmarshal([]byte(monthDays), &sch.MonthDays); err != nil {
		return Schedule{}, err
	}
	sch.Paused = paused != 0
	sch.SkipNext = skipNext != 0
	sch.Active = active != 0
	sch.CreatedAt = parseTime(createdAt)
	return sch, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sch, err
}

// ListActiveSchedules returns the active schedule versions for a subscriber
// (all slots, subscriber-level and goal-level).
func (s *Store) ListActiveSchedules(ctx context.Context, subscriberID int64) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE subscriber_id = ? AND is_active = 1 ORDER BY slot ASC`,
		subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *Store) SetSchedulePaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET paused = ? WHERE id = ? AND is_active = 1`, boolInt(paused), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetSkipNext(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET skip_next = 1 WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeSkipNext atomically clears the skip-next flag and reports whether it
// was set. Exactly one fire observes true per flag set; the single-writer
// connection serializes racing jobs.
func (s *Store) ConsumeSkipNext(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET skip_next = 0 WHERE id = ? AND skip_next = 1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
