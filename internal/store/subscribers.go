package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

func (s *Store) CreateSubscriber(ctx context.Context, sub Subscriber) (int64, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	if sub.Timezone == "" {
		sub.Timezone = "UTC"
	}
	if sub.RotationPolicy == "" {
		sub.RotationPolicy = "sequential"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(address, timezone, active, streak_count, last_delivery_at, rotation_policy, rotation_cursor, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		sub.Address, sub.Timezone, boolInt(sub.Active), sub.StreakCount, nullTime(sub.LastDeliveryAt),
		sub.RotationPolicy, sub.RotationCursor, fmtTime(sub.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const subscriberCols = `id, address, timezone, active, streak_count, COALESCE(last_delivery_at,''), rotation_policy, rotation_cursor, created_at`

func scanSubscriber(row interface{ Scan(...any) error }) (Subscriber, error) {
	var sub Subscriber
	var active int
	var lastAt, createdAt string
	err := row.Scan(&sub.ID, &sub.Address, &sub.Timezone, &active, &sub.StreakCount, &lastAt,
		&sub.RotationPolicy, &sub.RotationCursor, &createdAt)
	if err != nil {
		return Subscriber{}, err
	}
	sub.Active = active != 0
	sub.LastDeliveryAt = parseTime(lastAt)
	sub.CreatedAt = parseTime(createdAt)
	return sub, nil
}

func (s *Store) GetSubscriber(ctx context.Context, id int64) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE id = ?`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *Store) GetSubscriberByAddress(ctx context.Context, address string) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE address = ?`, address)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	return sub, err
}

// ListSubscribersPage returns up to limit subscribers with id > afterID in
// ascending id order. Keyset pagination: concurrent inserts land at the tail
// and deletes never shift the cursor, unlike OFFSET paging.
func (s *Store) ListSubscribersPage(ctx context.Context, afterID int64, limit int, f SubscriberFilter) ([]Subscriber, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + subscriberCols + ` FROM subscribers WHERE id > ?`
	if f.OnlyActive {
		q += ` AND active = 1`
	}
	q += ` ORDER BY id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) CountSubscribers(ctx context.Context, f SubscriberFilter) (int, error) {
	q := `SELECT COUNT(*) FROM subscribers`
	if f.OnlyActive {
		q += ` WHERE active = 1`
	}
	var n int
	err := s.db.QueryRowContext(ctx, q).Scan(&n)
	return n, err
}

// DeactivateSubscriber soft-deactivates; subscribers are never deleted.
func (s *Store) DeactivateSubscriber(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET active = 0 WHERE id = ?`, id)
	return err
}

func (s *Store) UpdateStreak(ctx context.Context, id int64, count int, lastAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET streak_count = ?, last_delivery_at = ? WHERE id = ?`,
		count, nullTime(lastAt), id)
	return err
}

func (s *Store) UpdateRotationCursor(ctx context.Context, id int64, cursor int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET rotation_cursor = ? WHERE id = ?`, cursor, id)
	return err
}

// ---- personas ----

func (s *Store) AddPersona(ctx context.Context, p Persona) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas(id, subscriber_id, kind, value, position, active) VALUES(?,?,?,?,?,?)`,
		p.ID, p.SubscriberID, string(p.Kind), p.Value, p.Position, boolInt(p.Active))
	return p.ID, err
}

// RemovePersona deactivates a persona. The rotation cursor stays valid
// because selection always interprets it modulo the current active list.
func (s *Store) RemovePersona(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE personas SET active = 0 WHERE id = ?`, id)
	return err
}

func (s *Store) ListPersonas(ctx context.Context, subscriberID int64, onlyActive bool) ([]Persona, error) {
	q := `SELECT id, subscriber_id, kind, value, position, active FROM personas WHERE subscriber_id = ?`
	if onlyActive {
		q += ` AND active = 1`
	}
	q += ` ORDER BY position ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		var p Persona
		var kind string
		var active int
		if err := rows.Scan(&p.ID, &p.SubscriberID, &kind, &p.Value, &p.Position, &active); err != nil {
			return nil, err
		}
		p.Kind = PersonaKind(kind)
		p.Active = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- goals ----

func (s *Store) CreateGoal(ctx context.Context, g Goal) (string, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goals(id, subscriber_id, title, category, active, created_at) VALUES(?,?,?,?,?,?)`,
		g.ID, g.SubscriberID, g.Title, g.Category, boolInt(g.Active), fmtTime(g.CreatedAt))
	return g.ID, err
}

func (s *Store) GetGoal(ctx context.Context, id string) (Goal, error) {
	var g Goal
	var active int
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subscriber_id, title, category, active, created_at FROM goals WHERE id = ?`, id).
		Scan(&g.ID, &g.SubscriberID, &g.Title, &g.Category, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Goal{}, ErrNotFound
	}
	if err != nil {
		return Goal{}, err
	}
	g.Active = active != 0
	g.CreatedAt = parseTime(createdAt)
	return g, nil
}

func (s *Store) ListGoals(ctx context.Context, subscriberID int64) ([]Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber_id, title, category, active, created_at FROM goals WHERE subscriber_id = ? ORDER BY created_at ASC`,
		subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		var g Goal
		var active int
		var createdAt string
		if err := rows.Scan(&g.ID, &g.SubscriberID, &g.Title, &g.Category, &active, &createdAt); err != nil {
			return nil, err
		}
		g.Active = active != 0
		g.CreatedAt = parseTime(createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}
