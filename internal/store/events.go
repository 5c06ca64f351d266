package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ---- delivery records (append-only) ----

func (s *Store) AppendDelivery(ctx context.Context, rec DeliveryRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_records(id, subscriber_id, goal_id, persona_id, persona_value, sent_at, streak, success, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.SubscriberID, rec.GoalID, rec.PersonaID, rec.PersonaValue,
		fmtTime(rec.SentAt), rec.Streak, boolInt(rec.Success), rec.Error)
	return rec.ID, err
}

const deliveryCols = `id, subscriber_id, goal_id, persona_id, persona_value, sent_at, streak, success, err`

func scanDelivery(row interface{ Scan(...any) error }) (DeliveryRecord, error) {
	var rec DeliveryRecord
	var sentAt string
	var success int
	err := row.Scan(&rec.ID, &rec.SubscriberID, &rec.GoalID, &rec.PersonaID, &rec.PersonaValue,
		&sentAt, &rec.Streak, &success, &rec.Error)
	if err != nil {
		return DeliveryRecord{}, err
	}
	rec.SentAt = parseTime(sentAt)
	rec.Success = success != 0
	return rec, nil
}

// LatestDeliveryFor returns the most recent successful delivery for the
// subscriber with sent_at <= before. A non-empty goalID narrows to that goal.
func (s *Store) LatestDeliveryFor(ctx context.Context, subscriberID int64, goalID string, before time.Time) (DeliveryRecord, error) {
	q := `SELECT ` + deliveryCols + ` FROM delivery_records
	      WHERE subscriber_id = ? AND success = 1 AND sent_at <= ?`
	args := []any{subscriberID, fmtTime(before)}
	if goalID != "" {
		q += ` AND goal_id = ?`
		args = append(args, goalID)
	}
	q += ` ORDER BY sent_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, q, args...)
	rec, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryRecord{}, ErrNotFound
	}
	return rec, err
}

// ListSuccessfulDeliveries returns successful deliveries in ascending sent
// order; used to replay streak state when the live counter drifts.
func (s *Store) ListSuccessfulDeliveries(ctx context.Context, subscriberID int64) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM delivery_records WHERE subscriber_id = ? AND success = 1 ORDER BY sent_at ASC`,
		subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- reply records ----

func (s *Store) AppendReply(ctx context.Context, rec ReplyRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_records(id, subscriber_id, text, received_at, linked_delivery_id, linked_goal_id, consumed, rating, insights)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.SubscriberID, rec.Text, fmtTime(rec.ReceivedAt),
		rec.LinkedDeliveryID, rec.LinkedGoalID, boolInt(rec.Consumed), rec.Rating, rec.Insights)
	return rec.ID, err
}

const replyCols = `id, subscriber_id, text, received_at, linked_delivery_id, linked_goal_id, consumed, rating, insights`

func scanReply(row interface{ Scan(...any) error }) (ReplyRecord, error) {
	var rec ReplyRecord
	var receivedAt string
	var consumed int
	err := row.Scan(&rec.ID, &rec.SubscriberID, &rec.Text, &receivedAt,
		&rec.LinkedDeliveryID, &rec.LinkedGoalID, &consumed, &rec.Rating, &rec.Insights)
	if err != nil {
		return ReplyRecord{}, err
	}
	rec.ReceivedAt = parseTime(receivedAt)
	rec.Consumed = consumed != 0
	return rec, nil
}

// ConsumeReply returns at most one unconsumed reply linked to the goal with
// received_at > since, flipping its consumed flag in the same statement.
// A second call before a new reply arrives finds nothing: the flip and the
// read are one atomic operation on the single writer connection.
func (s *Store) ConsumeReply(ctx context.Context, goalID string, since time.Time) (ReplyRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE reply_records SET consumed = 1
		 WHERE id = (
		     SELECT id FROM reply_records
		     WHERE linked_goal_id = ? AND consumed = 0 AND linked_delivery_id != '' AND received_at > ?
		     ORDER BY received_at ASC LIMIT 1
		 )
		 RETURNING `+replyCols,
		goalID, fmtTime(since))
	rec, err := scanReply(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ReplyRecord{}, false, nil
	}
	if err != nil {
		return ReplyRecord{}, false, err
	}
	return rec, true, nil
}

// PersonaRatings aggregates average reply ratings per persona, joining rated
// replies through their linked deliveries. Personas without rated replies are
// absent from the map.
func (s *Store) PersonaRatings(ctx context.Context, subscriberID int64) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.persona_id, AVG(r.rating)
		 FROM reply_records r
		 JOIN delivery_records d ON d.id = r.linked_delivery_id
		 WHERE r.subscriber_id = ? AND r.rating > 0 AND d.persona_id != ''
		 GROUP BY d.persona_id`,
		subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var id string
		var avg float64
		if err := rows.Scan(&id, &avg); err != nil {
			return nil, err
		}
		out[id] = avg
	}
	return out, rows.Err()
}

// ---- dedup (ingestion idempotency) ----

func (s *Store) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	return err
}

func (s *Store) SeenDedup(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() <= ms, nil
}

func (s *Store) PruneDedup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
