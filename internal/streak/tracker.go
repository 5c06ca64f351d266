package streak

import (
	"context"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/store"
	"cadence/pkg/logx"
)

// Storage is the slice of the store the tracker needs.
type Storage interface {
	GetSubscriber(ctx context.Context, id int64) (store.Subscriber, error)
	UpdateStreak(ctx context.Context, id int64, count int, lastAt time.Time) error
	ListSuccessfulDeliveries(ctx context.Context, subscriberID int64) ([]store.DeliveryRecord, error)
}

// Tracker is the single writer of subscriber streak fields.
type Tracker struct {
	st  Storage
	log logx.Logger
	bus eventbus.Bus
}

func NewTracker(st Storage, log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{st: st, log: log, bus: bus}
}

// RecordDelivery advances the subscriber's streak for a successful delivery
// at the given instant and persists the result. It returns the streak count
// to stamp onto the DeliveryRecord.
func (t *Tracker) RecordDelivery(ctx context.Context, subscriberID int64, at time.Time) (int, error) {
	sub, err := t.st.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return 0, err
	}
	loc := t.location(sub)

	st, outcome := Advance(State{Count: sub.StreakCount, LastAt: sub.LastDeliveryAt}, at, loc)

	switch outcome {
	case OutcomeAnomaly:
		t.log.Warn("out-of-order delivery instant; streak unchanged",
			logx.Int64("subscriber", subscriberID),
			logx.Time("last", sub.LastDeliveryAt),
			logx.Time("new", at))
	case OutcomeReset:
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{Type: eventbus.TypeStreakReset, Data: subscriberID})
		}
	case OutcomeExtended, OutcomeFirst:
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{Type: eventbus.TypeStreakAdvanced, Data: subscriberID})
		}
	}

	if err := t.st.UpdateStreak(ctx, subscriberID, st.Count, st.LastAt); err != nil {
		return 0, err
	}
	t.log.Debug("streak updated",
		logx.Int64("subscriber", subscriberID),
		logx.String("outcome", outcome.String()),
		logx.Int("count", st.Count))
	return st.Count, nil
}

// Recompute replays the subscriber's successful deliveries and rewrites the
// live streak fields. Delivery records carry the streak at send time, so the
// live counter can always be rebuilt if it drifts.
func (t *Tracker) Recompute(ctx context.Context, subscriberID int64) (int, error) {
	sub, err := t.st.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return 0, err
	}
	loc := t.location(sub)

	recs, err := t.st.ListSuccessfulDeliveries(ctx, subscriberID)
	if err != nil {
		return 0, err
	}

	var st State
	for _, rec := range recs {
		st, _ = Advance(st, rec.SentAt, loc)
	}

	if st.Count != sub.StreakCount || !st.LastAt.Equal(sub.LastDeliveryAt) {
		t.log.Info("streak recomputed",
			logx.Int64("subscriber", subscriberID),
			logx.Int("was", sub.StreakCount),
			logx.Int("now", st.Count))
		if err := t.st.UpdateStreak(ctx, subscriberID, st.Count, st.LastAt); err != nil {
			return 0, err
		}
	}
	return st.Count, nil
}

func (t *Tracker) location(sub store.Subscriber) *time.Location {
	loc, err := time.LoadLocation(sub.Timezone)
	if err != nil {
		t.log.Warn("invalid subscriber timezone; falling back to UTC",
			logx.Int64("subscriber", sub.ID), logx.String("tz", sub.Timezone))
		return time.UTC
	}
	return loc
}
