// Package linkage ties inbound replies to the deliveries that prompted them
// and hands each linked reply to at most one downstream consumer.
package linkage

import (
	"context"
	"errors"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/store"
	"cadence/pkg/logx"
)

// Storage is the slice of the store the linker needs.
type Storage interface {
	LatestDeliveryFor(ctx context.Context, subscriberID int64, goalID string, before time.Time) (store.DeliveryRecord, error)
	AppendReply(ctx context.Context, rec store.ReplyRecord) (string, error)
	ConsumeReply(ctx context.Context, goalID string, since time.Time) (store.ReplyRecord, bool, error)
}

type Linker struct {
	st  Storage
	log logx.Logger
	bus eventbus.Bus
}

func New(st Storage, log logx.Logger, bus eventbus.Bus) *Linker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Linker{st: st, log: log, bus: bus}
}

// Link attributes a reply to the most recent successful delivery sent to the
// subscriber at or before the reply arrived, then persists it. A caller that
// already knows which goal the reply concerns sets LinkedGoalID; attribution
// is then narrowed to that goal's deliveries. A reply with no preceding
// delivery is stored unlinked so nothing is lost; it simply never matches a
// Consume call.
func (l *Linker) Link(ctx context.Context, rec store.ReplyRecord) (store.ReplyRecord, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}

	del, err := l.st.LatestDeliveryFor(ctx, rec.SubscriberID, rec.LinkedGoalID, rec.ReceivedAt)
	switch {
	case err == nil:
		rec.LinkedDeliveryID = del.ID
		rec.LinkedGoalID = del.GoalID
	case errors.Is(err, store.ErrNotFound):
		l.log.Debug("reply stored unlinked: no prior delivery",
			logx.Int64("subscriber", rec.SubscriberID))
	default:
		return store.ReplyRecord{}, err
	}

	id, err := l.st.AppendReply(ctx, rec)
	if err != nil {
		return store.ReplyRecord{}, err
	}
	rec.ID = id

	if rec.LinkedDeliveryID != "" {
		l.log.Debug("reply linked",
			logx.String("reply", rec.ID),
			logx.String("delivery", rec.LinkedDeliveryID),
			logx.String("goal", rec.LinkedGoalID))
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: eventbus.TypeReplyLinked, Data: rec.ID})
		}
	}
	return rec, nil
}

// Consume hands out the oldest unconsumed linked reply for the goal received
// after since, marking it consumed in the same storage operation. Each reply
// is returned exactly once across all callers; ok is false when no eligible
// reply exists.
func (l *Linker) Consume(ctx context.Context, goalID string, since time.Time) (store.ReplyRecord, bool, error) {
	rec, ok, err := l.st.ConsumeReply(ctx, goalID, since)
	if err != nil || !ok {
		return store.ReplyRecord{}, false, err
	}
	l.log.Debug("reply consumed",
		logx.String("reply", rec.ID), logx.String("goal", goalID))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeReplyConsumed, Data: rec.ID})
	}
	return rec, true, nil
}
