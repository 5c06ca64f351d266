package app

import (
	"context"
	"time"

	"cadence/internal/dispatch"
	"cadence/internal/schedule"
	"cadence/internal/store"
	"cadence/pkg/logx"
)

// UpsertSchedule validates and writes a new schedule version, then brings the
// owner's registry entries in line. Invalid schedules are rejected before
// anything is written.
func (a *App) UpsertSchedule(ctx context.Context, sch store.Schedule) (store.Schedule, error) {
	if err := schedule.Validate(sch); err != nil {
		return store.Schedule{}, err
	}
	out, err := a.st.UpsertScheduleVersion(ctx, sch)
	if err != nil {
		return store.Schedule{}, err
	}
	if _, _, err := a.reg.SyncOwner(ctx, out.SubscriberID); err != nil {
		a.log.Warn("registry sync after upsert failed",
			logx.Int64("subscriber", out.SubscriberID), logx.Any("err", err))
	}
	return out, nil
}

// PauseSchedule stops future instants for the schedule: the flag is persisted
// and the pending registry entries are deregistered immediately.
func (a *App) PauseSchedule(ctx context.Context, scheduleID string) error {
	return a.setPaused(ctx, scheduleID, true)
}

// ResumeSchedule re-registers the schedule's pending instants.
func (a *App) ResumeSchedule(ctx context.Context, scheduleID string) error {
	return a.setPaused(ctx, scheduleID, false)
}

func (a *App) setPaused(ctx context.Context, scheduleID string, paused bool) error {
	if err := a.st.SetSchedulePaused(ctx, scheduleID, paused); err != nil {
		return err
	}
	sch, err := a.st.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	_, _, err = a.reg.SyncOwner(ctx, sch.SubscriberID)
	return err
}

// SkipNext suppresses exactly one upcoming instant of the schedule.
func (a *App) SkipNext(ctx context.Context, scheduleID string) error {
	return a.st.SetSkipNext(ctx, scheduleID)
}

// TriggerNow delivers to the subscriber immediately, outside any schedule.
func (a *App) TriggerNow(ctx context.Context, subscriberID int64, goalID string) error {
	return a.pipeline.TriggerNow(ctx, subscriberID, goalID)
}

// StreakStatus is the current streak surface for one subscriber.
type StreakStatus struct {
	Count          int
	LastDeliveryAt time.Time
}

func (a *App) StreakStatus(ctx context.Context, subscriberID int64) (StreakStatus, error) {
	sub, err := a.st.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return StreakStatus{}, err
	}
	return StreakStatus{Count: sub.StreakCount, LastDeliveryAt: sub.LastDeliveryAt}, nil
}

// RecomputeStreak replays the subscriber's delivery history and repairs the
// live counter if it drifted.
func (a *App) RecomputeStreak(ctx context.Context, subscriberID int64) (int, error) {
	return a.streaks.Recompute(ctx, subscriberID)
}

// IngestReply records a reply received outside the transport (manual entry,
// import). It runs the same analysis and linkage as transport ingestion. A
// non-empty goalID narrows attribution to that goal's deliveries.
func (a *App) IngestReply(ctx context.Context, subscriberID int64, goalID, text string, receivedAt time.Time) (store.ReplyRecord, error) {
	rec := store.ReplyRecord{
		SubscriberID: subscriberID,
		LinkedGoalID: goalID,
		Text:         text,
		ReceivedAt:   receivedAt,
	}
	if a.analyzer != nil {
		if res, err := a.analyzer.Analyze(ctx, text); err == nil {
			rec.Rating = res.Rating
			rec.Insights = res.Insights
		} else {
			a.log.Warn("reply analysis failed; storing unrated",
				logx.Int64("subscriber", subscriberID), logx.Any("err", err))
		}
	}
	return a.linker.Link(ctx, rec)
}

// Resync walks every active subscriber and reconciles their registry entries
// against storage. Returns the number of owners visited.
func (a *App) Resync(ctx context.Context) (int, error) {
	return a.iter.ForEach(ctx, store.SubscriberFilter{OnlyActive: true},
		func(c context.Context, sub store.Subscriber) error {
			_, _, err := a.reg.SyncOwner(c, sub.ID)
			return err
		})
}

// DeactivateSubscriber soft-deletes the subscriber and drops their entries.
func (a *App) DeactivateSubscriber(ctx context.Context, subscriberID int64) error {
	if err := a.st.DeactivateSubscriber(ctx, subscriberID); err != nil {
		return err
	}
	a.reg.CancelOwner(subscriberID)
	return nil
}

// Broadcast sends one ad-hoc message to every active subscriber. Pages are
// dispatched as bounded waves, so outstanding sends stay proportional to the
// dispatch permit pool rather than the population size.
func (a *App) Broadcast(ctx context.Context, subject, body string) (dispatch.WaveResult, error) {
	var total dispatch.WaveResult
	visited, err := a.iter.ForEachPage(ctx, store.SubscriberFilter{OnlyActive: true},
		func(c context.Context, page []store.Subscriber) error {
			tasks := make([]dispatch.Task, 0, len(page))
			for _, sub := range page {
				tasks = append(tasks, dispatch.Task{
					Address: sub.Address,
					Subject: subject,
					Body:    body,
				})
			}
			res := a.queue.SubmitWave(c, tasks)
			total.Sent += res.Sent
			total.Failed += res.Failed
			return nil
		})
	a.log.Info("broadcast finished",
		logx.Int("visited", visited),
		logx.Int("sent", total.Sent),
		logx.Int("failed", total.Failed))
	return total, err
}

// Status is the operational snapshot surface.
type Status struct {
	Subscribers int
	Registry    int
	Fired       uint64
	InFlight    int
	Sent        uint64
	Failed      uint64
	Saturated   uint64
}

func (a *App) Status(ctx context.Context) Status {
	rs := a.reg.Snapshot()
	qs := a.queue.Snapshot()
	subs, err := a.st.CountSubscribers(ctx, store.SubscriberFilter{OnlyActive: true})
	if err != nil {
		a.log.Warn("subscriber count unavailable", logx.Any("err", err))
	}
	return Status{
		Subscribers: subs,
		Registry:    rs.Entries,
		Fired:       rs.Fired,
		InFlight:    qs.InFlight,
		Sent:        qs.Sent,
		Failed:      qs.Failed,
		Saturated:   qs.Saturated,
	}
}
