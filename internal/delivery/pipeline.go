// Package delivery runs the fire-time pipeline: persona rotation, reply
// context pickup, content generation, dispatch, and streak accounting.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cadence/internal/dispatch"
	"cadence/internal/eventbus"
	"cadence/internal/linkage"
	"cadence/internal/rotation"
	"cadence/internal/store"
	"cadence/internal/streak"
	"cadence/pkg/logx"
)

// Storage is the slice of the store the pipeline needs.
type Storage interface {
	GetSubscriber(ctx context.Context, id int64) (store.Subscriber, error)
	GetGoal(ctx context.Context, id string) (store.Goal, error)
	ListPersonas(ctx context.Context, subscriberID int64, onlyActive bool) ([]store.Persona, error)
	PersonaRatings(ctx context.Context, subscriberID int64) (map[string]float64, error)
	UpdateRotationCursor(ctx context.Context, id int64, cursor int) error
	ConsumeSkipNext(ctx context.Context, id string) (bool, error)
	AppendDelivery(ctx context.Context, rec store.DeliveryRecord) (string, error)
}

// Prompt is everything the content generator gets to work with.
type Prompt struct {
	GoalTitle    string
	GoalCategory string
	Voice        string
	Streak       int
	ReplyText    string // "" when no reply context
	FiredAt      time.Time
}

// Message is a generated notification.
type Message struct {
	Subject string
	Body    string
}

// Generator produces notification content. Failures never block a delivery;
// the pipeline substitutes its configured fallback message.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (Message, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, p Prompt) (Message, error)

func (f GeneratorFunc) Generate(ctx context.Context, p Prompt) (Message, error) { return f(ctx, p) }

type Config struct {
	// Fallback persona used when a subscriber has no active personas.
	FallbackPersonaKind  store.PersonaKind
	FallbackPersonaValue string

	// Fallback message used when generation fails.
	FallbackSubject string
	FallbackBody    string
}

func (c Config) withDefaults() Config {
	if c.FallbackPersonaValue == "" {
		c.FallbackPersonaKind = store.PersonaTone
		c.FallbackPersonaValue = "encouraging"
	}
	if c.FallbackSubject == "" {
		c.FallbackSubject = "Your daily nudge"
	}
	if c.FallbackBody == "" {
		c.FallbackBody = "Keep going. One step today is all it takes."
	}
	return c
}

type Pipeline struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	st       Storage
	selector *rotation.Selector
	linker   *linkage.Linker
	gen      Generator
	queue    *dispatch.Queue
	streaks  *streak.Tracker
}

func New(cfg Config, st Storage, linker *linkage.Linker, gen Generator, queue *dispatch.Queue, streaks *streak.Tracker, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		st:       st,
		selector: rotation.NewSelector(),
		linker:   linker,
		gen:      gen,
		queue:    queue,
		streaks:  streaks,
	}
}

// Fire is the registry callback for a scheduled instant. A pending skip-next
// on the schedule swallows exactly this one instant.
func (p *Pipeline) Fire(ctx context.Context, sch store.Schedule, at time.Time) {
	skipped, err := p.st.ConsumeSkipNext(ctx, sch.ID)
	if err != nil {
		p.log.Error("skip-next check failed",
			logx.String("schedule", sch.ID), logx.Any("err", err))
		return
	}
	if skipped {
		p.log.Info("instant skipped",
			logx.String("schedule", sch.ID), logx.Time("at", at))
		return
	}
	if err := p.run(ctx, sch, at, true); err != nil {
		p.log.Error("delivery failed",
			logx.String("schedule", sch.ID),
			logx.Int64("subscriber", sch.SubscriberID),
			logx.Any("err", err))
	}
}

// TriggerNow delivers immediately, outside any schedule. A pending skip-next
// flag is left untouched; it still applies to the next scheduled instant.
// Unlike scheduled fires, a saturated dispatch queue fails the call right away
// instead of queueing behind scheduled traffic.
func (p *Pipeline) TriggerNow(ctx context.Context, subscriberID int64, goalID string) error {
	sch := store.Schedule{SubscriberID: subscriberID, GoalID: goalID}
	return p.run(ctx, sch, time.Now().UTC(), false)
}

func (p *Pipeline) run(ctx context.Context, sch store.Schedule, at time.Time, block bool) error {
	sub, err := p.st.GetSubscriber(ctx, sch.SubscriberID)
	if err != nil {
		return fmt.Errorf("load subscriber: %w", err)
	}
	if !sub.Active {
		p.log.Debug("delivery dropped: subscriber inactive", logx.Int64("subscriber", sub.ID))
		return nil
	}

	loc, lerr := time.LoadLocation(sub.Timezone)
	if lerr != nil {
		loc = time.UTC
	}

	persona, newCursor, err := p.pickPersona(ctx, sub, at, loc)
	if err != nil {
		return fmt.Errorf("pick persona: %w", err)
	}

	var goal store.Goal
	if sch.GoalID != "" {
		goal, err = p.st.GetGoal(ctx, sch.GoalID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load goal: %w", err)
		}
	}

	// Reply context: at most one unconsumed reply per fire, and only replies
	// that arrived after the previous delivery.
	var replyText string
	if p.linker != nil {
		reply, ok, cerr := p.linker.Consume(ctx, sch.GoalID, sub.LastDeliveryAt)
		if cerr != nil {
			p.log.Warn("reply pickup failed; delivering without context",
				logx.String("schedule", sch.ID), logx.Any("err", cerr))
		} else if ok {
			replyText = reply.Text
		}
	}

	msg := p.generate(ctx, Prompt{
		GoalTitle:    goal.Title,
		GoalCategory: goal.Category,
		Voice:        rotation.Voice(persona),
		Streak:       sub.StreakCount,
		ReplyText:    replyText,
		FiredAt:      at,
	})

	task := dispatch.Task{
		Address: sub.Address,
		Subject: msg.Subject,
		Body:    msg.Body,
	}
	var sendErr error
	if block {
		sendErr = p.queue.Submit(ctx, task)
	} else {
		sendErr = p.queue.TrySubmit(ctx, task)
	}

	rec := store.DeliveryRecord{
		SubscriberID: sub.ID,
		GoalID:       sch.GoalID,
		PersonaID:    persona.ID,
		PersonaValue: persona.Value,
		SentAt:       at,
		Success:      sendErr == nil,
	}

	if sendErr != nil {
		rec.Error = sendErr.Error()
		if _, aerr := p.st.AppendDelivery(ctx, rec); aerr != nil {
			p.log.Error("delivery record append failed", logx.Any("err", aerr))
		}
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: sub.ID})
		}
		return fmt.Errorf("send: %w", sendErr)
	}

	// Streak advances only on confirmed sends; the record carries the streak
	// value after this delivery.
	count, serr := p.streaks.RecordDelivery(ctx, sub.ID, at)
	if serr != nil {
		p.log.Error("streak update failed", logx.Int64("subscriber", sub.ID), logx.Any("err", serr))
		count = sub.StreakCount
	}
	rec.Streak = count
	if _, aerr := p.st.AppendDelivery(ctx, rec); aerr != nil {
		p.log.Error("delivery record append failed", logx.Any("err", aerr))
	}

	if newCursor != sub.RotationCursor {
		if uerr := p.st.UpdateRotationCursor(ctx, sub.ID, newCursor); uerr != nil {
			p.log.Warn("rotation cursor update failed", logx.Int64("subscriber", sub.ID), logx.Any("err", uerr))
		}
	}

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySent, Data: sub.ID})
	}
	p.log.Info("delivered",
		logx.Int64("subscriber", sub.ID),
		logx.String("schedule", sch.ID),
		logx.String("persona", persona.Value),
		logx.Int("streak", count))
	return nil
}

func (p *Pipeline) pickPersona(ctx context.Context, sub store.Subscriber, at time.Time, loc *time.Location) (store.Persona, int, error) {
	personas, err := p.st.ListPersonas(ctx, sub.ID, true)
	if err != nil {
		return store.Persona{}, sub.RotationCursor, err
	}

	var ratings map[string]float64
	if rotation.ParsePolicy(sub.RotationPolicy) == rotation.PolicyWeighted {
		ratings, err = p.st.PersonaRatings(ctx, sub.ID)
		if err != nil {
			p.log.Warn("persona ratings unavailable", logx.Int64("subscriber", sub.ID), logx.Any("err", err))
			ratings = nil
		}
	}

	persona, cursor, err := p.selector.Select(sub, personas, ratings, at, loc)
	if errors.Is(err, rotation.ErrNoPersonas) {
		return store.Persona{
			Kind:  p.cfg.FallbackPersonaKind,
			Value: p.cfg.FallbackPersonaValue,
		}, sub.RotationCursor, nil
	}
	if err != nil {
		return store.Persona{}, sub.RotationCursor, err
	}
	return persona, cursor, nil
}

func (p *Pipeline) generate(ctx context.Context, prompt Prompt) Message {
	if p.gen != nil {
		msg, err := p.gen.Generate(ctx, prompt)
		if err == nil && msg.Body != "" {
			return msg
		}
		if err != nil {
			p.log.Warn("content generation failed; using fallback", logx.Any("err", err))
		}
	}
	return Message{Subject: p.cfg.FallbackSubject, Body: p.cfg.FallbackBody}
}
