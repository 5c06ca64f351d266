package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cadence/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "cadence.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addSubscriber(t *testing.T, s *Store, address string) int64 {
	t.Helper()
	id, err := s.CreateSubscriber(context.Background(), Subscriber{
		Address:  address,
		Timezone: "UTC",
		Active:   true,
	})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}
	return id
}

func TestSubscriberRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	id := addSubscriber(t, s, "1001")
	sub, err := s.GetSubscriber(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Address != "1001" || !sub.Active || sub.RotationPolicy != "sequential" {
		t.Fatalf("unexpected subscriber: %+v", sub)
	}
	if !sub.LastDeliveryAt.IsZero() {
		t.Fatalf("fresh subscriber has LastDeliveryAt %v", sub.LastDeliveryAt)
	}

	byAddr, err := s.GetSubscriberByAddress(ctx, "1001")
	if err != nil || byAddr.ID != id {
		t.Fatalf("by address: %+v err=%v", byAddr, err)
	}

	if _, err := s.GetSubscriber(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListSubscribersPageKeyset(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 7; i++ {
		ids = append(ids, addSubscriber(t, s, "a"+string(rune('0'+i))))
	}
	if err := s.DeactivateSubscriber(ctx, ids[2]); err != nil {
		t.Fatal(err)
	}

	seen := map[int64]int{}
	var after int64
	for {
		page, err := s.ListSubscribersPage(ctx, after, 3, SubscriberFilter{OnlyActive: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		for _, sub := range page {
			seen[sub.ID]++
			if sub.ID <= after {
				t.Fatalf("page not strictly ascending: id %d after cursor %d", sub.ID, after)
			}
			after = sub.ID
		}
	}

	if len(seen) != 6 {
		t.Fatalf("want 6 active visited, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("subscriber %d visited %d times", id, n)
		}
	}
	if _, ok := seen[ids[2]]; ok {
		t.Fatal("deactivated subscriber visited")
	}
}

func TestScheduleVersioning(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	subID := addSubscriber(t, s, "2001")

	base := Schedule{
		SubscriberID: subID,
		Slot:         "morning",
		Kind:         FreqDaily,
		Times:        []TimeOfDay{{Hour: 8}},
		Timezone:     "UTC",
	}
	v1, err := s.UpsertScheduleVersion(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Version != 1 || !v1.Active {
		t.Fatalf("v1: %+v", v1)
	}

	base.ID = ""
	base.Times = []TimeOfDay{{Hour: 9}}
	v2, err := s.UpsertScheduleVersion(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Version != 2 {
		t.Fatalf("want version 2, got %d", v2.Version)
	}

	// Prior version still exists, deactivated.
	old, err := s.GetSchedule(ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Active {
		t.Fatal("prior version still active")
	}

	active, err := s.ListActiveSchedules(ctx, subID)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != v2.ID {
		t.Fatalf("active set: %+v", active)
	}
	if active[0].Times[0].Hour != 9 {
		t.Fatalf("active version has stale times: %+v", active[0].Times)
	}
}

func TestConsumeSkipNextExactlyOnce(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	subID := addSubscriber(t, s, "3001")

	sch, err := s.UpsertScheduleVersion(ctx, Schedule{
		SubscriberID: subID,
		Slot:         "evening",
		Kind:         FreqDaily,
		Times:        []TimeOfDay{{Hour: 20}},
		Timezone:     "UTC",
	})
	if err != nil {
		t.Fatal(err)
	}

	if got, _ := s.ConsumeSkipNext(ctx, sch.ID); got {
		t.Fatal("consume without flag set")
	}
	if err := s.SetSkipNext(ctx, sch.ID); err != nil {
		t.Fatal(err)
	}
	first, err := s.ConsumeSkipNext(ctx, sch.ID)
	if err != nil || !first {
		t.Fatalf("first consume: %v %v", first, err)
	}
	second, err := s.ConsumeSkipNext(ctx, sch.ID)
	if err != nil || second {
		t.Fatalf("second consume must be false: %v %v", second, err)
	}
}

func TestConsumeReplyExactlyOnce(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	subID := addSubscriber(t, s, "4001")
	sent := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	delID, err := s.AppendDelivery(ctx, DeliveryRecord{
		SubscriberID: subID,
		GoalID:       "goal-1",
		SentAt:       sent,
		Success:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendReply(ctx, ReplyRecord{
		SubscriberID:     subID,
		Text:             "done, felt great",
		ReceivedAt:       sent.Add(time.Hour),
		LinkedDeliveryID: delID,
		LinkedGoalID:     "goal-1",
	}); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := s.ConsumeReply(ctx, "goal-1", sent)
	if err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	if rec.Text != "done, felt great" || !rec.Consumed {
		t.Fatalf("consumed record: %+v", rec)
	}

	if _, ok, err := s.ConsumeReply(ctx, "goal-1", sent); err != nil || ok {
		t.Fatalf("second consume must find nothing: ok=%v err=%v", ok, err)
	}

	// Unlinked replies are never handed out.
	if _, err := s.AppendReply(ctx, ReplyRecord{
		SubscriberID: subID,
		Text:         "stray",
		ReceivedAt:   sent.Add(2 * time.Hour),
		LinkedGoalID: "goal-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.ConsumeReply(ctx, "goal-1", sent); ok {
		t.Fatal("unlinked reply consumed")
	}
}

func TestLatestDeliveryFor(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	subID := addSubscriber(t, s, "5001")
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	for i, rec := range []DeliveryRecord{
		{SubscriberID: subID, GoalID: "g1", SentAt: base, Success: true},
		{SubscriberID: subID, GoalID: "g2", SentAt: base.Add(time.Hour), Success: true},
		{SubscriberID: subID, GoalID: "g1", SentAt: base.Add(2 * time.Hour), Success: false},
	} {
		if _, err := s.AppendDelivery(ctx, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := s.LatestDeliveryFor(ctx, subID, "", base.Add(3*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	// The failed delivery never anchors linkage.
	if got.GoalID != "g2" {
		t.Fatalf("want g2 (latest success), got %+v", got)
	}

	got, err = s.LatestDeliveryFor(ctx, subID, "g1", base.Add(3*time.Hour))
	if err != nil || got.GoalID != "g1" {
		t.Fatalf("goal filter: %+v err=%v", got, err)
	}

	if _, err := s.LatestDeliveryFor(ctx, subID, "", base.Add(-time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("before any delivery: %v", err)
	}
}

func TestPersonaRatings(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	subID := addSubscriber(t, s, "6001")
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	pa, _ := s.AddPersona(ctx, Persona{SubscriberID: subID, Kind: PersonaTone, Value: "gentle", Active: true})
	pb, _ := s.AddPersona(ctx, Persona{SubscriberID: subID, Kind: PersonaTone, Value: "stern", Active: true})

	mkDelivery := func(personaID string, at time.Time) string {
		id, err := s.AppendDelivery(ctx, DeliveryRecord{
			SubscriberID: subID, PersonaID: personaID, SentAt: at, Success: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	mkReply := func(deliveryID string, rating int, at time.Time) {
		if _, err := s.AppendReply(ctx, ReplyRecord{
			SubscriberID: subID, Text: "r", ReceivedAt: at,
			LinkedDeliveryID: deliveryID, Rating: rating,
		}); err != nil {
			t.Fatal(err)
		}
	}

	mkReply(mkDelivery(pa, base), 5, base.Add(time.Minute))
	mkReply(mkDelivery(pa, base.Add(time.Hour)), 3, base.Add(61*time.Minute))
	mkReply(mkDelivery(pb, base.Add(2*time.Hour)), 2, base.Add(121*time.Minute))
	// Unrated reply contributes nothing.
	mkReply(mkDelivery(pb, base.Add(3*time.Hour)), 0, base.Add(181*time.Minute))

	ratings, err := s.PersonaRatings(ctx, subID)
	if err != nil {
		t.Fatal(err)
	}
	if got := ratings[pa]; got != 4 {
		t.Fatalf("persona a: want avg 4, got %v", got)
	}
	if got := ratings[pb]; got != 2 {
		t.Fatalf("persona b: want avg 2, got %v", got)
	}
}

func TestTimeComparisonsAcrossFractionalSeconds(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	subID := addSubscriber(t, s, "7001")

	// Schedule fires land on whole seconds; reply instants carry fractions.
	// Mixed precision must not break SQL ordering on the TEXT columns.
	whole := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	fractional := whole.Add(500 * time.Millisecond)

	if _, err := s.AppendDelivery(ctx, DeliveryRecord{
		SubscriberID: subID, GoalID: "g1", SentAt: whole, Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.LatestDeliveryFor(ctx, subID, "", fractional)
	if err != nil {
		t.Fatalf("whole-second delivery not visible at +500ms: %v", err)
	}
	if !got.SentAt.Equal(whole) {
		t.Fatalf("sent_at round trip: %v", got.SentAt)
	}

	if _, err := s.AppendReply(ctx, ReplyRecord{
		SubscriberID:     subID,
		Text:             "on the half second",
		ReceivedAt:       fractional,
		LinkedDeliveryID: got.ID,
		LinkedGoalID:     "g1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.ConsumeReply(ctx, "g1", whole); err != nil || !ok {
		t.Fatalf("fractional reply not found after whole-second since: ok=%v err=%v", ok, err)
	}
}

func TestCloseTwiceReturnsErrClosed(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "close.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed on second close, got %v", err)
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	if seen, _ := s.SeenDedup(ctx, "k1"); seen {
		t.Fatal("unseen key reported seen")
	}
	if err := s.PutDedup(ctx, "k1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if seen, _ := s.SeenDedup(ctx, "k1"); !seen {
		t.Fatal("fresh key not seen")
	}

	// Expired keys stop matching and prune away.
	if err := s.PutDedup(ctx, "k2", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if seen, _ := s.SeenDedup(ctx, "k2"); seen {
		t.Fatal("expired key reported seen")
	}
	if err := s.PruneDedup(ctx); err != nil {
		t.Fatal(err)
	}
	if seen, _ := s.SeenDedup(ctx, "k1"); !seen {
		t.Fatal("prune removed a live key")
	}
}
