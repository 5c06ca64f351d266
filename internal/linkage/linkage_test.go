package linkage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/store"
	"cadence/pkg/logx"
)

func setup(t *testing.T) (*store.Store, *Linker, int64) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	subID, err := st.CreateSubscriber(context.Background(), store.Subscriber{
		Address: "42", Timezone: "UTC", Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return st, New(st, logx.Nop(), nil), subID
}

func TestLinkAttributesToLatestDelivery(t *testing.T) {
	t.Parallel()
	st, l, subID := setup(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	if _, err := st.AppendDelivery(ctx, store.DeliveryRecord{
		SubscriberID: subID, GoalID: "g1", SentAt: base, Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	latest, err := st.AppendDelivery(ctx, store.DeliveryRecord{
		SubscriberID: subID, GoalID: "g2", SentAt: base.Add(time.Hour), Success: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := l.Link(ctx, store.ReplyRecord{
		SubscriberID: subID,
		Text:         "did it",
		ReceivedAt:   base.Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.LinkedDeliveryID != latest || rec.LinkedGoalID != "g2" {
		t.Fatalf("linked to %q/%q, want %q/g2", rec.LinkedDeliveryID, rec.LinkedGoalID, latest)
	}
}

func TestLinkGoalHintNarrowsAttribution(t *testing.T) {
	t.Parallel()
	st, l, subID := setup(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	g1Del, err := st.AppendDelivery(ctx, store.DeliveryRecord{
		SubscriberID: subID, GoalID: "g1", SentAt: base, Success: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendDelivery(ctx, store.DeliveryRecord{
		SubscriberID: subID, GoalID: "g2", SentAt: base.Add(time.Hour), Success: true,
	}); err != nil {
		t.Fatal(err)
	}

	// The hint pins attribution to g1 even though g2 delivered more recently.
	rec, err := l.Link(ctx, store.ReplyRecord{
		SubscriberID: subID,
		Text:         "about the run",
		ReceivedAt:   base.Add(90 * time.Minute),
		LinkedGoalID: "g1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.LinkedDeliveryID != g1Del || rec.LinkedGoalID != "g1" {
		t.Fatalf("linked to %q/%q, want %q/g1", rec.LinkedDeliveryID, rec.LinkedGoalID, g1Del)
	}
}

func TestLinkWithoutPriorDeliveryStoresUnlinked(t *testing.T) {
	t.Parallel()
	_, l, subID := setup(t)

	rec, err := l.Link(context.Background(), store.ReplyRecord{
		SubscriberID: subID,
		Text:         "hello?",
		ReceivedAt:   time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unlinked reply must still persist: %v", err)
	}
	if rec.ID == "" || rec.LinkedDeliveryID != "" {
		t.Fatalf("record: %+v", rec)
	}
}

func TestConsumeHandsOutEachReplyOnce(t *testing.T) {
	t.Parallel()
	st, l, subID := setup(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	if _, err := st.AppendDelivery(ctx, store.DeliveryRecord{
		SubscriberID: subID, GoalID: "g1", SentAt: base, Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	for i, text := range []string{"first", "second"} {
		if _, err := l.Link(ctx, store.ReplyRecord{
			SubscriberID: subID,
			Text:         text,
			ReceivedAt:   base.Add(time.Duration(i+1) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Oldest first, each handed out exactly once.
	rec, ok, err := l.Consume(ctx, "g1", base)
	if err != nil || !ok || rec.Text != "first" {
		t.Fatalf("first consume: %+v ok=%v err=%v", rec, ok, err)
	}
	rec, ok, err = l.Consume(ctx, "g1", base)
	if err != nil || !ok || rec.Text != "second" {
		t.Fatalf("second consume: %+v ok=%v err=%v", rec, ok, err)
	}
	if _, ok, err := l.Consume(ctx, "g1", base); err != nil || ok {
		t.Fatalf("third consume must find nothing: ok=%v err=%v", ok, err)
	}
}

func TestConsumeRespectsSince(t *testing.T) {
	t.Parallel()
	st, l, subID := setup(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	if _, err := st.AppendDelivery(ctx, store.DeliveryRecord{
		SubscriberID: subID, GoalID: "g1", SentAt: base, Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Link(ctx, store.ReplyRecord{
		SubscriberID: subID, Text: "old", ReceivedAt: base.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := l.Consume(ctx, "g1", base.Add(time.Hour)); ok {
		t.Fatal("reply older than since was consumed")
	}
	if _, ok, _ := l.Consume(ctx, "g1", base); !ok {
		t.Fatal("reply newer than since not found")
	}
}
