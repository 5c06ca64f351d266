package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/linkage"
	"cadence/internal/store"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

func TestHeuristicAnalyzer(t *testing.T) {
	t.Parallel()
	an := NewHeuristicAnalyzer()

	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "explicit rating", text: "went well, 4/5 today", want: 4},
		{name: "explicit rating with spaces", text: "3 / 5 honestly", want: 3},
		{name: "explicit beats sentiment", text: "awesome day but only 2/5", want: 2},
		{name: "positive sentiment", text: "felt GREAT this morning", want: 5},
		{name: "strongest word wins", text: "hard but good", want: 4},
		{name: "negative sentiment", text: "skipped it, failed again", want: 1},
		{name: "no signal", text: "ran by the river", want: 0},
		{name: "out of range fraction ignored", text: "7/5 would do again", want: 0},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := an.Analyze(context.Background(), tc.text)
			if err != nil {
				t.Fatal(err)
			}
			if res.Rating != tc.want {
				t.Fatalf("rating: want %d, got %d", tc.want, res.Rating)
			}
			var payload struct {
				Words int `json:"words"`
			}
			if err := json.Unmarshal([]byte(res.Insights), &payload); err != nil {
				t.Fatalf("insights not JSON: %q", res.Insights)
			}
			if payload.Words == 0 {
				t.Fatalf("word count missing: %q", res.Insights)
			}
		})
	}
}

func setupService(t *testing.T) (*Service, *store.Store, int64) {
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

	linker := linkage.New(st, logx.Nop(), nil)
	svc := New(Config{}, st, linker, NewHeuristicAnalyzer(), logx.Nop())
	return svc, st, subID
}

func TestHandleLinksAndRates(t *testing.T) {
	t.Parallel()
	svc, st, subID := setupService(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	if _, err := st.AppendDelivery(ctx, store.DeliveryRecord{
		SubscriberID: subID, GoalID: "g1", SentAt: base, Success: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := svc.handle(ctx, transport.Update{
		Key:        "u1",
		Address:    "42",
		Text:       "done, 5/5",
		ReceivedAt: base.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := st.ConsumeReply(ctx, "g1", base)
	if err != nil || !ok {
		t.Fatalf("reply not stored: ok=%v err=%v", ok, err)
	}
	if rec.Rating != 5 || rec.SubscriberID != subID {
		t.Fatalf("record: %+v", rec)
	}
}

func TestHandleDropsDuplicateKey(t *testing.T) {
	t.Parallel()
	svc, st, subID := setupService(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	if _, err := st.AppendDelivery(ctx, store.DeliveryRecord{
		SubscriberID: subID, GoalID: "g1", SentAt: base, Success: true,
	}); err != nil {
		t.Fatal(err)
	}

	up := transport.Update{Key: "dup", Address: "42", Text: "done", ReceivedAt: base.Add(time.Hour)}
	if err := svc.handle(ctx, up); err != nil {
		t.Fatal(err)
	}
	if err := svc.handle(ctx, up); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := st.ConsumeReply(ctx, "g1", base); !ok {
		t.Fatal("first copy missing")
	}
	if _, ok, _ := st.ConsumeReply(ctx, "g1", base); ok {
		t.Fatal("duplicate update stored a second reply")
	}
}

func TestHandleIgnoresUnknownAddress(t *testing.T) {
	t.Parallel()
	svc, st, _ := setupService(t)
	ctx := context.Background()

	up := transport.Update{Key: "x1", Address: "9999", Text: "who dis", ReceivedAt: time.Now()}
	if err := svc.handle(ctx, up); err != nil {
		t.Fatalf("unknown sender must not error: %v", err)
	}
	// The key is remembered so repeats short-circuit.
	if seen, _ := st.SeenDedup(ctx, "x1"); !seen {
		t.Fatal("unknown sender key not deduped")
	}
}
