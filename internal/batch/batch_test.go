package batch

import (
	"context"
	"errors"
	"testing"

	"cadence/internal/store"
	"cadence/pkg/logx"
)

// fakePager serves a fixed population with keyset semantics.
type fakePager struct {
	subs  []store.Subscriber
	pages int
	fail  bool
}

func (f *fakePager) ListSubscribersPage(_ context.Context, afterID int64, limit int, filter store.SubscriberFilter) ([]store.Subscriber, error) {
	if f.fail {
		return nil, errors.New("db gone")
	}
	f.pages++
	var out []store.Subscriber
	for _, s := range f.subs {
		if s.ID <= afterID {
			continue
		}
		if filter.OnlyActive && !s.Active {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func population(n int) []store.Subscriber {
	out := make([]store.Subscriber, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, store.Subscriber{ID: int64(i), Active: true})
	}
	return out
}

func TestForEachVisitsEveryoneOnce(t *testing.T) {
	t.Parallel()
	p := &fakePager{subs: population(10)}
	it := New(p, 3, logx.Nop())

	seen := map[int64]int{}
	n, err := it.ForEach(context.Background(), store.SubscriberFilter{}, func(_ context.Context, sub store.Subscriber) error {
		seen[sub.ID]++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 || len(seen) != 10 {
		t.Fatalf("visited %d, distinct %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("subscriber %d visited %d times", id, c)
		}
	}
}

func TestForEachSkipsFailedSubscriber(t *testing.T) {
	t.Parallel()
	p := &fakePager{subs: population(5)}
	it := New(p, 2, logx.Nop())

	n, err := it.ForEach(context.Background(), store.SubscriberFilter{}, func(_ context.Context, sub store.Subscriber) error {
		if sub.ID == 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("want 4 successful visits, got %d", n)
	}
}

func TestForEachAbortsOnPageError(t *testing.T) {
	t.Parallel()
	p := &fakePager{fail: true}
	it := New(p, 2, logx.Nop())

	if _, err := it.ForEach(context.Background(), store.SubscriberFilter{}, func(context.Context, store.Subscriber) error {
		return nil
	}); err == nil {
		t.Fatal("page error must abort the run")
	}
}

func TestForEachStopsOnCancel(t *testing.T) {
	t.Parallel()
	p := &fakePager{subs: population(20)}
	it := New(p, 5, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	n, err := it.ForEach(ctx, store.SubscriberFilter{}, func(_ context.Context, sub store.Subscriber) error {
		if sub.ID == 7 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if n >= 20 {
		t.Fatalf("cancel did not stop the run: visited %d", n)
	}
}

func TestForEachPage(t *testing.T) {
	t.Parallel()
	p := &fakePager{subs: population(7)}
	it := New(p, 3, logx.Nop())

	var sizes []int
	n, err := it.ForEachPage(context.Background(), store.SubscriberFilter{}, func(_ context.Context, page []store.Subscriber) error {
		sizes = append(sizes, len(page))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("want 7 visited, got %d", n)
	}
	want := []int{3, 3, 1}
	if len(sizes) != len(want) {
		t.Fatalf("pages: %v", sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("page sizes: %v, want %v", sizes, want)
		}
	}
}
