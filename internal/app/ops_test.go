package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"cadence/internal/batch"
	"cadence/internal/dispatch"
	"cadence/internal/registry"
	"cadence/internal/store"
	"cadence/pkg/logx"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingTransport) Send(_ context.Context, address, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, address)
	return nil
}

func (r *recordingTransport) addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.sent...)
	sort.Strings(out)
	return out
}

// broadcastApp wires only the pieces Broadcast and Status touch.
func broadcastApp(t *testing.T, pageSize int) (*App, *recordingTransport) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "app.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tr := &recordingTransport{}
	queue := dispatch.New(dispatch.Config{
		Concurrency:         2,
		RetryMax:            0,
		RetryBase:           time.Millisecond,
		RetryMaxDelay:       2 * time.Millisecond,
		CircuitTripFailures: -1,
	}, tr, logx.Nop())

	reg := registry.New(st, registry.FirerFunc(func(context.Context, store.Schedule, time.Time) {}), nil, logx.Nop())

	return &App{
		log:   logx.Nop(),
		st:    st,
		queue: queue,
		reg:   reg,
		iter:  batch.New(st, pageSize, logx.Nop()),
	}, tr
}

func TestBroadcastReachesEveryActiveSubscriber(t *testing.T) {
	t.Parallel()
	a, tr := broadcastApp(t, 2) // page smaller than the population
	ctx := context.Background()

	var inactive int64
	for i := 0; i < 5; i++ {
		id, err := a.st.CreateSubscriber(ctx, store.Subscriber{
			Address:  fmt.Sprintf("%d", 100+i),
			Timezone: "UTC",
			Active:   true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if i == 2 {
			inactive = id
		}
	}
	if err := a.st.DeactivateSubscriber(ctx, inactive); err != nil {
		t.Fatal(err)
	}

	res, err := a.Broadcast(ctx, "heads up", "maintenance tonight")
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 4 || res.Failed != 0 {
		t.Fatalf("broadcast result: %+v", res)
	}
	want := []string{"100", "101", "103", "104"}
	if got := tr.addresses(); len(got) != len(want) {
		t.Fatalf("addresses: %v, want %v", got, want)
	} else {
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("addresses: %v, want %v", got, want)
			}
		}
	}

	status := a.Status(ctx)
	if status.Subscribers != 4 {
		t.Fatalf("status subscribers: %d", status.Subscribers)
	}
	if status.Sent != 4 {
		t.Fatalf("status sent: %d", status.Sent)
	}
}
