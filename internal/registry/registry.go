// Package registry maintains the live set of cron entries, one per active
// schedule time slot. Registration is idempotent: syncing an owner twice with
// unchanged schedules leaves the entry set identical.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/eventbus"
	"cadence/internal/schedule"
	"cadence/internal/store"
	"cadence/pkg/logx"
)

// Firer receives fire events for registered slots. The registry guarantees at
// most one in-flight Fire per entry; overlapping ticks are skipped.
type Firer interface {
	Fire(ctx context.Context, sch store.Schedule, at time.Time)
}

// FirerFunc adapts a plain function to the Firer interface.
type FirerFunc func(ctx context.Context, sch store.Schedule, at time.Time)

func (f FirerFunc) Fire(ctx context.Context, sch store.Schedule, at time.Time) { f(ctx, sch, at) }

// Storage is the slice of the store the registry needs.
type Storage interface {
	ListActiveSchedules(ctx context.Context, subscriberID int64) ([]store.Schedule, error)
}

const ownerShards = 64

type entry struct {
	cronID  cron.EntryID
	sch     store.Schedule
	slot    int
	running int32 // no-overlap gate
}

type Registry struct {
	log   logx.Logger
	bus   eventbus.Bus
	st    Storage
	firer Firer

	cron *cron.Cron

	// Two-level index: owner lookup is O(1) and a sync touches only that
	// owner's entries, so a population-wide resync stays linear.
	mu      sync.Mutex
	entries map[string]map[string]*entry // ownerKey -> slotKey -> entry

	// Per-owner locks serialize sync/cancel for one owner without blocking
	// unrelated owners.
	ownerLocks [ownerShards]sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	synced uint64
	fired  uint64
}

func New(st Storage, firer Firer, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:     log,
		bus:     bus,
		st:      st,
		firer:   firer,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		entries: make(map[string]map[string]*entry),
	}
}

// Start begins ticking. Fire callbacks run until Stop.
func (r *Registry) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron.Start()
	r.log.Info("registry started")
}

// Stop halts ticking and waits for in-flight fires to return.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := r.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slotKey identifies one (schedule version, time slot) pair within an owner.
func slotKey(sch store.Schedule, slot int) string {
	return fmt.Sprintf("%s/%d", sch.ID, slot)
}

func (r *Registry) ownerLock(ownerKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ownerKey))
	return &r.ownerLocks[h.Sum32()%ownerShards]
}

// SyncOwner reconciles the registered entries for one subscriber against the
// owner's active schedules in storage. Stale entries (deregistered,
// superseded versions, paused) are removed; missing slots are added. Entries
// already present are left untouched, so repeated syncs are cheap no-ops.
func (r *Registry) SyncOwner(ctx context.Context, subscriberID int64) (added, removed int, err error) {
	schedules, err := r.st.ListActiveSchedules(ctx, subscriberID)
	if err != nil {
		return 0, 0, fmt.Errorf("registry: load schedules for %d: %w", subscriberID, err)
	}
	ownerKey := store.Schedule{SubscriberID: subscriberID}.OwnerKey()
	added, removed = r.apply(ownerKey, schedules)
	return added, removed, nil
}

// CancelOwner removes every entry belonging to the subscriber.
func (r *Registry) CancelOwner(subscriberID int64) (removed int) {
	ownerKey := store.Schedule{SubscriberID: subscriberID}.OwnerKey()
	_, removed = r.apply(ownerKey, nil)
	return removed
}

func (r *Registry) apply(ownerKey string, desired []store.Schedule) (added, removed int) {
	lk := r.ownerLock(ownerKey)
	lk.Lock()
	defer lk.Unlock()

	want := make(map[string]*entry)
	for _, sch := range desired {
		if sch.OwnerKey() != ownerKey || !sch.Active || sch.Paused {
			continue
		}
		if err := schedule.Validate(sch); err != nil {
			r.log.Warn("schedule rejected at registration",
				logx.String("schedule", sch.ID), logx.Any("err", err))
			continue
		}
		for slot := range sch.Times {
			want[slotKey(sch, slot)] = &entry{sch: sch, slot: slot}
		}
	}

	r.mu.Lock()
	cur := r.entries[ownerKey]
	for k, e := range cur {
		if _, ok := want[k]; !ok {
			r.cron.Remove(e.cronID)
			delete(cur, k)
			removed++
		}
	}
	if cur == nil && len(want) > 0 {
		cur = make(map[string]*entry, len(want))
		r.entries[ownerKey] = cur
	}
	for k, e := range want {
		if _, ok := cur[k]; ok {
			continue
		}
		e := e
		e.cronID = r.cron.Schedule(slotSchedule(e.sch, e.slot), cron.FuncJob(func() { r.fire(e) }))
		cur[k] = e
		added++
	}
	if len(cur) == 0 {
		delete(r.entries, ownerKey)
	}
	r.mu.Unlock()

	atomic.AddUint64(&r.synced, 1)
	if added > 0 || removed > 0 {
		r.log.Debug("owner synced",
			logx.String("owner", ownerKey), logx.Int("added", added), logx.Int("removed", removed))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeRegistrySynced, Data: ownerKey})
		}
	}
	return added, removed
}

func (r *Registry) fire(e *entry) {
	// Previous fire for this entry still running: skip this tick rather than
	// stacking deliveries for the same slot.
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		r.log.Warn("fire skipped: previous run still in flight",
			logx.String("schedule", e.sch.ID), logx.Int("slot", e.slot))
		return
	}
	defer atomic.StoreInt32(&e.running, 0)

	ctx := r.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	at := time.Now().UTC()
	atomic.AddUint64(&r.fired, 1)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Data: e.sch.ID})
	}
	r.firer.Fire(ctx, e.sch, at)
}

// Keys returns the sorted owner/schedule/slot keys currently registered.
// Diagnostic.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	var out []string
	for owner, slots := range r.entries {
		for k := range slots {
			out = append(out, owner+"/"+k)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Snapshot is a point-in-time view for the status surface.
type Snapshot struct {
	Entries int
	Synced  uint64
	Fired   uint64
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	n := 0
	for _, slots := range r.entries {
		n += len(slots)
	}
	r.mu.Unlock()
	return Snapshot{
		Entries: n,
		Synced:  atomic.LoadUint64(&r.synced),
		Fired:   atomic.LoadUint64(&r.fired),
	}
}

// slotSchedule narrows a schedule to a single time slot and adapts it to the
// cron Schedule interface. Returning the zero time parks the entry; the next
// sync removes it.
func slotSchedule(sch store.Schedule, slot int) cron.Schedule {
	narrowed := sch
	if slot >= 0 && slot < len(sch.Times) {
		narrowed.Times = sch.Times[slot : slot+1]
	}
	return resolverSchedule{sch: narrowed}
}

type resolverSchedule struct {
	sch store.Schedule
}

func (s resolverSchedule) Next(t time.Time) time.Time {
	at, ok := schedule.Next(s.sch, t)
	if !ok {
		return time.Time{}
	}
	return at
}
