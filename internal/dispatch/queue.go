// Package dispatch bounds concurrent use of the outbound transport.
//
// The queue is the single point of bounded concurrency toward the transport:
// everything upstream may run with unconstrained parallelism, because the
// queue's permit pool enforces the limit regardless of caller count.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cadence/pkg/logx"
)

type Config struct {
	// Concurrency is the permit pool size K: the maximum number of
	// simultaneous in-flight transport calls.
	Concurrency int

	// AttemptTimeout bounds each individual transport call, not the whole
	// submission (retries each get a fresh window).
	AttemptTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// RatePerSec paces transport calls globally. 0 disables pacing.
	RatePerSec int
	Burst      int

	// Circuit breaker per destination. Trip < 0 disables.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Transport is the outbound boundary. Implementations classify failures with
// Permanent() / RetryAfter(); anything unclassified is treated as transient.
type Transport interface {
	Send(ctx context.Context, address, subject, body string) error
}

// Task is one outbound message.
type Task struct {
	Address string
	Subject string
	Body    string
}

type Queue struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	tr  Transport

	permits  chan struct{}
	limiter  *rate.Limiter
	circuits circuitStore

	rngMu sync.Mutex
	rng   *rand.Rand

	inFlight  int32
	sent      uint64
	failed    uint64
	saturated uint64
}

func New(cfg Config, tr Transport, log logx.Logger) *Queue {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		cfg: cfg,
		log: log,
		tr:  tr,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	q.permits = newPermits(cfg.Concurrency)
	q.limiter = newLimiter(cfg)
	return q
}

func newPermits(n int) chan struct{} {
	ch := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		ch <- struct{}{}
	}
	return ch
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RatePerSec
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Apply updates retry/pacing settings live. A concurrency change swaps in a
// fresh permit pool; permits held against the old pool drain into the old
// channel, so in-flight work may briefly exceed the new limit during the
// swap.
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	defer q.mu.Unlock()
	if cfg.Concurrency != q.cfg.Concurrency {
		q.permits = newPermits(cfg.Concurrency)
	}
	if cfg.RatePerSec != q.cfg.RatePerSec || cfg.Burst != q.cfg.Burst {
		q.limiter = newLimiter(cfg)
	}
	q.cfg = cfg
}

// Submit sends one message, blocking for a permit if the pool is exhausted.
// Transient failures are retried with exponential backoff; permanent
// failures surface immediately. The permit is released on every exit path.
func (q *Queue) Submit(ctx context.Context, t Task) error {
	return q.submit(ctx, t, true)
}

// TrySubmit is Submit without blocking: ErrSaturated when no permit is free.
func (q *Queue) TrySubmit(ctx context.Context, t Task) error {
	return q.submit(ctx, t, false)
}

func (q *Queue) submit(ctx context.Context, t Task, block bool) error {
	q.mu.Lock()
	cfg := q.cfg
	permits := q.permits
	lim := q.limiter
	q.mu.Unlock()

	cc := effectiveCircuitCfg(cfg)
	if open, until := q.circuits.isOpen(time.Now(), t.Address, cc); open {
		q.log.Debug("send skipped: circuit open",
			logx.String("address", t.Address), logx.Time("until", until))
		return ErrCircuitOpen
	}

	if block {
		select {
		case <-permits:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		select {
		case <-permits:
		default:
			atomic.AddUint64(&q.saturated, 1)
			return ErrSaturated
		}
	}
	// Release must be unconditional: success, transport error, timeout, and
	// cancellation all pass through here.
	defer func() {
		select {
		case permits <- struct{}{}:
		default:
		}
	}()

	atomic.AddInt32(&q.inFlight, 1)
	defer atomic.AddInt32(&q.inFlight, -1)

	err := q.attemptLoop(ctx, cfg, lim, t)

	q.circuits.record(time.Now(), t.Address, cc, err)
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
		return err
	}
	atomic.AddUint64(&q.sent, 1)
	return nil
}

func (q *Queue) attemptLoop(ctx context.Context, cfg Config, lim *rate.Limiter, t Task) error {
	var err error
	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if werr := lim.Wait(ctx); werr != nil {
				return werr
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err = q.tr.Send(attemptCtx, t.Address, t.Subject, t.Body)
		cancel()

		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt >= maxAttempts {
			return err
		}

		delay := q.backoffDelay(cfg, attempt, err)
		q.log.Debug("send retry scheduled",
			logx.String("address", t.Address),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Any("err", err))

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return err
}

func (q *Queue) backoffDelay(cfg Config, retry int, err error) time.Duration {
	var d time.Duration

	// Respect explicit retry-after hints from the transport.
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = cfg.RetryBase
		for i := 1; i < retry; i++ {
			d *= 2
			if d > cfg.RetryMaxDelay {
				break
			}
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d > 0 && cfg.RetryJitter > 0 {
		q.rngMu.Lock()
		r := (q.rng.Float64()*2 - 1) * cfg.RetryJitter
		q.rngMu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
		}
	}
	return d
}

// WaveResult summarizes one bounded wave of bulk submissions.
type WaveResult struct {
	Sent   int
	Failed int
}

// SubmitWave submits a batch and waits for the whole wave to finish before
// returning. Bulk producers call this per page instead of enqueueing the
// entire subscriber set at once; outstanding work stays proportional to the
// permit pool, not the population.
func (q *Queue) SubmitWave(ctx context.Context, tasks []Task) WaveResult {
	var wg sync.WaitGroup
	var sent, failed int32
	unsubmitted := 0
	for i, t := range tasks {
		if ctx.Err() != nil {
			// Tasks never handed to a worker count as failed; the workers'
			// counters are only touched after wg.Wait below.
			unsubmitted = len(tasks) - i
			break
		}
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			if err := q.Submit(ctx, t); err != nil {
				atomic.AddInt32(&failed, 1)
				q.log.Warn("wave send failed", logx.String("address", t.Address), logx.Any("err", err))
				return
			}
			atomic.AddInt32(&sent, 1)
		}(t)
	}
	wg.Wait()
	return WaveResult{
		Sent:   int(atomic.LoadInt32(&sent)),
		Failed: int(atomic.LoadInt32(&failed)) + unsubmitted,
	}
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Concurrency  int
	InFlight     int
	Sent         uint64
	Failed       uint64
	Saturated    uint64
	CircuitTotal int
	CircuitOpen  int
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	k := q.cfg.Concurrency
	q.mu.Unlock()
	ct, co := q.circuits.snapshot(time.Now())
	return Snapshot{
		Concurrency:  k,
		InFlight:     int(atomic.LoadInt32(&q.inFlight)),
		Sent:         atomic.LoadUint64(&q.sent),
		Failed:       atomic.LoadUint64(&q.failed),
		Saturated:    atomic.LoadUint64(&q.saturated),
		CircuitTotal: ct,
		CircuitOpen:  co,
	}
}
