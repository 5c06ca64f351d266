// Package ingest consumes inbound transport updates and turns them into
// linked reply records.
package ingest

import (
	"context"
	"errors"
	"time"

	"cadence/internal/linkage"
	"cadence/internal/store"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

// Storage is the slice of the store the ingester needs.
type Storage interface {
	GetSubscriberByAddress(ctx context.Context, address string) (store.Subscriber, error)
	SeenDedup(ctx context.Context, key string) (bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	PruneDedup(ctx context.Context) error
}

// Analysis is the extracted meaning of one reply.
type Analysis struct {
	Rating   int    // 1..5; 0 when no rating could be extracted
	Insights string // opaque payload, stored as-is
}

// Analyzer extracts structure from reply text. Failures degrade to an
// unrated reply, never to a dropped one.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Analysis, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, text string) (Analysis, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, text string) (Analysis, error) { return f(ctx, text) }

type Config struct {
	Buffer     int           // inbound channel capacity
	DedupTTL   time.Duration // how long update keys are remembered
	PruneEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Hour
	}
	return c
}

type Service struct {
	cfg    Config
	log    logx.Logger
	st     Storage
	linker *linkage.Linker
	an     Analyzer

	updates chan transport.Update
}

func New(cfg Config, st Storage, linker *linkage.Linker, an Analyzer, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		st:      st,
		linker:  linker,
		an:      an,
		updates: make(chan transport.Update, cfg.Buffer),
	}
}

// Updates is the channel the transport adapter writes inbound updates to.
func (s *Service) Updates() chan<- transport.Update { return s.updates }

// Run drains the update channel until ctx is canceled. Intended to run under
// a restart loop.
func (s *Service) Run(ctx context.Context) error {
	prune := time.NewTicker(s.cfg.PruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-prune.C:
			if err := s.st.PruneDedup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("dedup prune failed", logx.Any("err", err))
			}
		case up := <-s.updates:
			if err := s.handle(ctx, up); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("update dropped",
					logx.String("key", up.Key), logx.Any("err", err))
			}
		}
	}
}

func (s *Service) handle(ctx context.Context, up transport.Update) error {
	seen, err := s.st.SeenDedup(ctx, up.Key)
	if err != nil {
		return err
	}
	if seen {
		s.log.Debug("duplicate update", logx.String("key", up.Key))
		return nil
	}

	sub, err := s.st.GetSubscriberByAddress(ctx, up.Address)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown senders are remembered too, so repeated messages from the
		// same stranger don't re-run the lookup path.
		s.log.Debug("reply from unknown address", logx.String("address", up.Address))
		return s.st.PutDedup(ctx, up.Key, time.Now().Add(s.cfg.DedupTTL))
	}
	if err != nil {
		return err
	}

	rec := store.ReplyRecord{
		SubscriberID: sub.ID,
		Text:         up.Text,
		ReceivedAt:   up.ReceivedAt,
	}

	if s.an != nil {
		res, aerr := s.an.Analyze(ctx, up.Text)
		if aerr != nil {
			s.log.Warn("reply analysis failed; storing unrated",
				logx.Int64("subscriber", sub.ID), logx.Any("err", aerr))
		} else {
			rec.Rating = res.Rating
			rec.Insights = res.Insights
		}
	}

	if _, err := s.linker.Link(ctx, rec); err != nil {
		return err
	}
	return s.st.PutDedup(ctx, up.Key, time.Now().Add(s.cfg.DedupTTL))
}
