// Package batch iterates the subscriber population in bounded pages.
//
// Iteration uses a keyset cursor on the subscriber rowid rather than
// offset pagination: a subscriber created or removed mid-run cannot shift
// the window, so each subscriber existing at iteration start is visited at
// most once.
package batch

import (
	"context"
	"fmt"

	"cadence/internal/store"
	"cadence/pkg/logx"
)

const defaultPageSize = 200

// Pager is the slice of the store the iterator needs.
type Pager interface {
	ListSubscribersPage(ctx context.Context, afterID int64, limit int, f store.SubscriberFilter) ([]store.Subscriber, error)
}

type Iterator struct {
	pager    Pager
	log      logx.Logger
	pageSize int
}

func New(pager Pager, pageSize int, log logx.Logger) *Iterator {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Iterator{pager: pager, log: log, pageSize: pageSize}
}

// ForEach visits every matching subscriber once, in id order. An error from
// fn is logged and skipped: one bad subscriber never aborts a population
// pass. It returns the number of subscribers visited; only page fetch
// failures and context cancellation abort the run.
func (it *Iterator) ForEach(ctx context.Context, f store.SubscriberFilter, fn func(ctx context.Context, sub store.Subscriber) error) (int, error) {
	visited := 0
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return visited, err
		}
		page, err := it.pager.ListSubscribersPage(ctx, afterID, it.pageSize, f)
		if err != nil {
			return visited, fmt.Errorf("batch: page after id %d: %w", afterID, err)
		}
		if len(page) == 0 {
			return visited, nil
		}
		for _, sub := range page {
			afterID = sub.ID
			if err := ctx.Err(); err != nil {
				return visited, err
			}
			if err := fn(ctx, sub); err != nil {
				it.log.Warn("subscriber visit failed",
					logx.Int64("subscriber", sub.ID), logx.Any("err", err))
				continue
			}
			visited++
		}
		if len(page) < it.pageSize {
			return visited, nil
		}
	}
}

// ForEachPage visits whole pages, for callers that fan pages out as waves.
func (it *Iterator) ForEachPage(ctx context.Context, f store.SubscriberFilter, fn func(ctx context.Context, page []store.Subscriber) error) (int, error) {
	visited := 0
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return visited, err
		}
		page, err := it.pager.ListSubscribersPage(ctx, afterID, it.pageSize, f)
		if err != nil {
			return visited, fmt.Errorf("batch: page after id %d: %w", afterID, err)
		}
		if len(page) == 0 {
			return visited, nil
		}
		afterID = page[len(page)-1].ID
		if err := fn(ctx, page); err != nil {
			it.log.Warn("page visit failed",
				logx.Int64("after", afterID), logx.Any("err", err))
		} else {
			visited += len(page)
		}
		if len(page) < it.pageSize {
			return visited, nil
		}
	}
}
