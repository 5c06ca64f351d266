// Package transport defines the channel-agnostic boundary for outbound
// notifications and inbound subscriber replies.
package transport

import (
	"context"
	"time"
)

// Update is one inbound reply from a subscriber.
type Update struct {
	// Key is a channel-unique identifier for this update, used for
	// ingestion idempotency. Adapters must fill it.
	Key string

	// Address is the channel address the reply came from, in the same
	// encoding deliveries are sent to.
	Address string

	Text       string
	ReceivedAt time.Time
}

// Adapter is one delivery channel. Send failures should be classified with
// dispatch.Permanent / dispatch.RetryAfter so the queue retries only what is
// worth retrying.
type Adapter interface {
	// Start begins receiving inbound updates onto out. Adapters must never
	// block on a full channel; dropping is preferred.
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, address, subject, body string) error
}
