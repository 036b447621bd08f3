// Package eventbus provides the publish/subscribe transport used for cache
// invalidation and for handing control back to callers of a workflow.
package eventbus

import (
	"context"
	"errors"
)

var ErrBusClosed = errors.New("event bus closed")

// Bus delivers raw payloads on named channels. Delivery is at-most-once:
// a subscriber only sees messages published after Subscribe returned.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription is a live subscription. Messages is closed when the
// subscription ends; Err then reports why, nil after Close.
type Subscription interface {
	Messages() <-chan []byte
	Err() error
	Close() error
}
