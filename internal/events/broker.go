package events

import (
	"context"
)

// RoutingMatchFound is published once per session after the handoff creates it.
const RoutingMatchFound = "match.found"

// Handler processes one delivery. A non-nil error leaves the message unacknowledged.
type Handler func(ctx context.Context, body []byte) error

type Publisher interface {
	Publish(ctx context.Context, routingKey string, v any) error
}

type Broker interface {
	Publisher
	// Subscribe starts delivering messages for routingKey to h until ctx is done.
	Subscribe(ctx context.Context, routingKey string, h Handler) error
	Close() error
}
