package relay

import (
	"context"
	"errors"
)

// Transport is the pub/sub fabric underneath a Client. Delivery is
// at-least-once; messages from one publisher arrive in publish order, with no
// ordering across publishers. Nothing is retained once every subscriber of a
// topic has left.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
}

// Subscription is one live subscriber of a topic.
type Subscription interface {
	// Next blocks until a message arrives, ctx is done, or the subscription is
	// cancelled (ErrClosed).
	Next(ctx context.Context) ([]byte, error)
	Cancel()
}

var ErrClosed = errors.New("relay: subscription closed")
