// Package eventbus fans room traffic out to every coordinator process that
// has local connections in the room.
package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/hilthontt/ephemera/internal/domain"
)

type Topic string

const (
	TopicMessages Topic = "messages"
	TopicEvents   Topic = "events"
)

var Topics = []Topic{TopicMessages, TopicEvents}

var ErrClosed = errors.New("event bus closed")

// Handler receives payloads in publish order for its room and topic. It must
// not block for long.
type Handler func(payload []byte)

type Subscription interface {
	Unsubscribe() error
}

// Bus delivers at most once to subscribers present at publish time. There is
// no replay.
type Bus interface {
	Publish(ctx context.Context, roomID string, topic Topic, payload []byte) error
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context, roomID string, topic Topic, handler Handler) (Subscription, error)
	Close() error
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrBackendUnavailable, op, err)
}
