package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/chain"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Sink delivers encoded events to one subscriber channel.
type Sink interface {
	Send(ctx context.Context, data []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, data []byte) error

func (f SinkFunc) Send(ctx context.Context, data []byte) error {
	return f(ctx, data)
}

// Event types sent to subscribers.
const (
	EventHead        = "head"
	EventChatMessage = "chat_message"
)

// Event is one frame sent to a subscriber.
type Event struct {
	Type    string             `json:"type"`
	Head    string             `json:"head,omitempty"`
	Message *chain.ChatMessage `json:"message,omitempty"`
	Seq     int64              `json:"seq"`
}

type subscription struct {
	id   string
	sink Sink
}

// Broadcaster pushes every appended message to the subscribed channels of a
// conversation, in subscription order.
type Broadcaster struct {
	mu            sync.Mutex
	subscriptions []subscription
	seq           int64
	logger        zerolog.Logger
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.With().Str("component", "fanout").Logger(),
	}
}

// Subscribe adds channel id. Subscribing an existing id keeps its position
// and replaces its sink.
func (b *Broadcaster) Subscribe(id string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscriptions {
		if s.id == id {
			b.subscriptions[i].sink = sink
			return
		}
	}
	b.subscriptions = append(b.subscriptions, subscription{id: id, sink: sink})
	b.logger.Debug().Str("channel", id).Int("subscribers", len(b.subscriptions)).Msg("Channel subscribed")
}

// Unsubscribe removes channel id. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscriptions {
		if s.id == id {
			b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
			b.logger.Debug().Str("channel", id).Msg("Channel unsubscribed")
			return
		}
	}
}

// Subscribers returns the subscribed channel ids in order.
func (b *Broadcaster) Subscribers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		ids = append(ids, s.id)
	}
	return ids
}

// Notify implements chain.Notifier.
func (b *Broadcaster) Notify(ctx context.Context, msg chain.ChatMessage) {
	b.Publish(ctx, msg)
}

// Publish sends a head event followed by the message itself to every
// subscriber. Delivery failures are logged and counted, never returned.
func (b *Broadcaster) Publish(ctx context.Context, msg chain.ChatMessage) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subscriptions...)
	b.seq += 2
	headSeq := b.seq - 1
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "chatstate.fanout", "fanout.publish",
		attribute.String("message_id", msg.ID),
		attribute.Int("subscribers", len(subs)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, b.logger)

	headFrame, err := json.Marshal(Event{Type: EventHead, Head: msg.ID, Seq: headSeq})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal head event")
		return
	}
	msgFrame, err := json.Marshal(Event{Type: EventChatMessage, Message: &msg, Seq: headSeq + 1})
	if err != nil {
		logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to marshal message event")
		return
	}

	failures := 0
	for _, s := range subs {
		for _, frame := range [][]byte{headFrame, msgFrame} {
			if err := s.sink.Send(ctx, frame); err != nil {
				failures++
				observability.RecordFanoutFailure()
				logger.Warn().
					Err(err).
					Str("channel", s.id).
					Str("message_id", msg.ID).
					Msg("Failed to deliver to channel")
				break
			}
		}
	}

	logger.Debug().
		Str("message_id", msg.ID).
		Int("success", len(subs)-failures).
		Int("failed", failures).
		Msg("Message fan-out complete")
}
