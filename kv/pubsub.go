package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries every room envelope between gateway instances.
const DefaultChannel = "auction:events"

// Envelope is the cross-instance fan-out frame. Payload is the serialized
// event exactly as it will be written to sockets in the target room.
type Envelope struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// PubSub bridges room broadcasts across gateway instances through a single
// redis channel.
type PubSub struct {
	client  *redis.Client
	channel string
}

// NewPubSub wires a bridge over the given connection.
func NewPubSub(client *redis.Client, channel string) *PubSub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PubSub{client: client, channel: channel}
}

// Publish serializes payload and fans it out to every subscribed instance,
// including the publisher.
func (p *PubSub) Publish(ctx context.Context, room string, payload []byte) error {
	raw, err := json.Marshal(Envelope{Room: room, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	return nil
}

// Listen consumes envelopes until the context is cancelled, invoking handler
// for each. Malformed frames are logged and skipped; a dropped subscription
// is re-established after a short pause.
func (p *PubSub) Listen(ctx context.Context, handler func(room string, payload []byte)) {
	for {
		if err := p.consume(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("pubsub subscription dropped", "channel", p.channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (p *PubSub) consume(ctx context.Context, handler func(room string, payload []byte)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("pubsub frame discarded", "channel", p.channel, "error", err)
				continue
			}
			handler(env.Room, env.Payload)
		}
	}
}
