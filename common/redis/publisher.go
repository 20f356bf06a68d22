package redis

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventPublisher publishes state-change events over Redis pub/sub. It
// satisfies the commit package's Publisher interface; the channel name maps
// directly to a Redis channel and the topic is carried in the envelope.
type EventPublisher struct {
	client *Client
}

// NewEventPublisher creates a Redis-backed event publisher
func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

type eventEnvelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Publish encodes the event and publishes it to the channel
func (p *EventPublisher) Publish(ctx context.Context, channel, topic string, payload any) error {
	message, err := json.Marshal(eventEnvelope{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.client.PublishEvent(ctx, channel, string(message))
}
