// Package messaging provides abstractions for message broker communication.
// Services publish domain events through Publisher without being coupled to
// a specific broker implementation.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject. Fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// PublishJSON marshals v and publishes it on subject.
func PublishJSON(ctx context.Context, p Publisher, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, subject, data)
}

// NoopPublisher discards every message. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }

func (NoopPublisher) Close() error { return nil }
