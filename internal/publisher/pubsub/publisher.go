// Package pubsub publishes alert notifications to a Google Cloud
// Pub/Sub topic so downstream consumers can react to newly indexed
// documents without polling the query API.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// messageAttributes adapts Pub/Sub message attributes to the OTel
// propagation.TextMapCarrier interface so trace context crosses the
// topic boundary.
type messageAttributes map[string]string

func (m messageAttributes) Get(key string) string { return m[key] }

func (m messageAttributes) Set(key, value string) { m[key] = value }

func (m messageAttributes) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Publisher sends JSON-encoded payloads to a single Pub/Sub topic. The
// topic argument of Publish is ignored; routing is fixed at construction.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals payload to JSON, injects the current trace context
// into message attributes, and blocks until the server acknowledges.
// It returns the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := messageAttributes{}
	otel.GetTextMapPropagator().Inject(ctx, attrs)

	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
