package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/services"
)

// PubSubOutcomePublisher publishes per-item fulfillment outcomes to a Pub/Sub topic.
type PubSubOutcomePublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OutcomePublisher = (*PubSubOutcomePublisher)(nil)

// NewPubSubOutcomePublisher constructs a Pub/Sub backed outcome publisher.
func NewPubSubOutcomePublisher(topic *pubsub.Topic) (*PubSubOutcomePublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub outcome publisher: topic is required")
	}
	return &PubSubOutcomePublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOutcome enqueues one outcome. Messages for the same session share an ordering key.
func (p *PubSubOutcomePublisher) PublishOutcome(ctx context.Context, event services.OutcomeEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub outcome publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal outcome event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "runId", event.RunID)
	setAttr(attrs, "sessionId", event.SessionID)
	setAttr(attrs, "provider", event.Provider)
	setAttr(attrs, "status", event.Status)
	setAttr(attrs, "idempotencyKey", event.IdempotencyKey)

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = strings.TrimSpace(event.SessionID)
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish outcome event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
