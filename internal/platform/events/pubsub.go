package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/orderengine/internal/services"
)

// PubSubPublisher publishes order domain events to a Pub/Sub topic.
// Messages are ordered per order when the topic has message ordering enabled.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishOrderEvent blocks until Pub/Sub acknowledges the message.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	data, err := p.marshal(newEnvelope(event))
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes(event),
		OrderingKey: p.orderingKey(event),
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event %s: %w", event.Type, err)
	}
	return nil
}

func (p *PubSubPublisher) orderingKey(event services.OrderEvent) string {
	if !p.topic.EnableMessageOrdering {
		return ""
	}
	return event.OrderID
}

// envelope is the wire shape shared by every backend.
type envelope struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderReference string         `json:"orderReference,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     string         `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func newEnvelope(event services.OrderEvent) envelope {
	return envelope{
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderReference: event.OrderReference,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Metadata:       event.Metadata,
	}
}

func attributes(event services.OrderEvent) map[string]string {
	attrs := make(map[string]string, 3)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderReference", event.OrderReference)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
