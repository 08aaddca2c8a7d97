package services

import (
	"context"
	"maps"
	"time"
)

const (
	orderEventCreated            = "order.created"
	orderEventItemsUpdated       = "order.items.updated"
	orderEventStatusChanged      = "order.status.changed"
	orderEventPaymentReconciled  = "order.payment.reconciled"
	orderEventDeleted            = "order.deleted"
	orderEventShippingUpdated    = "order.shipping.updated"
	orderEventPaymentSessionOpen = "order.payment.session.created"
)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderReference string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

type eventSink struct {
	events OrderEventPublisher
	logger func(context.Context, string, map[string]any)
}

// publish runs after commit. A failed publish is logged and never undoes the mutation.
func (s eventSink) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func noopLogger(context.Context, string, map[string]any) {}
