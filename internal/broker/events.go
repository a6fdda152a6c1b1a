package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"commerce-backend/internal/models"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes an OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderConfirmed publishes an OrderConfirmed event
func (ep *EventPublisher) PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes an OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes an OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentCompleted publishes a PaymentCompleted event
func (ep *EventPublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes a PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentRefunded publishes a PaymentRefunded event
func (ep *EventPublisher) PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishLowStock publishes a LowStock alert event
func (ep *EventPublisher) PublishLowStock(ctx context.Context, event *models.LowStockEvent) error {
	key := fmt.Sprintf("product-%d", event.ProductID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// Decode unmarshals a raw Kafka message into the typed event matching its
// event_type field. Returns the type tag so consumers can switch on it.
func Decode(msg kafka.Message) (string, interface{}, error) {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	var event interface{}
	switch base.EventType {
	case models.EventTypeOrderCreated:
		event = &models.OrderCreatedEvent{}
	case models.EventTypeOrderConfirmed:
		event = &models.OrderConfirmedEvent{}
	case models.EventTypeOrderCancelled:
		event = &models.OrderCancelledEvent{}
	case models.EventTypeOrderStatus:
		event = &models.OrderStatusChangedEvent{}
	case models.EventTypePaymentCompleted:
		event = &models.PaymentCompletedEvent{}
	case models.EventTypePaymentFailed:
		event = &models.PaymentFailedEvent{}
	case models.EventTypePaymentRefunded:
		event = &models.PaymentRefundedEvent{}
	case models.EventTypeLowStock:
		event = &models.LowStockEvent{}
	default:
		return base.EventType, nil, nil
	}

	if err := json.Unmarshal(msg.Value, event); err != nil {
		return base.EventType, nil, fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
	}
	return base.EventType, event, nil
}
