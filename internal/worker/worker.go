package worker

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"commerce-backend/internal/apperr"
	"commerce-backend/internal/broker"
	"commerce-backend/internal/models"
	"commerce-backend/internal/service"
	"commerce-backend/internal/util"
)

// PaymentWorker consumes OrderCreated events and drives the payment
// simulator for each new order. Delivery is at-least-once; the derived
// idempotency key makes a redelivered event replay the existing payment
// instead of charging twice.
type PaymentWorker struct {
	consumer *broker.Consumer
	payments *service.PaymentService
	logger   *zap.Logger
}

// NewPaymentWorker creates a payment worker.
func NewPaymentWorker(consumer *broker.Consumer, payments *service.PaymentService) *PaymentWorker {
	return &PaymentWorker{
		consumer: consumer,
		payments: payments,
		logger:   util.GetLogger(),
	}
}

// Start consumes until the context is cancelled.
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.handle)
}

// Stop closes the underlying consumer.
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}

func (w *PaymentWorker) handle(ctx context.Context, msg kafka.Message) error {
	eventType, event, err := broker.Decode(msg)
	if err != nil {
		w.logger.Error("Failed to decode event", zap.Error(err))
		// Poison message; committing it is the only way forward.
		return nil
	}
	if eventType != models.EventTypeOrderCreated {
		return nil
	}

	created := event.(*models.OrderCreatedEvent)
	w.logger.Info("Processing payment for order",
		zap.Int64("order_id", created.OrderID),
		zap.String("order_number", created.OrderNumber))

	_, err = w.payments.Process(ctx, &service.ProcessPaymentRequest{
		OrderID:        created.OrderID,
		Method:         models.PaymentMethodCreditCard,
		IdempotencyKey: fmt.Sprintf("order-%d-auto", created.OrderID),
	})
	if err != nil {
		// The order may have been paid through the API or cancelled in the
		// meantime; both surface as validation errors and are final.
		if apperr.IsValidation(err) || apperr.IsNotFound(err) {
			w.logger.Info("Skipping payment for order",
				zap.Int64("order_id", created.OrderID),
				zap.String("reason", err.Error()))
			return nil
		}
		return fmt.Errorf("process payment for order %d: %w", created.OrderID, err)
	}
	return nil
}
