package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types published on the order topic.
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypeOrderConfirmed   = "ORDER_CONFIRMED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
	EventTypeOrderStatus      = "ORDER_STATUS_CHANGED"
	EventTypePaymentCompleted = "PAYMENT_COMPLETED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
	EventTypePaymentRefunded  = "PAYMENT_REFUNDED"
	EventTypeLowStock         = "INVENTORY_LOW_STOCK"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderItemData is the item shape embedded in events.
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderCreatedEvent is published after an order is persisted with its
// inventory reserved. The payment worker picks it up.
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderConfirmedEvent is published once payment succeeded and the
// reservations were converted into deductions.
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
	UserID  int64 `json:"user_id"`
}

// OrderCancelledEvent is published when an order is cancelled and its
// reservations released.
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// OrderStatusChangedEvent is published on privileged status updates.
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID int64       `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
}

// PaymentCompletedEvent is published when the simulator reports success.
type PaymentCompletedEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	PaymentID int64           `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	TxID      string          `json:"tx_id"`
}

// PaymentFailedEvent is published when the simulator reports failure.
// Inventory stays reserved; only an explicit cancellation frees it.
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID int64  `json:"payment_id"`
	Reason    string `json:"reason"`
	Code      string `json:"code"`
	CanRetry  bool   `json:"can_retry"`
}

// PaymentRefundedEvent is published after a refund; the order has already
// been moved to refunded.
type PaymentRefundedEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	PaymentID int64           `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
}

// LowStockEvent is published when a reservation drops a product to or
// below its low-stock threshold.
type LowStockEvent struct {
	BaseEvent
	ProductID int64 `json:"product_id"`
	Available int   `json:"available"`
	Threshold int   `json:"threshold"`
}
