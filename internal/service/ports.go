package service

import (
	"context"
	"time"

	"commerce-backend/internal/models"
)

// The services depend on narrow interfaces rather than the concrete
// Postgres store so the transactional logic is testable against in-memory
// implementations. *store.Store satisfies all of them.

// InventoryStore is the persistence surface of the inventory ledger.
type InventoryStore interface {
	GetInventory(ctx context.Context, productID int64) (*models.InventoryRecord, error)
	CreateInventory(ctx context.Context, rec *models.InventoryRecord) error
	UpdateInventorySettings(ctx context.Context, productID int64, lowStockThreshold int, warehouseID string) error
	ReserveStock(ctx context.Context, productID int64, quantity int) (int, error)
	ReserveStockCAS(ctx context.Context, productID int64, quantity int) (int, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) (int, error)
	ConfirmStock(ctx context.Context, productID int64, quantity int) (int, error)
	RestockInventory(ctx context.Context, productID int64, quantity int) (*models.InventoryRecord, error)
	ListLowStock(ctx context.Context, limit int) ([]models.InventoryRecord, error)
	ListOutOfStock(ctx context.Context) ([]models.InventoryRecord, error)
}

// OrderStore is the persistence surface of the order orchestrator.
type OrderStore interface {
	CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	GetOrderByRequestID(ctx context.Context, requestID string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64, status models.OrderStatus, page, perPage int) ([]models.Order, int, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
}

// ProductStore resolves catalog data for order validation and pricing.
type ProductStore interface {
	GetActiveProductsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Product, error)
}

// PaymentStore is the persistence surface of the payment simulator.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}

// Locker is the advisory distributed lock. Implementations must fail open:
// an unreachable backend returns true from AcquireLock, since the ledger's
// own concurrency control guarantees correctness regardless.
type Locker interface {
	AcquireLock(ctx context.Context, name string, holdTTL, waitTimeout time.Duration) bool
	ReleaseLock(ctx context.Context, name string)
}

// Publisher emits domain events. Publishing is best-effort from the
// services' point of view: failures are logged, never propagated.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error
	PublishLowStock(ctx context.Context, event *models.LowStockEvent) error
}
