package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"commerce-backend/internal/apperr"
	"commerce-backend/internal/models"
)

// fakeStore is a mutex-guarded in-memory implementation of the store ports.
// It mirrors the Postgres semantics the services rely on: atomic
// read-check-write per inventory row, unique request_id and idempotency_key,
// clamped release and confirm.
type fakeStore struct {
	mu sync.Mutex

	inventory map[int64]*models.InventoryRecord
	products  map[int64]*models.Product
	orders    map[int64]*models.Order
	payments  map[int64]*models.Payment

	nextOrderID   int64
	nextPaymentID int64
	nextItemID    int64

	// casConflicts forces the next N CAS reservations to report a version
	// conflict before succeeding.
	casConflicts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		inventory: make(map[int64]*models.InventoryRecord),
		products:  make(map[int64]*models.Product),
		orders:    make(map[int64]*models.Order),
		payments:  make(map[int64]*models.Payment),
	}
}

func (f *fakeStore) addProduct(p *models.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[p.ID] = p
}

func (f *fakeStore) addInventory(productID int64, quantity, threshold int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory[productID] = &models.InventoryRecord{
		ID:                productID,
		ProductID:         productID,
		Quantity:          quantity,
		Version:           1,
		LowStockThreshold: threshold,
	}
}

func (f *fakeStore) record(productID int64) models.InventoryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.inventory[productID]
}

func (f *fakeStore) GetInventory(ctx context.Context, productID int64) (*models.InventoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.inventory[productID]
	if !ok {
		return nil, apperr.NewNotFound("inventory", productID)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) CreateInventory(ctx context.Context, rec *models.InventoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inventory[rec.ProductID]; ok {
		return apperr.NewConflict("inventory already exists for product %d", rec.ProductID)
	}
	rec.Version = 1
	cp := *rec
	f.inventory[rec.ProductID] = &cp
	return nil
}

func (f *fakeStore) UpdateInventorySettings(ctx context.Context, productID int64, lowStockThreshold int, warehouseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.inventory[productID]
	if !ok {
		return apperr.NewNotFound("inventory", productID)
	}
	rec.LowStockThreshold = lowStockThreshold
	rec.WarehouseID = warehouseID
	return nil
}

func (f *fakeStore) ReserveStock(ctx context.Context, productID int64, quantity int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.inventory[productID]
	if !ok {
		return 0, apperr.NewNotFound("inventory", productID)
	}
	if rec.Available() < quantity {
		return 0, &apperr.InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: rec.Available(),
		}
	}
	rec.Reserved += quantity
	rec.Version++
	return rec.Available(), nil
}

func (f *fakeStore) ReserveStockCAS(ctx context.Context, productID int64, quantity int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.inventory[productID]
	if !ok {
		return 0, apperr.NewNotFound("inventory", productID)
	}
	if rec.Available() < quantity {
		return 0, &apperr.InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: rec.Available(),
		}
	}
	if f.casConflicts > 0 {
		f.casConflicts--
		return 0, apperr.ErrVersionConflict
	}
	rec.Reserved += quantity
	rec.Version++
	return rec.Available(), nil
}

func (f *fakeStore) ReleaseStock(ctx context.Context, productID int64, quantity int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.inventory[productID]
	if !ok {
		return 0, apperr.NewNotFound("inventory", productID)
	}
	rec.Reserved -= quantity
	if rec.Reserved < 0 {
		rec.Reserved = 0
	}
	rec.Version++
	return rec.Available(), nil
}

func (f *fakeStore) ConfirmStock(ctx context.Context, productID int64, quantity int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.inventory[productID]
	if !ok {
		return 0, apperr.NewNotFound("inventory", productID)
	}
	rec.Quantity -= quantity
	rec.Reserved -= quantity
	if rec.Reserved < 0 {
		rec.Reserved = 0
	}
	rec.Version++
	return rec.Available(), nil
}

func (f *fakeStore) RestockInventory(ctx context.Context, productID int64, quantity int) (*models.InventoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.inventory[productID]
	if !ok {
		return nil, apperr.NewNotFound("inventory", productID)
	}
	rec.Quantity += quantity
	rec.Version++
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) ListLowStock(ctx context.Context, limit int) ([]models.InventoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var recs []models.InventoryRecord
	for _, rec := range f.inventory {
		if rec.Available() <= rec.LowStockThreshold {
			recs = append(recs, *rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Available() < recs[j].Available() })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (f *fakeStore) ListOutOfStock(ctx context.Context) ([]models.InventoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var recs []models.InventoryRecord
	for _, rec := range f.inventory {
		if rec.Available() <= 0 {
			recs = append(recs, *rec)
		}
	}
	return recs, nil
}

func (f *fakeStore) GetActiveProductsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[int64]*models.Product)
	for _, id := range ids {
		if p, ok := f.products[id]; ok && p.IsActive {
			cp := *p
			result[id] = &cp
		}
	}
	return result, nil
}

func (f *fakeStore) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order.RequestID != "" {
		for _, existing := range f.orders {
			if existing.RequestID == order.RequestID {
				return apperr.NewConflict("duplicate order: orders_request_id_key")
			}
		}
	}
	f.nextOrderID++
	order.ID = f.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	for i := range items {
		f.nextItemID++
		items[i].ID = f.nextItemID
		items[i].OrderID = order.ID
		if p, ok := f.products[items[i].ProductID]; ok {
			p.PurchaseCount += int64(items[i].Quantity)
		}
	}
	order.Items = items
	cp := *order
	f.orders[order.ID] = &cp
	return nil
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, apperr.NewNotFound("order", id)
	}
	cp := *order
	return &cp, nil
}

func (f *fakeStore) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.OrderNumber == orderNumber {
			cp := *order
			return &cp, nil
		}
	}
	return nil, apperr.NewNotFound("order", orderNumber)
}

func (f *fakeStore) GetOrderByRequestID(ctx context.Context, requestID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.RequestID == requestID {
			cp := *order
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListOrdersByUser(ctx context.Context, userID int64, status models.OrderStatus, page, perPage int) ([]models.Order, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var orders []models.Order
	for _, order := range f.orders {
		if order.UserID != userID {
			continue
		}
		if status != "" && order.Status != status {
			continue
		}
		orders = append(orders, *order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, len(orders), nil
}

func (f *fakeStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[order.ID]; !ok {
		return apperr.NewNotFound("order", order.ID)
	}
	cp := *order
	f.orders[order.ID] = &cp
	return nil
}

func (f *fakeStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.payments {
		if existing.IdempotencyKey == payment.IdempotencyKey {
			return apperr.NewConflict("duplicate payment: payments_idempotency_key_key")
		}
		if existing.OrderID == payment.OrderID {
			return apperr.NewConflict("duplicate payment: payments_order_id_key")
		}
	}
	f.nextPaymentID++
	payment.ID = f.nextPaymentID
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	cp := *payment
	f.payments[payment.ID] = &cp
	return nil
}

func (f *fakeStore) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payment, ok := f.payments[id]
	if !ok {
		return nil, apperr.NewNotFound("payment", id)
	}
	cp := *payment
	return &cp, nil
}

func (f *fakeStore) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, payment := range f.payments {
		if payment.OrderID == orderID {
			cp := *payment
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, payment := range f.payments {
		if payment.IdempotencyKey == key {
			cp := *payment
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.payments[payment.ID]; !ok {
		return apperr.NewNotFound("payment", payment.ID)
	}
	cp := *payment
	f.payments[payment.ID] = &cp
	return nil
}

// fakeLocker counts acquisitions; deny makes every acquire fail.
type fakeLocker struct {
	mu       sync.Mutex
	deny     bool
	acquired int
	released int
}

func (f *fakeLocker) AcquireLock(ctx context.Context, name string, holdTTL, waitTimeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny {
		return false
	}
	f.acquired++
	return true
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

// fakePublisher records every published event keyed by type.
type fakePublisher struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func (f *fakePublisher) add(eventType string, event interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string][]interface{})
	}
	f.events[eventType] = append(f.events[eventType], event)
	return nil
}

func (f *fakePublisher) countOf(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[eventType])
}

func (f *fakePublisher) PublishOrderCreated(ctx context.Context, e *models.OrderCreatedEvent) error {
	return f.add(models.EventTypeOrderCreated, e)
}

func (f *fakePublisher) PublishOrderConfirmed(ctx context.Context, e *models.OrderConfirmedEvent) error {
	return f.add(models.EventTypeOrderConfirmed, e)
}

func (f *fakePublisher) PublishOrderCancelled(ctx context.Context, e *models.OrderCancelledEvent) error {
	return f.add(models.EventTypeOrderCancelled, e)
}

func (f *fakePublisher) PublishOrderStatusChanged(ctx context.Context, e *models.OrderStatusChangedEvent) error {
	return f.add(models.EventTypeOrderStatus, e)
}

func (f *fakePublisher) PublishPaymentCompleted(ctx context.Context, e *models.PaymentCompletedEvent) error {
	return f.add(models.EventTypePaymentCompleted, e)
}

func (f *fakePublisher) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	return f.add(models.EventTypePaymentFailed, e)
}

func (f *fakePublisher) PublishPaymentRefunded(ctx context.Context, e *models.PaymentRefundedEvent) error {
	return f.add(models.EventTypePaymentRefunded, e)
}

func (f *fakePublisher) PublishLowStock(ctx context.Context, e *models.LowStockEvent) error {
	return f.add(models.EventTypeLowStock, e)
}
