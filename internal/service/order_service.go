package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commerce-backend/internal/apperr"
	"commerce-backend/internal/models"
	"commerce-backend/internal/util"
)

// PricingConfig holds the order pricing constants.
type PricingConfig struct {
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	ShippingCost          decimal.Decimal
}

// OrderService coordinates multi-item reservation, pricing, idempotent
// order creation and status transitions. The ledger only offers per-row
// atomicity; the orchestrator provides cross-row atomicity by compensating
// (releasing) partial reservations on failure.
type OrderService struct {
	orders    OrderStore
	products  ProductStore
	ledger    *InventoryLedger
	publisher Publisher
	pricing   PricingConfig
	logger    *zap.Logger
}

// NewOrderService creates the order orchestrator. publisher may be nil.
func NewOrderService(orders OrderStore, products ProductStore, ledger *InventoryLedger, publisher Publisher, pricing PricingConfig) *OrderService {
	return &OrderService{
		orders:    orders,
		products:  products,
		ledger:    ledger,
		publisher: publisher,
		pricing:   pricing,
		logger:    util.GetLogger(),
	}
}

// OrderItemRequest is one line of a creation request.
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrderRequest carries everything needed to place an order.
type CreateOrderRequest struct {
	UserID          int64                  `json:"-"`
	Items           []OrderItemRequest     `json:"items" binding:"required,min=1"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	Notes           string                 `json:"notes,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
}

// Create places an order: idempotent replay on request_id, product
// validation, per-item reservation in product-id order, pricing and a single
// durable transaction for order + items + purchase counters. The order is
// returned in pending status with its inventory still reserved; payment
// later confirms or cancellation releases.
func (s *OrderService) Create(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Create")
	defer span.End()

	if req.RequestID != "" {
		existing, err := s.orders.GetOrderByRequestID(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request replayed",
				zap.String("request_id", req.RequestID),
				zap.Int64("order_id", existing.ID))
			return existing, nil
		}
	}

	if err := validateItems(req.Items); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	products, err := s.resolveProducts(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	// Reserve in ascending product-id order so every concurrent creation
	// acquires locks in the same sequence. No circular wait, no deadlock.
	sorted := make([]OrderItemRequest, len(req.Items))
	copy(sorted, req.Items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	var reserved []OrderItemRequest
	for _, item := range sorted {
		if _, err := s.ledger.Reserve(ctx, item.ProductID, item.Quantity); err != nil {
			s.compensate(ctx, reserved)
			util.OrdersFailedTotal.WithLabelValues("reservation_failed").Inc()
			return nil, err
		}
		reserved = append(reserved, item)
	}

	order, items := s.buildOrder(req, products)

	if err := s.orders.CreateOrderWithItems(ctx, order, items); err != nil {
		s.compensate(ctx, reserved)
		if apperr.IsConflict(err) && req.RequestID != "" {
			// Lost a race with an identical request; its order wins.
			if existing, ferr := s.orders.GetOrderByRequestID(ctx, req.RequestID); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalAmount.String()))

	s.publishOrderCreated(ctx, order)
	return order, nil
}

func validateItems(items []OrderItemRequest) error {
	if len(items) == 0 {
		return apperr.NewValidation("order must contain at least one item")
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return apperr.NewValidation("quantity for product %d must be positive", item.ProductID)
		}
	}
	return nil
}

func (s *OrderService) resolveProducts(ctx context.Context, items []OrderItemRequest) (map[int64]*models.Product, error) {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool, len(items))
	for _, item := range items {
		if seen[item.ProductID] {
			return nil, apperr.NewValidation("duplicate product %d in order", item.ProductID)
		}
		seen[item.ProductID] = true
		ids = append(ids, item.ProductID)
	}

	products, err := s.products.GetActiveProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			missing = append(missing, fmt.Sprintf("%d", id))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperr.NewValidation("products not found or inactive: %s", strings.Join(missing, ", "))
	}
	return products, nil
}

// compensate releases every reservation made so far in a failed batch.
// A missing ledger row is tolerated; anything else is logged and the loop
// continues so one bad release cannot strand the rest.
func (s *OrderService) compensate(ctx context.Context, reserved []OrderItemRequest) {
	for _, item := range reserved {
		if _, err := s.ledger.Release(ctx, item.ProductID, item.Quantity); err != nil && !apperr.IsNotFound(err) {
			s.logger.Error("Failed to compensate reservation",
				zap.Int64("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
		}
	}
}

func (s *OrderService) buildOrder(req *CreateOrderRequest, products map[int64]*models.Product) (*models.Order, []models.OrderItem) {
	subtotal := decimal.Zero
	items := make([]models.OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		product := products[line.ProductID]
		unitPrice := product.EffectivePrice()
		items = append(items, models.OrderItem{
			ProductID:       product.ID,
			ProductName:     product.Name,
			ProductImageURL: product.ImageURL,
			Quantity:        line.Quantity,
			UnitPrice:       unitPrice,
		})
		subtotal = subtotal.Add(unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	taxAmount := subtotal.Mul(s.pricing.TaxRate).Round(2)
	shippingAmount := s.pricing.ShippingCost
	if subtotal.GreaterThanOrEqual(s.pricing.FreeShippingThreshold) {
		shippingAmount = decimal.Zero
	}
	discountAmount := decimal.Zero
	totalAmount := subtotal.Add(taxAmount).Add(shippingAmount).Sub(discountAmount)

	order := &models.Order{
		OrderNumber:     generateOrderNumber(),
		RequestID:       req.RequestID,
		UserID:          req.UserID,
		Status:          models.OrderStatusPending,
		Subtotal:        subtotal,
		TaxAmount:       taxAmount,
		ShippingAmount:  shippingAmount,
		DiscountAmount:  discountAmount,
		TotalAmount:     totalAmount,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
	}
	return order, items
}

func generateOrderNumber() string {
	timestamp := time.Now().Format("20060102150405")
	suffix := strings.ToUpper(uuid.New().String()[:6])
	return fmt.Sprintf("ORD-%s-%s", timestamp, suffix)
}

// Get retrieves an order with its items.
func (s *OrderService) Get(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.orders.GetOrderByID(ctx, orderID)
}

// GetByNumber retrieves an order by its human-referenceable number.
func (s *OrderService) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return s.orders.GetOrderByNumber(ctx, orderNumber)
}

// ListByUser returns a page of a user's orders, newest first.
func (s *OrderService) ListByUser(ctx context.Context, userID int64, status models.OrderStatus, page, perPage int) ([]models.Order, int, error) {
	return s.orders.ListOrdersByUser(ctx, userID, status, page, perPage)
}

// Cancel cancels a pending or confirmed order on behalf of its owner and
// releases every item reservation.
func (s *OrderService) Cancel(ctx context.Context, orderID, userID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.UserID != userID {
		return nil, apperr.NewAuthorization("cannot cancel another user's order")
	}
	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusConfirmed {
		return nil, apperr.NewValidation("cannot cancel order with status %q", order.Status)
	}

	now := time.Now()
	order.Status = models.OrderStatusCancelled
	order.CancelledAt = &now
	if reason != "" {
		order.Notes = "Cancelled: " + reason
	}

	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	s.releaseOrderInventory(ctx, order)
	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", order.ID),
		zap.String("reason", reason))

	s.publishOrderCancelled(ctx, order, reason)
	return order, nil
}

// UpdateStatus is the privileged transition path used by admin tooling and
// background jobs. The transition table is the single source of truth;
// anything it does not list fails.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, newStatus models.OrderStatus, trackingNumber string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	from := order.Status
	if !from.CanTransitionTo(newStatus) {
		return nil, apperr.NewValidation("cannot transition order from %q to %q", from, newStatus)
	}

	now := time.Now()
	order.Status = newStatus
	if trackingNumber != "" {
		order.TrackingNumber = trackingNumber
	}
	switch newStatus {
	case models.OrderStatusShipped:
		order.ShippedAt = &now
	case models.OrderStatusDelivered:
		order.DeliveredAt = &now
	case models.OrderStatusCancelled:
		order.CancelledAt = &now
	}

	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	if newStatus == models.OrderStatusCancelled {
		s.releaseOrderInventory(ctx, order)
		util.OrdersCancelledTotal.Inc()
	}

	s.publishStatusChanged(ctx, order, from, newStatus)
	return order, nil
}

// ConfirmPayment transitions a pending order to confirmed and converts
// every item's reservation into a permanent deduction. Called by the
// payment simulator after a successful charge.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPayment")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, apperr.NewValidation("cannot confirm order with status %q", order.Status)
	}

	order.Status = models.OrderStatusConfirmed
	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to confirm order: %w", err)
	}

	for _, item := range order.Items {
		if _, err := s.ledger.Confirm(ctx, item.ProductID, item.Quantity); err != nil {
			s.logger.Error("Failed to confirm stock",
				zap.Int64("order_id", order.ID),
				zap.Int64("product_id", item.ProductID),
				zap.Error(err))
		}
	}

	util.OrdersConfirmedTotal.Inc()
	s.logger.Info("Order confirmed", zap.Int64("order_id", order.ID))
	s.publishOrderConfirmed(ctx, order)
	return order, nil
}

// markRefunded is the refund cascade from the payment simulator. Refund of
// a completed payment moves the order straight to refunded regardless of
// its shipping progress; it is the one transition driven by money already
// returned rather than the forward lifecycle.
func (s *OrderService) markRefunded(ctx context.Context, orderID int64) error {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	order.Status = models.OrderStatusRefunded
	return s.orders.UpdateOrder(ctx, order)
}

func (s *OrderService) releaseOrderInventory(ctx context.Context, order *models.Order) {
	for _, item := range order.Items {
		if item.ProductID == 0 {
			continue
		}
		if _, err := s.ledger.Release(ctx, item.ProductID, item.Quantity); err != nil {
			// The product's ledger row may have been removed with the
			// product itself; that is not fatal to the cancellation.
			if apperr.IsNotFound(err) {
				continue
			}
			s.logger.Error("Failed to release stock",
				zap.Int64("order_id", order.ID),
				zap.Int64("product_id", item.ProductID),
				zap.Error(err))
		}
	}
}

func eventItems(items []models.OrderItem) []models.OrderItemData {
	data := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		data = append(data, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return data
}

func (s *OrderService) publishOrderCreated(ctx context.Context, order *models.Order) {
	if s.publisher == nil {
		return
	}
	event := &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       eventItems(order.Items),
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

func (s *OrderService) publishOrderConfirmed(ctx context.Context, order *models.Order) {
	if s.publisher == nil {
		return
	}
	event := &models.OrderConfirmedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderConfirmed),
		OrderID:   order.ID,
		UserID:    order.UserID,
	}
	if err := s.publisher.PublishOrderConfirmed(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderConfirmed event", zap.Error(err))
	}
}

func (s *OrderService) publishOrderCancelled(ctx context.Context, order *models.Order, reason string) {
	if s.publisher == nil {
		return
	}
	event := &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   order.ID,
		Reason:    reason,
	}
	if err := s.publisher.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}
}

func (s *OrderService) publishStatusChanged(ctx context.Context, order *models.Order, from, to models.OrderStatus) {
	if s.publisher == nil {
		return
	}
	event := &models.OrderStatusChangedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderStatus),
		OrderID:   order.ID,
		From:      from,
		To:        to,
	}
	if err := s.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
