package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"commerce-backend/internal/apperr"
	"commerce-backend/internal/models"

	"github.com/lib/pq"
)

// orderRow scans order rows null-safely: request_id is NULL for orders
// placed without an idempotency key.
type orderRow struct {
	models.Order
	RequestID sql.NullString `db:"request_id"`
}

func (r *orderRow) order() *models.Order {
	o := r.Order
	o.RequestID = r.RequestID.String
	return &o
}

// orderItemRow scans item rows null-safely: product_id goes NULL when the
// product is removed from the catalog after the order was placed.
type orderItemRow struct {
	models.OrderItem
	ProductID sql.NullInt64 `db:"product_id"`
}

func (r *orderItemRow) item() models.OrderItem {
	it := r.OrderItem
	it.ProductID = r.ProductID.Int64
	return it
}

// CreateOrderWithItems persists the order, its line-item snapshots and the
// per-product purchase counters in a single transaction, so a failure at
// any point leaves no partial order behind.
func (s *Store) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (
			order_number, request_id, user_id, status,
			subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
			shipping_address_line1, shipping_address_line2, shipping_city,
			shipping_state, shipping_postal_code, shipping_country, notes
		)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		order.OrderNumber, order.RequestID, order.UserID, order.Status,
		order.Subtotal, order.TaxAmount, order.ShippingAmount, order.DiscountAmount, order.TotalAmount,
		order.Line1, order.Line2, order.City,
		order.State, order.PostalCode, order.Country, order.Notes,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return apperr.NewConflict("duplicate order: %s", pqErr.Constraint)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, product_image_url, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			items[i].OrderID, items[i].ProductID, items[i].ProductName,
			items[i].ProductImageURL, items[i].Quantity, items[i].UnitPrice,
		).Scan(&items[i].ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE products SET purchase_count = purchase_count + $1 WHERE id = $2",
			items[i].Quantity, items[i].ProductID)
		if err != nil {
			return fmt.Errorf("bump purchase count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}

	order.Items = items
	return nil
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("order", id)
	}
	if err != nil {
		return nil, err
	}
	order := row.order()
	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderByNumber retrieves an order by its human-referenceable number
func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE order_number = $1", orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("order", orderNumber)
	}
	if err != nil {
		return nil, err
	}
	order := row.order()
	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderByRequestID retrieves an order by idempotency key. Returns
// (nil, nil) when no order carries the key.
func (s *Store) GetOrderByRequestID(ctx context.Context, requestID string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE request_id = $1", requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	order := row.order()
	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) loadItems(ctx context.Context, order *models.Order) error {
	var rows []orderItemRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", order.ID)
	if err != nil {
		return err
	}
	order.Items = make([]models.OrderItem, len(rows))
	for i := range rows {
		order.Items[i] = rows[i].item()
	}
	return nil
}

// ListOrdersByUser retrieves a page of a user's orders, newest first,
// optionally filtered by status. Returns the page and the total count.
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64, status models.OrderStatus, page, perPage int) ([]models.Order, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	where := "WHERE user_id = $1"
	args := []interface{}{userID}
	if status != "" {
		where += " AND status = $2"
		args = append(args, status)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders "+where, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT * FROM orders %s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		where, perPage, (page-1)*perPage)

	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}

	orders := make([]models.Order, len(rows))
	for i := range rows {
		order := rows[i].order()
		if err := s.loadItems(ctx, order); err != nil {
			return nil, 0, err
		}
		orders[i] = *order
	}
	return orders, total, nil
}

// UpdateOrder persists status, tracking and lifecycle timestamps.
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, notes = $2, tracking_number = $3,
			shipped_at = $4, delivered_at = $5, cancelled_at = $6,
			updated_at = NOW()
		WHERE id = $7`,
		order.Status, order.Notes, order.TrackingNumber,
		order.ShippedAt, order.DeliveredAt, order.CancelledAt,
		order.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NewNotFound("order", order.ID)
	}
	return nil
}

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (
			order_id, idempotency_key, amount, currency, method, status,
			provider, provider_transaction_id, card_last_four, card_brand,
			retry_count, max_retries
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		payment.OrderID, payment.IdempotencyKey, payment.Amount, payment.Currency,
		payment.Method, payment.Status, payment.Provider, payment.ProviderTransactionID,
		payment.CardLastFour, payment.CardBrand, payment.RetryCount, payment.MaxRetries,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return apperr.NewConflict("duplicate payment: %s", pqErr.Constraint)
	}
	return err
}

// GetPaymentByID retrieves a payment
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("payment", id)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByOrderID retrieves the payment for an order. Returns
// (nil, nil) when the order has no payment yet.
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByIdempotencyKey retrieves a payment by its idempotency key.
// Returns (nil, nil) when no payment carries the key.
func (s *Store) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePayment persists the mutable payment fields after an attempt,
// retry or refund.
func (s *Store) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, provider = $2, provider_transaction_id = $3,
			retry_count = $4, error_message = $5, error_code = $6,
			updated_at = NOW()
		WHERE id = $7`,
		payment.Status, payment.Provider, payment.ProviderTransactionID,
		payment.RetryCount, payment.ErrorMessage, payment.ErrorCode,
		payment.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NewNotFound("payment", payment.ID)
	}
	return nil
}
