package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog view the order path needs: identity, pricing and
// the active flag. Catalog CRUD itself lives outside this service.
type Product struct {
	ID              int64           `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	ImageURL        string          `db:"image_url" json:"image_url,omitempty"`
	Price           decimal.Decimal `db:"price" json:"price"`
	DiscountPercent decimal.Decimal `db:"discount_percent" json:"discount_percent"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	PurchaseCount   int64           `db:"purchase_count" json:"purchase_count"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// EffectivePrice returns the list price reduced by the discount percentage,
// rounded to currency precision.
func (p *Product) EffectivePrice() decimal.Decimal {
	if p.DiscountPercent.IsZero() {
		return p.Price.Round(2)
	}
	factor := decimal.NewFromInt(100).Sub(p.DiscountPercent).Div(decimal.NewFromInt(100))
	return p.Price.Mul(factor).Round(2)
}

// InventoryRecord tracks stock for one product. The version column backs
// optimistic conflict detection; reserved holds units provisionally taken
// by in-flight orders.
type InventoryRecord struct {
	ID                int64     `db:"id" json:"id"`
	ProductID         int64     `db:"product_id" json:"product_id"`
	Quantity          int       `db:"quantity" json:"quantity"`
	Reserved          int       `db:"reserved" json:"reserved"`
	Version           int       `db:"version" json:"version"`
	WarehouseID       string    `db:"warehouse_id" json:"warehouse_id,omitempty"`
	LowStockThreshold int       `db:"low_stock_threshold" json:"low_stock_threshold"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Available is quantity minus reserved, floored at zero.
func (r *InventoryRecord) Available() int {
	if avail := r.Quantity - r.Reserved; avail > 0 {
		return avail
	}
	return 0
}

// IsLowStock reports whether available stock is at or below the threshold.
func (r *InventoryRecord) IsLowStock() bool {
	return r.Available() <= r.LowStockThreshold
}

// IsOutOfStock reports whether no stock is available.
func (r *InventoryRecord) IsOutOfStock() bool {
	return r.Available() <= 0
}

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// orderTransitions is the single source of truth for status legality.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusCancelled:  {},
	OrderStatusRefunded:   {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status freezes the order.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// ShippingAddress is embedded into the order row.
type ShippingAddress struct {
	Line1      string `db:"shipping_address_line1" json:"line1"`
	Line2      string `db:"shipping_address_line2" json:"line2,omitempty"`
	City       string `db:"shipping_city" json:"city"`
	State      string `db:"shipping_state" json:"state"`
	PostalCode string `db:"shipping_postal_code" json:"postal_code"`
	Country    string `db:"shipping_country" json:"country"`
}

// Order is a customer order. Monetary fields are fixed-point decimals;
// TotalAmount is always subtotal + tax + shipping - discount.
type Order struct {
	ID             int64           `db:"id" json:"id"`
	OrderNumber    string          `db:"order_number" json:"order_number"`
	RequestID      string          `db:"request_id" json:"request_id,omitempty"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Status         OrderStatus     `db:"status" json:"status"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxAmount      decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	ShippingAmount decimal.Decimal `db:"shipping_amount" json:"shipping_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`

	ShippingAddress `json:"shipping_address"`

	Notes          string     `db:"notes" json:"notes,omitempty"`
	TrackingNumber string     `db:"tracking_number" json:"tracking_number,omitempty"`
	ShippedAt      *time.Time `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt    *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// OrderItem snapshots the product name, image and unit price at order time
// so order history survives later catalog changes. ProductID is nullable in
// the schema because products may be removed after the fact.
type OrderItem struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	ProductID       int64           `db:"product_id" json:"product_id"`
	ProductName     string          `db:"product_name" json:"product_name"`
	ProductImageURL string          `db:"product_image_url" json:"product_image_url,omitempty"`
	Quantity        int             `db:"quantity" json:"quantity"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// TotalPrice is the line total.
func (i *OrderItem) TotalPrice() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// PaymentStatus enumerates the payment lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
)

// PaymentMethod enumerates accepted payment instruments.
type PaymentMethod string

const (
	PaymentMethodCreditCard     PaymentMethod = "credit_card"
	PaymentMethodDebitCard      PaymentMethod = "debit_card"
	PaymentMethodPaypal         PaymentMethod = "paypal"
	PaymentMethodBankTransfer   PaymentMethod = "bank_transfer"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// Payment is one-to-one with an order. The idempotency key makes repeated
// process calls return the existing row instead of charging twice.
type Payment struct {
	ID                    int64           `db:"id" json:"id"`
	OrderID               int64           `db:"order_id" json:"order_id"`
	IdempotencyKey        string          `db:"idempotency_key" json:"idempotency_key"`
	Amount                decimal.Decimal `db:"amount" json:"amount"`
	Currency              string          `db:"currency" json:"currency"`
	Method                PaymentMethod   `db:"method" json:"method"`
	Status                PaymentStatus   `db:"status" json:"status"`
	Provider              string          `db:"provider" json:"provider,omitempty"`
	ProviderTransactionID string          `db:"provider_transaction_id" json:"provider_transaction_id,omitempty"`
	CardLastFour          string          `db:"card_last_four" json:"card_last_four,omitempty"`
	CardBrand             string          `db:"card_brand" json:"card_brand,omitempty"`
	RetryCount            int             `db:"retry_count" json:"retry_count"`
	MaxRetries            int             `db:"max_retries" json:"max_retries"`
	ErrorMessage          string          `db:"error_message" json:"error_message,omitempty"`
	ErrorCode             string          `db:"error_code" json:"error_code,omitempty"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// CanRetry reports whether a failed payment has retry attempts left.
func (p *Payment) CanRetry() bool {
	return p.Status == PaymentStatusFailed && p.RetryCount < p.MaxRetries
}

// IsSuccessful reports whether the payment completed.
func (p *Payment) IsSuccessful() bool {
	return p.Status == PaymentStatusCompleted
}

// Role is the caller identity class supplied by the auth layer.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleDriver   Role = "driver"
)
