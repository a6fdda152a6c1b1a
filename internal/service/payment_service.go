package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commerce-backend/internal/apperr"
	"commerce-backend/internal/models"
	"commerce-backend/internal/util"
)

// PaymentConfig tunes the simulated gateway.
type PaymentConfig struct {
	// SuccessRate is the probability a first attempt succeeds.
	SuccessRate float64
	// RetrySuccessRate models improved conditions on retry.
	RetrySuccessRate float64
	// MaxRetries bounds retry attempts per payment.
	MaxRetries int
}

// simulated gateway failure taxonomy
var paymentFailures = []struct {
	message string
	code    string
}{
	{"Card declined", "CARD_DECLINED"},
	{"Insufficient funds", "INSUFFICIENT_FUNDS"},
	{"Network error", "NETWORK_ERROR"},
	{"Processing error", "PROCESSING_ERROR"},
}

// PaymentService drives order confirmation or rollback through a simulated
// gateway. A failed payment leaves the order's inventory reserved; only an
// explicit cancellation frees stock.
type PaymentService struct {
	payments  PaymentStore
	orders    *OrderService
	publisher Publisher
	cfg       PaymentConfig
	rng       func() float64
	logger    *zap.Logger
}

// NewPaymentService creates the simulator. rng may be nil, in which case a
// time-seeded source is used; tests inject a deterministic one.
func NewPaymentService(payments PaymentStore, orders *OrderService, publisher Publisher, cfg PaymentConfig, rng func() float64) *PaymentService {
	if cfg.SuccessRate == 0 {
		cfg.SuccessRate = 0.85
	}
	if cfg.RetrySuccessRate == 0 {
		cfg.RetrySuccessRate = 0.95
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if rng == nil {
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		rng = src.Float64
	}
	return &PaymentService{
		payments:  payments,
		orders:    orders,
		publisher: publisher,
		cfg:       cfg,
		rng:       rng,
		logger:    util.GetLogger(),
	}
}

// ProcessPaymentRequest carries a payment attempt for an order.
type ProcessPaymentRequest struct {
	OrderID        int64                `json:"order_id" binding:"required"`
	Method         models.PaymentMethod `json:"method" binding:"required"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	CardNumber     string               `json:"card_number,omitempty"`

	// ForceOutcome overrides the random draw; used by admin tooling and
	// tests that need a deterministic gateway.
	ForceOutcome *bool `json:"should_succeed,omitempty"`
}

// Process attempts payment for a pending order. A repeated call with the
// same idempotency key returns the existing payment without a new charge.
func (ps *PaymentService) Process(ctx context.Context, req *ProcessPaymentRequest) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Process")
	defer span.End()

	key := req.IdempotencyKey
	if key == "" {
		key = "pay_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	existing, err := ps.payments.GetPaymentByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check payment idempotency: %w", err)
	}
	if existing != nil {
		ps.logger.Info("Duplicate payment request replayed",
			zap.String("idempotency_key", key),
			zap.Int64("payment_id", existing.ID))
		return existing, nil
	}

	order, err := ps.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, apperr.NewValidation("cannot process payment for order with status %q", order.Status)
	}

	onOrder, err := ps.payments.GetPaymentByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing payment: %w", err)
	}
	if onOrder != nil && onOrder.Status == models.PaymentStatusCompleted {
		return nil, apperr.NewValidation("order %d already has a completed payment", req.OrderID)
	}

	payment := &models.Payment{
		OrderID:        req.OrderID,
		IdempotencyKey: key,
		Amount:         order.TotalAmount,
		Currency:       "USD",
		Method:         req.Method,
		Status:         models.PaymentStatusProcessing,
		MaxRetries:     ps.cfg.MaxRetries,
	}
	if len(req.CardNumber) >= 4 {
		payment.CardLastFour = req.CardNumber[len(req.CardNumber)-4:]
		payment.CardBrand = detectCardBrand(req.CardNumber)
	}

	if err := ps.payments.CreatePayment(ctx, payment); err != nil {
		if apperr.IsConflict(err) {
			// Lost a race with an identical request; return its payment.
			if existing, ferr := ps.payments.GetPaymentByIdempotencyKey(ctx, key); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	ps.attempt(ctx, payment, ps.cfg.SuccessRate, req.ForceOutcome)

	if err := ps.payments.UpdatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	return payment, nil
}

// Retry re-attempts a failed payment with a higher simulated success rate.
// Safe to call repeatedly from a background worker: once the payment is no
// longer retryable the call fails validation instead of charging again.
func (ps *PaymentService) Retry(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Retry")
	defer span.End()

	payment, err := ps.payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !payment.CanRetry() {
		return nil, apperr.NewValidation("payment %d cannot be retried: status %q, retries %d/%d",
			payment.ID, payment.Status, payment.RetryCount, payment.MaxRetries)
	}

	payment.RetryCount++
	payment.Status = models.PaymentStatusProcessing
	payment.ErrorMessage = ""
	payment.ErrorCode = ""

	ps.attempt(ctx, payment, ps.cfg.RetrySuccessRate, nil)

	if err := ps.payments.UpdatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	return payment, nil
}

// Refund refunds a completed payment, fully or partially, and cascades the
// order to refunded.
func (ps *PaymentService) Refund(ctx context.Context, paymentID int64, amount *decimal.Decimal, reason string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Refund")
	defer span.End()

	payment, err := ps.payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil, apperr.NewValidation("cannot refund payment with status %q", payment.Status)
	}

	refundAmount := payment.Amount
	if amount != nil {
		refundAmount = *amount
	}
	if refundAmount.GreaterThan(payment.Amount) {
		return nil, apperr.NewValidation("refund amount %s exceeds payment amount %s",
			refundAmount.String(), payment.Amount.String())
	}

	payment.Status = models.PaymentStatusRefunded
	payment.ErrorMessage = reason

	if err := ps.payments.UpdatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	if err := ps.orders.markRefunded(ctx, payment.OrderID); err != nil {
		ps.logger.Error("Failed to cascade refund to order",
			zap.Int64("order_id", payment.OrderID), zap.Error(err))
	}

	util.PaymentRefundsTotal.Inc()
	ps.logger.Info("Payment refunded",
		zap.Int64("payment_id", payment.ID),
		zap.String("amount", refundAmount.String()))
	ps.publishRefunded(ctx, payment, refundAmount, reason)
	return payment, nil
}

func (ps *PaymentService) publishRefunded(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) {
	if ps.publisher == nil {
		return
	}
	event := &models.PaymentRefundedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentRefunded),
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Amount:    amount,
		Reason:    reason,
	}
	if err := ps.publisher.PublishPaymentRefunded(ctx, event); err != nil {
		ps.logger.Error("Failed to publish PaymentRefunded event", zap.Error(err))
	}
}

// GetByID retrieves a payment.
func (ps *PaymentService) GetByID(ctx context.Context, paymentID int64) (*models.Payment, error) {
	return ps.payments.GetPaymentByID(ctx, paymentID)
}

// GetByOrderID retrieves the payment for an order, or NotFound.
func (ps *PaymentService) GetByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	payment, err := ps.payments.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, apperr.NewNotFound("payment for order", orderID)
	}
	return payment, nil
}

// attempt draws the simulated outcome and mutates the payment accordingly.
// On success the order is confirmed, which converts its reservations into
// deductions. On failure the reservations stay put.
func (ps *PaymentService) attempt(ctx context.Context, payment *models.Payment, successRate float64, force *bool) {
	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	success := ps.rng() < successRate
	if force != nil {
		success = *force
	}

	if success {
		payment.Status = models.PaymentStatusCompleted
		payment.Provider = "simulated"
		payment.ProviderTransactionID = "txn_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

		if _, err := ps.orders.ConfirmPayment(ctx, payment.OrderID); err != nil {
			ps.logger.Error("Failed to confirm order after payment",
				zap.Int64("order_id", payment.OrderID), zap.Error(err))
		}

		util.PaymentSuccessTotal.Inc()
		ps.logger.Info("Payment succeeded",
			zap.Int64("order_id", payment.OrderID),
			zap.String("tx_id", payment.ProviderTransactionID))
		ps.publishCompleted(ctx, payment)
		return
	}

	failure := paymentFailures[int(ps.rng()*float64(len(paymentFailures)))%len(paymentFailures)]
	payment.Status = models.PaymentStatusFailed
	payment.ErrorMessage = failure.message
	payment.ErrorCode = failure.code

	util.PaymentFailedTotal.WithLabelValues(failure.code).Inc()
	ps.logger.Warn("Payment failed",
		zap.Int64("order_id", payment.OrderID),
		zap.String("code", failure.code),
		zap.Int("retry_count", payment.RetryCount))
	ps.publishFailed(ctx, payment)
}

func (ps *PaymentService) publishCompleted(ctx context.Context, payment *models.Payment) {
	if ps.publisher == nil {
		return
	}
	event := &models.PaymentCompletedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentCompleted),
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		TxID:      payment.ProviderTransactionID,
	}
	if err := ps.publisher.PublishPaymentCompleted(ctx, event); err != nil {
		ps.logger.Error("Failed to publish PaymentCompleted event", zap.Error(err))
	}
}

func (ps *PaymentService) publishFailed(ctx context.Context, payment *models.Payment) {
	if ps.publisher == nil {
		return
	}
	event := &models.PaymentFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentFailed),
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Reason:    payment.ErrorMessage,
		Code:      payment.ErrorCode,
		CanRetry:  payment.CanRetry(),
	}
	if err := ps.publisher.PublishPaymentFailed(ctx, event); err != nil {
		ps.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
}

func detectCardBrand(cardNumber string) string {
	switch {
	case strings.HasPrefix(cardNumber, "4"):
		return "Visa"
	case strings.HasPrefix(cardNumber, "51"), strings.HasPrefix(cardNumber, "52"),
		strings.HasPrefix(cardNumber, "53"), strings.HasPrefix(cardNumber, "54"),
		strings.HasPrefix(cardNumber, "55"):
		return "Mastercard"
	case strings.HasPrefix(cardNumber, "34"), strings.HasPrefix(cardNumber, "37"):
		return "Amex"
	case strings.HasPrefix(cardNumber, "6011"):
		return "Discover"
	default:
		return "Unknown"
	}
}
