package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commerce-backend/internal/apperr"
	"commerce-backend/internal/models"
	"commerce-backend/internal/util"
)

// Concurrency strategies for the reserve path.
const (
	StrategyPessimistic = "pessimistic"
	StrategyOptimistic  = "optimistic"
)

// LedgerConfig tunes the inventory ledger's concurrency behavior.
type LedgerConfig struct {
	// Strategy selects how the read-check-write is serialized:
	// StrategyPessimistic holds a row lock, StrategyOptimistic retries a
	// version compare-and-swap.
	Strategy string

	// OptimisticMaxRetries bounds CAS retries before the conflict is
	// surfaced to the caller.
	OptimisticMaxRetries int

	// LockEnabled layers the advisory distributed lock above the database
	// strategy. Purely a contention reducer; correctness never depends on it.
	LockEnabled     bool
	LockHoldTimeout time.Duration
	LockWaitTimeout time.Duration
}

// InventoryLedger is the sole authority for mutating stock counts. All
// writers go through it; nothing else touches the inventory row.
type InventoryLedger struct {
	store     InventoryStore
	locker    Locker
	publisher Publisher
	cfg       LedgerConfig
	logger    *zap.Logger
}

// NewInventoryLedger creates the ledger. locker and publisher may be nil;
// the ledger then runs without the advisory lock or low-stock alerts.
func NewInventoryLedger(store InventoryStore, locker Locker, publisher Publisher, cfg LedgerConfig) *InventoryLedger {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPessimistic
	}
	if cfg.OptimisticMaxRetries <= 0 {
		cfg.OptimisticMaxRetries = 3
	}
	return &InventoryLedger{
		store:     store,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

func lockName(productID int64) string {
	return fmt.Sprintf("inventory:%d", productID)
}

// Reserve provisionally holds quantity units for an in-flight order and
// returns the available count after the hold. Fails with NotFound when no
// ledger row exists, InsufficientStock when available < quantity, and
// LockAcquisitionError when the advisory lock cannot be obtained in time.
func (l *InventoryLedger) Reserve(ctx context.Context, productID int64, quantity int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve")
	defer span.End()

	if quantity <= 0 {
		return 0, apperr.NewValidation("reserve quantity must be positive, got %d", quantity)
	}

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if l.cfg.LockEnabled && l.locker != nil {
		name := lockName(productID)
		if !l.locker.AcquireLock(ctx, name, l.cfg.LockHoldTimeout, l.cfg.LockWaitTimeout) {
			util.LockAcquireFailures.Inc()
			util.InventoryReservationsFailed.WithLabelValues("lock_timeout").Inc()
			return 0, &apperr.LockAcquisitionError{Resource: name}
		}
		defer l.locker.ReleaseLock(ctx, name)
	}

	available, err := l.reserve(ctx, productID, quantity)
	if err != nil {
		switch {
		case apperr.IsInsufficientStock(err):
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		case apperr.IsNotFound(err):
			util.InventoryReservationsFailed.WithLabelValues("not_found").Inc()
		default:
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		}
		return 0, err
	}

	util.InventoryReservedTotal.Inc()
	l.maybeAlertLowStock(ctx, productID, available)
	return available, nil
}

func (l *InventoryLedger) reserve(ctx context.Context, productID int64, quantity int) (int, error) {
	if l.cfg.Strategy != StrategyOptimistic {
		return l.store.ReserveStock(ctx, productID, quantity)
	}

	var lastErr error
	for attempt := 0; attempt < l.cfg.OptimisticMaxRetries; attempt++ {
		available, err := l.store.ReserveStockCAS(ctx, productID, quantity)
		if err == nil {
			return available, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return 0, err
		}
		util.InventoryVersionConflicts.Inc()
		lastErr = err
	}
	return 0, fmt.Errorf("reservation for product %d: %w", productID, lastErr)
}

// Release returns quantity units from reserved back to the pool. The store
// clamps at zero, so an over-release is tolerated rather than reported.
func (l *InventoryLedger) Release(ctx context.Context, productID int64, quantity int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Release")
	defer span.End()

	if quantity <= 0 {
		return 0, apperr.NewValidation("release quantity must be positive, got %d", quantity)
	}
	return l.store.ReleaseStock(ctx, productID, quantity)
}

// Confirm converts a reservation into a permanent deduction after payment.
// The ledger trusts the caller to have reserved at least quantity first.
func (l *InventoryLedger) Confirm(ctx context.Context, productID int64, quantity int) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Confirm")
	defer span.End()

	if quantity <= 0 {
		return 0, apperr.NewValidation("confirm quantity must be positive, got %d", quantity)
	}
	return l.store.ConfirmStock(ctx, productID, quantity)
}

// Restock adds physical stock for admin replenishment.
func (l *InventoryLedger) Restock(ctx context.Context, productID int64, quantity int) (*models.InventoryRecord, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Restock")
	defer span.End()

	if quantity <= 0 {
		return nil, apperr.NewValidation("restock quantity must be positive, got %d", quantity)
	}
	return l.store.RestockInventory(ctx, productID, quantity)
}

// Get returns the ledger row for a product.
func (l *InventoryLedger) Get(ctx context.Context, productID int64) (*models.InventoryRecord, error) {
	return l.store.GetInventory(ctx, productID)
}

// CreateRecord creates the ledger row for a new product.
func (l *InventoryLedger) CreateRecord(ctx context.Context, rec *models.InventoryRecord) error {
	if rec.Quantity < 0 {
		return apperr.NewValidation("initial quantity must not be negative")
	}
	return l.store.CreateInventory(ctx, rec)
}

// UpdateSettings changes the low-stock threshold and warehouse tag.
func (l *InventoryLedger) UpdateSettings(ctx context.Context, productID int64, lowStockThreshold int, warehouseID string) error {
	if lowStockThreshold < 0 {
		return apperr.NewValidation("low stock threshold must not be negative")
	}
	return l.store.UpdateInventorySettings(ctx, productID, lowStockThreshold, warehouseID)
}

// ListLowStock returns records at or below their alert threshold, most
// urgent first.
func (l *InventoryLedger) ListLowStock(ctx context.Context, limit int) ([]models.InventoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListLowStock(ctx, limit)
}

// ListOutOfStock returns records with no available stock.
func (l *InventoryLedger) ListOutOfStock(ctx context.Context) ([]models.InventoryRecord, error) {
	return l.store.ListOutOfStock(ctx)
}

func (l *InventoryLedger) maybeAlertLowStock(ctx context.Context, productID int64, available int) {
	if l.publisher == nil {
		return
	}
	rec, err := l.store.GetInventory(ctx, productID)
	if err != nil || available > rec.LowStockThreshold {
		return
	}
	event := &models.LowStockEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeLowStock,
			Timestamp: time.Now(),
		},
		ProductID: productID,
		Available: available,
		Threshold: rec.LowStockThreshold,
	}
	if err := l.publisher.PublishLowStock(ctx, event); err != nil {
		l.logger.Error("Failed to publish low stock event",
			zap.Int64("product_id", productID), zap.Error(err))
	}
}
