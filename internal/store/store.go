package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commerce-backend/internal/apperr"
	"commerce-backend/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("product", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetActiveProductsByIDs retrieves the active products among the given IDs,
// keyed by product ID. Missing or inactive products are simply absent from
// the result; the caller decides whether that is an error.
func (s *Store) GetActiveProductsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Product, error) {
	if len(ids) == 0 {
		return map[int64]*models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?) AND is_active = true", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	if err := s.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, err
	}

	result := make(map[int64]*models.Product, len(products))
	for i := range products {
		result[products[i].ID] = &products[i]
	}
	return result, nil
}

// GetInventory retrieves the inventory record for a product
func (s *Store) GetInventory(ctx context.Context, productID int64) (*models.InventoryRecord, error) {
	var rec models.InventoryRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM inventory WHERE product_id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("inventory", productID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateInventory creates the inventory record for a product. A second
// record for the same product is rejected with a conflict.
func (s *Store) CreateInventory(ctx context.Context, rec *models.InventoryRecord) error {
	query := `
		INSERT INTO inventory (product_id, quantity, reserved, version, warehouse_id, low_stock_threshold)
		VALUES ($1, $2, 0, 1, $3, $4)
		RETURNING id, reserved, version, created_at, updated_at`

	err := s.db.GetContext(ctx, rec, query,
		rec.ProductID, rec.Quantity, rec.WarehouseID, rec.LowStockThreshold)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return apperr.NewConflict("inventory already exists for product %d", rec.ProductID)
	}
	return err
}

// UpdateInventorySettings updates the alerting threshold and warehouse tag.
// Stock counters are only ever touched by the reserve/release/confirm/restock
// mutators.
func (s *Store) UpdateInventorySettings(ctx context.Context, productID int64, lowStockThreshold int, warehouseID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory SET low_stock_threshold = $1, warehouse_id = $2, updated_at = NOW()
		 WHERE product_id = $3`,
		lowStockThreshold, warehouseID, productID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NewNotFound("inventory", productID)
	}
	return nil
}

// ReserveStock reserves stock under a row-level exclusive lock. The
// SELECT ... FOR UPDATE serializes the read-check-write against every other
// mutator of the same row, so the availability check cannot interleave.
// Returns the available quantity after the reservation.
func (s *Store) ReserveStock(ctx context.Context, productID int64, quantity int) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rec models.InventoryRecord
	err = tx.GetContext(ctx, &rec,
		"SELECT * FROM inventory WHERE product_id = $1 FOR UPDATE", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NewNotFound("inventory", productID)
	}
	if err != nil {
		return 0, fmt.Errorf("lock inventory row: %w", err)
	}

	if rec.Available() < quantity {
		return 0, &apperr.InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: rec.Available(),
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE inventory SET reserved = reserved + $1, version = version + 1, updated_at = NOW()
		 WHERE product_id = $2`,
		quantity, productID)
	if err != nil {
		return 0, fmt.Errorf("reserve stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reservation: %w", err)
	}

	rec.Reserved += quantity
	return rec.Available(), nil
}

// ReserveStockCAS reserves stock with a compare-and-swap on the version
// column instead of holding a row lock. A concurrent mutation since the
// read surfaces as apperr.ErrVersionConflict for the caller to retry.
func (s *Store) ReserveStockCAS(ctx context.Context, productID int64, quantity int) (int, error) {
	rec, err := s.GetInventory(ctx, productID)
	if err != nil {
		return 0, err
	}

	if rec.Available() < quantity {
		return 0, &apperr.InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: rec.Available(),
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE inventory SET reserved = reserved + $1, version = version + 1, updated_at = NOW()
		 WHERE product_id = $2 AND version = $3`,
		quantity, productID, rec.Version)
	if err != nil {
		return 0, fmt.Errorf("reserve stock (cas): %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return 0, apperr.ErrVersionConflict
	}

	rec.Reserved += quantity
	return rec.Available(), nil
}

// ReleaseStock returns reserved units to the pool. Releasing more than is
// currently reserved clamps at zero rather than erroring; the floor keeps a
// double release from driving the counter negative.
func (s *Store) ReleaseStock(ctx context.Context, productID int64, quantity int) (int, error) {
	var rec models.InventoryRecord
	err := s.db.GetContext(ctx, &rec,
		`UPDATE inventory
		 SET reserved = GREATEST(reserved - $1, 0), version = version + 1, updated_at = NOW()
		 WHERE product_id = $2
		 RETURNING quantity, reserved`,
		quantity, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NewNotFound("inventory", productID)
	}
	if err != nil {
		return 0, fmt.Errorf("release stock: %w", err)
	}
	return rec.Available(), nil
}

// ConfirmStock converts a reservation into a permanent deduction after
// payment: both quantity and reserved drop by the confirmed amount. The
// ledger trusts the caller to have reserved at least this much; reserved is
// still floored at zero so a caller bug cannot corrupt the stored counter.
func (s *Store) ConfirmStock(ctx context.Context, productID int64, quantity int) (int, error) {
	var rec models.InventoryRecord
	err := s.db.GetContext(ctx, &rec,
		`UPDATE inventory
		 SET quantity = quantity - $1, reserved = GREATEST(reserved - $1, 0),
		     version = version + 1, updated_at = NOW()
		 WHERE product_id = $2
		 RETURNING quantity, reserved`,
		quantity, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NewNotFound("inventory", productID)
	}
	if err != nil {
		return 0, fmt.Errorf("confirm stock: %w", err)
	}
	return rec.Available(), nil
}

// RestockInventory adds physical stock. Used by admin replenishment.
func (s *Store) RestockInventory(ctx context.Context, productID int64, quantity int) (*models.InventoryRecord, error) {
	var rec models.InventoryRecord
	err := s.db.GetContext(ctx, &rec,
		`UPDATE inventory
		 SET quantity = quantity + $1, version = version + 1, updated_at = NOW()
		 WHERE product_id = $2
		 RETURNING *`,
		quantity, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("inventory", productID)
	}
	if err != nil {
		return nil, fmt.Errorf("restock: %w", err)
	}
	return &rec, nil
}

// ListLowStock returns records at or below their low-stock threshold,
// most urgent first.
func (s *Store) ListLowStock(ctx context.Context, limit int) ([]models.InventoryRecord, error) {
	var recs []models.InventoryRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM inventory
		 WHERE (quantity - reserved) <= low_stock_threshold
		 ORDER BY (quantity - reserved) ASC
		 LIMIT $1`, limit)
	return recs, err
}

// ListOutOfStock returns records with nothing left to sell.
func (s *Store) ListOutOfStock(ctx context.Context) ([]models.InventoryRecord, error) {
	var recs []models.InventoryRecord
	err := s.db.SelectContext(ctx, &recs,
		"SELECT * FROM inventory WHERE (quantity - reserved) <= 0")
	return recs, err
}
