package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce-backend/internal/apperr"
)

func newTestLedger(store *fakeStore, cfg LedgerConfig) *InventoryLedger {
	return NewInventoryLedger(store, nil, nil, cfg)
}

func TestReserve_Success(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 2)
	ledger := newTestLedger(store, LedgerConfig{})

	available, err := ledger.Reserve(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, available)

	rec := store.record(1)
	assert.Equal(t, 10, rec.Quantity)
	assert.Equal(t, 3, rec.Reserved)
	assert.Equal(t, 2, rec.Version)
}

func TestReserve_InsufficientStock(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 5, 0)
	ledger := newTestLedger(store, LedgerConfig{})

	_, err := ledger.Reserve(context.Background(), 1, 6)
	require.Error(t, err)
	assert.True(t, apperr.IsInsufficientStock(err))

	var is *apperr.InsufficientStockError
	require.ErrorAs(t, err, &is)
	assert.Equal(t, int64(1), is.ProductID)
	assert.Equal(t, 6, is.Requested)
	assert.Equal(t, 5, is.Available)

	// Nothing was held.
	assert.Equal(t, 0, store.record(1).Reserved)
}

func TestReserve_UnknownProduct(t *testing.T) {
	ledger := newTestLedger(newFakeStore(), LedgerConfig{})

	_, err := ledger.Reserve(context.Background(), 99, 1)
	assert.True(t, apperr.IsNotFound(err))
}

func TestReserve_InvalidQuantity(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	ledger := newTestLedger(store, LedgerConfig{})

	for _, qty := range []int{0, -3} {
		_, err := ledger.Reserve(context.Background(), 1, qty)
		assert.True(t, apperr.IsValidation(err), "quantity %d should be rejected", qty)
	}
}

// Reserved units count against availability even though quantity is
// untouched: a second reservation can only take what is left.
func TestReserve_ReservedCountsAgainstAvailability(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	ledger := newTestLedger(store, LedgerConfig{})

	_, err := ledger.Reserve(context.Background(), 1, 8)
	require.NoError(t, err)

	_, err = ledger.Reserve(context.Background(), 1, 3)
	assert.True(t, apperr.IsInsufficientStock(err))

	available, err := ledger.Reserve(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, available)
}

func TestReserve_NoOversellUnderConcurrency(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 30, 0)
	ledger := newTestLedger(store, LedgerConfig{})

	const workers = 50
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(context.Background(), 1, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, failed := 0, 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, apperr.IsInsufficientStock(err))
			failed++
		}
	}

	assert.Equal(t, 30, succeeded)
	assert.Equal(t, 20, failed)
	assert.Equal(t, 30, store.record(1).Reserved)
}

func TestReserve_LockTimeout(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	locker := &fakeLocker{deny: true}
	ledger := NewInventoryLedger(store, locker, nil, LedgerConfig{LockEnabled: true})

	_, err := ledger.Reserve(context.Background(), 1, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsLockAcquisition(err))
	assert.Equal(t, 0, store.record(1).Reserved)
}

func TestReserve_LockAcquiredAndReleased(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	locker := &fakeLocker{}
	ledger := NewInventoryLedger(store, locker, nil, LedgerConfig{LockEnabled: true})

	_, err := ledger.Reserve(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestReserve_OptimisticRetriesThroughConflicts(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	store.casConflicts = 2
	ledger := newTestLedger(store, LedgerConfig{
		Strategy:             StrategyOptimistic,
		OptimisticMaxRetries: 3,
	})

	available, err := ledger.Reserve(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, available)
}

func TestReserve_OptimisticRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	store.casConflicts = 5
	ledger := newTestLedger(store, LedgerConfig{
		Strategy:             StrategyOptimistic,
		OptimisticMaxRetries: 3,
	})

	_, err := ledger.Reserve(context.Background(), 1, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrVersionConflict)
	assert.Equal(t, 0, store.record(1).Reserved)
}

func TestRelease_ReturnsStockToPool(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	ledger := newTestLedger(store, LedgerConfig{})

	_, err := ledger.Reserve(context.Background(), 1, 6)
	require.NoError(t, err)

	available, err := ledger.Release(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, available)

	rec := store.record(1)
	assert.Equal(t, 10, rec.Quantity)
	assert.Equal(t, 2, rec.Reserved)
	assert.Equal(t, 3, rec.Version, "reserve then release bumps the version twice")
}

func TestRelease_ClampsAtZero(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	ledger := newTestLedger(store, LedgerConfig{})

	_, err := ledger.Reserve(context.Background(), 1, 2)
	require.NoError(t, err)

	// Double release: the second call clamps instead of going negative.
	_, err = ledger.Release(context.Background(), 1, 2)
	require.NoError(t, err)
	available, err := ledger.Release(context.Background(), 1, 2)
	require.NoError(t, err)

	assert.Equal(t, 10, available)
	assert.Equal(t, 0, store.record(1).Reserved)
}

func TestConfirm_DeductsReservedStock(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 0)
	ledger := newTestLedger(store, LedgerConfig{})

	_, err := ledger.Reserve(context.Background(), 1, 4)
	require.NoError(t, err)

	available, err := ledger.Confirm(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, available)

	rec := store.record(1)
	assert.Equal(t, 6, rec.Quantity)
	assert.Equal(t, 0, rec.Reserved)
	assert.Equal(t, 3, rec.Version, "reserve then confirm bumps the version twice")
}

func TestRestock_AddsQuantity(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 3, 5)
	ledger := newTestLedger(store, LedgerConfig{})

	rec, err := ledger.Restock(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 23, rec.Quantity)

	_, err = ledger.Restock(context.Background(), 1, -1)
	assert.True(t, apperr.IsValidation(err))
}

func TestListLowStock_MostUrgentFirst(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 100, 5) // healthy
	store.addInventory(2, 3, 5)   // low
	store.addInventory(3, 1, 5)   // lower
	ledger := newTestLedger(store, LedgerConfig{})

	recs, err := ledger.ListLowStock(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(3), recs[0].ProductID)
	assert.Equal(t, int64(2), recs[1].ProductID)
}

func TestReserve_PublishesLowStockAlert(t *testing.T) {
	store := newFakeStore()
	store.addInventory(1, 10, 5)
	publisher := &fakePublisher{}
	ledger := NewInventoryLedger(store, nil, publisher, LedgerConfig{})

	// 10 -> 6 available: still above the threshold.
	_, err := ledger.Reserve(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, publisher.countOf("INVENTORY_LOW_STOCK"))

	// 6 -> 4 available: at or below threshold, alert fires.
	_, err = ledger.Reserve(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, publisher.countOf("INVENTORY_LOW_STOCK"))
}
