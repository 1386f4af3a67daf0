package inventory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger := NewLedger(8)
	ledger.Set(1, 100, 100)
	ledger.Set(2, 0, 20)
	return ledger
}

func TestLedger_Reserve_Success(t *testing.T) {
	ledger := setupLedger(t)

	level, err := ledger.Reserve(1, 10)
	require.NoError(t, err)
	assert.Equal(t, 90, level.Available)

	stored, ok := ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, 90, stored.Available)
}

func TestLedger_Reserve_InsufficientStock(t *testing.T) {
	ledger := setupLedger(t)

	_, err := ledger.Reserve(2, 1)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	// Stock should be unchanged
	level, _ := ledger.Get(2)
	assert.Equal(t, 0, level.Available)
}

func TestLedger_Reserve_UnknownProduct(t *testing.T) {
	ledger := setupLedger(t)

	_, err := ledger.Reserve(999, 1)
	assert.ErrorIs(t, err, ErrUnknownProduct)

	_, ok := ledger.Get(999)
	assert.False(t, ok)
}

func TestLedger_Reserve_InvalidQuantity(t *testing.T) {
	ledger := setupLedger(t)

	_, err := ledger.Reserve(1, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestLedger_Release_ClampsToMax(t *testing.T) {
	ledger := setupLedger(t)
	_, err := ledger.Reserve(1, 5)
	require.NoError(t, err)

	level := ledger.Release(1, 50)
	assert.Equal(t, 100, level.Available)
}

func TestLedger_Release_Unbounded(t *testing.T) {
	ledger := NewLedger(0)
	ledger.Set(7, 3, 0)

	level := ledger.Release(7, 10)
	assert.Equal(t, 13, level.Available)
}

func TestLedger_Release_UnknownProductDoesNotCreate(t *testing.T) {
	ledger := setupLedger(t)

	level := ledger.Release(999, 1)
	assert.Equal(t, 0, level.Available)

	_, ok := ledger.Get(999)
	assert.False(t, ok)
}

func TestLedger_Override(t *testing.T) {
	ledger := setupLedger(t)

	level, err := ledger.Override(2, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, level.Available)
	assert.Equal(t, 30, level.Max)

	level, err = ledger.Override(2, -4)
	require.NoError(t, err)
	assert.Equal(t, 0, level.Available)

	_, err = ledger.Override(999, 1)
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestLedger_Snapshot_Ordered(t *testing.T) {
	ledger := setupLedger(t)
	ledger.Set(0, 1, 0)

	levels := ledger.Snapshot()
	require.Len(t, levels, 3)
	assert.Equal(t, int64(0), levels[0].ProductID)
	assert.Equal(t, int64(2), levels[2].ProductID)
}

func TestLedger_ConcurrentReservations(t *testing.T) {
	ledger := setupLedger(t)

	var wg sync.WaitGroup
	successCount := 0
	var mu sync.Mutex

	// 150 single-unit reservations against 100 units, only 100 succeed
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(1, 1); err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 100, successCount)

	level, _ := ledger.Get(1)
	assert.Equal(t, 0, level.Available)
}

func TestLedger_ConcurrentReserveRelease(t *testing.T) {
	ledger := setupLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(1, 1); err == nil {
				ledger.Release(1, 1)
			}
		}()
	}
	wg.Wait()

	level, _ := ledger.Get(1)
	assert.Equal(t, 100, level.Available)
}
