// Package inventory holds available stock per product and hands it out one
// reservation at a time.
package inventory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/shard"
)

// Common errors returned by the ledger
var (
	ErrUnknownProduct    = errors.New("product has no stock record")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// Ledger keeps per-product stock. Operations on one product are mutually
// exclusive; different products never wait on each other beyond a shard.
type Ledger struct {
	stocks *shard.Map[int64, domain.StockLevel]
}

func NewLedger(shards int) *Ledger {
	return &Ledger{stocks: shard.New[int64, domain.StockLevel](shards, shard.Int64Hash)}
}

// Set initializes the stock record of a product. max 0 means no ceiling.
func (l *Ledger) Set(productID int64, available, max int) domain.StockLevel {
	level := domain.StockLevel{ProductID: productID, Available: available, Max: max}.Clamp()
	_ = l.stocks.Update(productID, func(domain.StockLevel, bool) (domain.StockLevel, bool, error) {
		return level, true, nil
	})
	return level
}

// Reserve takes qty units out of the available pool.
func (l *Ledger) Reserve(productID int64, qty int) (domain.StockLevel, error) {
	if qty <= 0 {
		return domain.StockLevel{}, ErrInvalidQuantity
	}

	var level domain.StockLevel
	err := l.stocks.Update(productID, func(cur domain.StockLevel, ok bool) (domain.StockLevel, bool, error) {
		if !ok {
			return cur, false, ErrUnknownProduct
		}
		if cur.Available < qty {
			return cur, true, fmt.Errorf("%w: product %d has %d, requested %d", ErrInsufficientStock, productID, cur.Available, qty)
		}
		cur.Available -= qty
		level = cur
		return cur, true, nil
	})
	if err != nil {
		return domain.StockLevel{}, err
	}
	return level, nil
}

// Release returns qty units to the pool. It never fails: the result is
// clamped to the product's ceiling and to zero, and an unknown product is
// reported as an empty level without creating a record.
func (l *Ledger) Release(productID int64, qty int) domain.StockLevel {
	if qty <= 0 {
		level, _ := l.Get(productID)
		return level
	}

	var level domain.StockLevel
	_ = l.stocks.Update(productID, func(cur domain.StockLevel, ok bool) (domain.StockLevel, bool, error) {
		if !ok {
			level = domain.StockLevel{ProductID: productID}
			return cur, false, nil
		}
		cur.Available += qty
		cur = cur.Clamp()
		level = cur
		return cur, true, nil
	})
	return level
}

// Override sets the available quantity directly, bypassing reservation
// logic. Used by admin consoles. The ceiling is raised when the new
// quantity exceeds it.
func (l *Ledger) Override(productID int64, qty int) (domain.StockLevel, error) {
	if qty < 0 {
		qty = 0
	}

	var level domain.StockLevel
	err := l.stocks.Update(productID, func(cur domain.StockLevel, ok bool) (domain.StockLevel, bool, error) {
		if !ok {
			return cur, false, ErrUnknownProduct
		}
		cur.Available = qty
		if cur.Max > 0 && qty > cur.Max {
			cur.Max = qty
		}
		level = cur
		return cur, true, nil
	})
	return level, err
}

// Get returns the stock record of a product.
func (l *Ledger) Get(productID int64) (domain.StockLevel, bool) {
	return l.stocks.Get(productID)
}

// Snapshot returns every stock record ordered by product id.
func (l *Ledger) Snapshot() []domain.StockLevel {
	levels := make([]domain.StockLevel, 0, l.stocks.Len())
	l.stocks.Range(func(_ int64, level domain.StockLevel) bool {
		levels = append(levels, level)
		return true
	})
	sort.Slice(levels, func(i, j int) bool { return levels[i].ProductID < levels[j].ProductID })
	return levels
}
