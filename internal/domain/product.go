package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog record as seen by the engine. Quantity is the
// available stock at the time the record was read.
type Product struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	RFIDTag   string          `json:"rfidTag"`
	Quantity  int             `json:"quantity"`
	MaxStock  int             `json:"maxStock,omitempty"` // 0 means no ceiling
	CreatedAt time.Time       `json:"createdAt"`
}

// WithStock returns a copy of p carrying the given stock level.
func (p Product) WithStock(level StockLevel) Product {
	p.Quantity = level.Available
	p.MaxStock = level.Max
	return p
}
