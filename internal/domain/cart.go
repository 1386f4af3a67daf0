package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Cart is owned by exactly one user. The total is always derived from the
// lines and never stored.
type Cart struct {
	UserID    string     `json:"userId"`
	Items     []CartItem `json:"items"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// CartItem is a product snapshot plus the quantity held by the cart.
type CartItem struct {
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	RFIDTag   string          `json:"rfidTag"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	AddedAt   time.Time       `json:"addedAt"`
}

func (i CartItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func NewCart(userID string, now time.Time) Cart {
	return Cart{UserID: userID, Items: []CartItem{}, CreatedAt: now, UpdatedAt: now}
}

// Total is Σ(price×quantity) over all lines.
func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// ItemCount is the number of units across all lines.
func (c Cart) ItemCount() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Line returns the line for productID, if present.
func (c Cart) Line(productID int64) (CartItem, bool) {
	for _, item := range c.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return CartItem{}, false
}

// Quantity returns how many units of productID the cart holds.
func (c Cart) Quantity(productID int64) int {
	item, _ := c.Line(productID)
	return item.Quantity
}

// Clone returns a deep copy safe to hand out of a lock.
func (c Cart) Clone() Cart {
	items := make([]CartItem, len(c.Items))
	copy(items, c.Items)
	c.Items = items
	return c
}

// Add increases the quantity of product's line, creating it when missing.
// The receiver is modified in place; callers work on a Clone.
func (c *Cart) Add(product Product, qty int, now time.Time) {
	for i := range c.Items {
		if c.Items[i].ProductID == product.ID {
			c.Items[i].Quantity += qty
			c.UpdatedAt = now
			return
		}
	}
	c.Items = append(c.Items, CartItem{
		ProductID: product.ID,
		Name:      product.Name,
		RFIDTag:   product.RFIDTag,
		UnitPrice: product.Price,
		Quantity:  qty,
		AddedAt:   now,
	})
	sort.Slice(c.Items, func(a, b int) bool { return c.Items[a].ProductID < c.Items[b].ProductID })
	c.UpdatedAt = now
}

// Remove takes up to qty units of productID out of the cart and drops the
// line when it reaches zero. It returns the number of units removed.
func (c *Cart) Remove(productID int64, qty int, now time.Time) int {
	for i := range c.Items {
		if c.Items[i].ProductID != productID {
			continue
		}
		removed := min(qty, c.Items[i].Quantity)
		c.Items[i].Quantity -= removed
		if c.Items[i].Quantity == 0 {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
		}
		c.UpdatedAt = now
		return removed
	}
	return 0
}

func (c Cart) MarshalJSON() ([]byte, error) {
	type cartJSON struct {
		UserID    string          `json:"userId"`
		Items     []CartItem      `json:"items"`
		Total     decimal.Decimal `json:"total"`
		ItemCount int             `json:"itemCount"`
		CreatedAt time.Time       `json:"createdAt"`
		UpdatedAt time.Time       `json:"updatedAt"`
	}
	items := c.Items
	if items == nil {
		items = []CartItem{}
	}
	return json.Marshal(cartJSON{
		UserID:    c.UserID,
		Items:     items,
		Total:     c.Total(),
		ItemCount: c.ItemCount(),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	})
}
