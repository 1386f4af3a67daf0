package domain

// StockLevel is the ledger's view of one product.
type StockLevel struct {
	ProductID int64 `json:"productId"`
	Available int   `json:"available"`
	Max       int   `json:"max,omitempty"` // 0 means unbounded
}

// Clamp keeps available inside [0, Max] (Max only when set).
func (s StockLevel) Clamp() StockLevel {
	if s.Available < 0 {
		s.Available = 0
	}
	if s.Max > 0 && s.Available > s.Max {
		s.Available = s.Max
	}
	return s
}
