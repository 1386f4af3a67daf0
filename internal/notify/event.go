package notify

import (
	"encoding/json"

	"github.com/fjod/rfid-cart/internal/domain"
)

type EventType string

const (
	EventProductScanned   EventType = "product_scanned"
	EventCartUpdated      EventType = "cart_updated"
	EventInventoryUpdated EventType = "inventory_updated"
	EventError            EventType = "error"
)

// Event is one frame delivered to observers.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type ProductScanned struct {
	Product  domain.Product `json:"product"`
	Action   domain.Action  `json:"action"`
	DeviceID string         `json:"deviceId,omitempty"`
	UserID   string         `json:"userId"`
}

type CartUpdated struct {
	UserID string      `json:"userId"`
	Cart   domain.Cart `json:"cart"`
}

// InventoryUpdated carries either one product after a change or the whole
// catalog as a snapshot.
type InventoryUpdated struct {
	Product  *domain.Product
	Products []domain.Product
}

func (i InventoryUpdated) MarshalJSON() ([]byte, error) {
	if i.Product != nil {
		return json.Marshal(struct {
			Product *domain.Product `json:"product"`
		}{i.Product})
	}
	products := i.Products
	if products == nil {
		products = []domain.Product{}
	}
	return json.Marshal(struct {
		Products []domain.Product `json:"products"`
	}{products})
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func NewProductScanned(p ProductScanned) Event {
	return Event{Type: EventProductScanned, Data: p}
}

func NewCartUpdated(c domain.Cart) Event {
	return Event{Type: EventCartUpdated, Data: CartUpdated{UserID: c.UserID, Cart: c}}
}

func NewProductInventory(p domain.Product) Event {
	return Event{Type: EventInventoryUpdated, Data: InventoryUpdated{Product: &p}}
}

func NewInventorySnapshot(products []domain.Product) Event {
	return Event{Type: EventInventoryUpdated, Data: InventoryUpdated{Products: products}}
}

func NewError(message string) Event {
	return Event{Type: EventError, Data: ErrorMessage{Message: message}}
}
