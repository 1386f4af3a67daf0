package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/inventory"
	"github.com/fjod/rfid-cart/internal/notify"
)

// Connect binds deviceID to userID for a shopping session.
func (e *Engine) Connect(_ context.Context, deviceID, userID string) error {
	if deviceID == "" || userID == "" {
		return fmt.Errorf("%w: device id and user id are required", domain.ErrInvalidRequest)
	}
	if err := e.bindings.Bind(deviceID, userID); err != nil {
		e.notifier.Publish(notify.NewError(err.Error()), notify.DeviceTopic(deviceID))
		return err
	}
	e.metrics.SetActiveBindings(e.bindings.Len())
	e.logger.Info("device connected", "device_id", deviceID, "user_id", userID)
	return nil
}

// Disconnect releases the device bound to userID, if any, and returns it.
func (e *Engine) Disconnect(_ context.Context, userID string) (string, error) {
	deviceID, ok := e.bindings.UnbindUser(userID)
	if !ok {
		return "", nil
	}
	e.metrics.SetActiveBindings(e.bindings.Len())
	e.logger.Info("device disconnected", "device_id", deviceID, "user_id", userID)
	return deviceID, nil
}

// DeviceStatus reports the binding of deviceID.
func (e *Engine) DeviceStatus(deviceID string) (domain.Binding, bool) {
	return e.bindings.Get(deviceID)
}

// BindingExpired is the idle-sweeper callback.
func (e *Engine) BindingExpired(b domain.Binding) {
	e.metrics.SetActiveBindings(e.bindings.Len())
	e.notifier.Publish(notify.NewError("session expired, device unbound"), notify.DeviceTopic(b.DeviceID))
}

func (e *Engine) Cart(ctx context.Context, userID string) domain.Cart {
	return e.carts.Snapshot(ctx, userID)
}

// Inventory returns every catalog product with its current ledger stock.
func (e *Engine) Inventory(ctx context.Context) ([]domain.Product, error) {
	products, err := e.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	for i, p := range products {
		if level, ok := e.inventory.Get(p.ID); ok {
			products[i] = p.WithStock(level)
		}
	}
	return products, nil
}

// OverrideInventory sets the available quantity of a product directly,
// outside any reservation, and broadcasts the new level.
func (e *Engine) OverrideInventory(ctx context.Context, productID int64, qty int) (domain.Product, error) {
	product, err := e.productByID(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	level, err := e.inventory.Override(productID, qty)
	if err != nil {
		if errors.Is(err, inventory.ErrUnknownProduct) {
			return domain.Product{}, fmt.Errorf("%w: id %d", domain.ErrProductNotFound, productID)
		}
		return domain.Product{}, err
	}

	product = product.WithStock(level)
	e.notifier.Publish(notify.NewProductInventory(product), notify.InventoryTopic())
	e.logger.Info("inventory overridden", "product_id", productID, "available", level.Available)
	return product, nil
}

// ResetCart clears a user's cart and returns every line to inventory. It is
// the recovery path for carts abandoned before checkout.
func (e *Engine) ResetCart(ctx context.Context, userID string) (domain.Cart, error) {
	previous, err := e.carts.Clear(context.WithoutCancel(ctx), userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("failed to clear cart: %w", err)
	}

	for _, item := range previous.Items {
		level := e.inventory.Release(item.ProductID, item.Quantity)
		product := domain.Product{ID: item.ProductID, Name: item.Name, Price: item.UnitPrice, RFIDTag: item.RFIDTag}
		e.notifier.Publish(notify.NewProductInventory(product.WithStock(level)), notify.InventoryTopic())
	}
	e.notifier.Publish(notify.NewCartUpdated(domain.NewCart(userID, e.now())), notify.UserTopic(userID))

	e.logger.Info("cart reset", "user_id", userID, "released_units", previous.ItemCount())
	return previous, nil
}

// CompleteCheckout finishes a paid session: the user's device is unbound,
// then the cart is cleared and inventory stays as it is. It returns the cart
// that was checked out.
func (e *Engine) CompleteCheckout(ctx context.Context, userID string) (domain.Cart, error) {
	if userID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}

	// Unbind first so a late device scan fails instead of refilling the cart.
	deviceID, unbound := e.bindings.UnbindUser(userID)
	if unbound {
		e.metrics.SetActiveBindings(e.bindings.Len())
	}

	previous, err := e.carts.Clear(context.WithoutCancel(ctx), userID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("failed to clear cart: %w", err)
	}

	e.notifier.Publish(notify.NewCartUpdated(domain.NewCart(userID, e.now())), notify.UserTopic(userID))
	e.logger.Info("checkout completed", "user_id", userID, "device_id", deviceID,
		"items", previous.ItemCount(), "total", previous.Total().String())
	return previous, nil
}

func (e *Engine) productByID(ctx context.Context, productID int64) (domain.Product, error) {
	products, err := e.catalog.List(ctx)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to list catalog: %w", err)
	}
	for _, p := range products {
		if p.ID == productID {
			return p, nil
		}
	}
	return domain.Product{}, fmt.Errorf("%w: id %d", domain.ErrProductNotFound, productID)
}
