// Package engine reconciles scan events from every transport against the
// binding table, the catalog, the inventory ledger and the cart store, and
// fans the resulting state out to observers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/rfid-cart/internal/binding"
	"github.com/fjod/rfid-cart/internal/cart"
	"github.com/fjod/rfid-cart/internal/catalog"
	"github.com/fjod/rfid-cart/internal/dedup"
	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/inventory"
	"github.com/fjod/rfid-cart/internal/notify"
)

// Scan outcomes as reported to the metrics recorder.
const (
	OutcomeApplied    = "applied"
	OutcomeDuplicate  = "duplicate"
	OutcomeInvalid    = "invalid"
	OutcomeUnbound    = "unbound"
	OutcomeNotFound   = "not_found"
	OutcomeOutOfStock = "out_of_stock"
	OutcomeFailed     = "failed"
)

type ProductResolver interface {
	Resolve(ctx context.Context, tag string) (domain.Product, error)
	List(ctx context.Context) ([]domain.Product, error)
}

type Publisher interface {
	Publish(event notify.Event, topics ...notify.Topic) int
}

type Recorder interface {
	ObserveScan(origin, outcome string)
	Compensated()
	SetActiveBindings(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveScan(string, string) {}
func (nopRecorder) Compensated()               {}
func (nopRecorder) SetActiveBindings(int)      {}

type Config struct {
	Bindings  *binding.Table
	Dedup     dedup.Deduplicator
	Catalog   ProductResolver
	Inventory *inventory.Ledger
	Carts     *cart.Store
	Notifier  Publisher
	Metrics   Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

type Engine struct {
	bindings  *binding.Table
	dedup     dedup.Deduplicator
	catalog   ProductResolver
	inventory *inventory.Ledger
	carts     *cart.Store
	notifier  Publisher
	metrics   Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewHub(notify.Options{Logger: cfg.Logger})
	}
	return &Engine{
		bindings:  cfg.Bindings,
		dedup:     cfg.Dedup,
		catalog:   cfg.Catalog,
		inventory: cfg.Inventory,
		carts:     cfg.Carts,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// SeedInventory loads the stock of every catalog product into the ledger,
// less the units already held in persisted carts.
func (e *Engine) SeedInventory(ctx context.Context) error {
	products, err := e.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list catalog: %w", err)
	}
	reserved, err := e.carts.ReservedTotals(ctx)
	if err != nil {
		return err
	}

	held := 0
	for _, p := range products {
		available := p.Quantity - reserved[p.ID]
		if available < 0 {
			e.logger.Warn("carts hold more than catalog stock", "product_id", p.ID,
				"stock", p.Quantity, "in_carts", reserved[p.ID])
			available = 0
		}
		e.inventory.Set(p.ID, available, p.MaxStock)
		held += reserved[p.ID]
	}
	e.logger.Info("inventory seeded", "products", len(products), "units_in_carts", held)
	return nil
}

// ProcessScan applies one scan event. A suppressed duplicate is not an
// error: it comes back with Applied=false and Reason "duplicate".
func (e *Engine) ProcessScan(ctx context.Context, ev domain.ScanEvent) (domain.ScanResult, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now()
	}
	log := e.logger.With("device_id", ev.DeviceID, "user_id", ev.UserID, "rfid_tag", ev.RFIDTag,
		"action", ev.Action, "origin", ev.Origin)

	if err := ev.Validate(); err != nil {
		e.metrics.ObserveScan(string(ev.Origin), OutcomeInvalid)
		return domain.ScanResult{}, err
	}

	decision, err := e.dedup.Admit(ctx, ev.DedupKey(), ev.RFIDTag, ev.Action, ev.ReceivedAt)
	if err != nil {
		// fail open
		log.Warn("deduplicator unavailable, admitting scan", "error", err)
		decision = dedup.Admitted
	}
	if decision == dedup.Suppressed {
		e.metrics.ObserveScan(string(ev.Origin), OutcomeDuplicate)
		log.Debug("duplicate scan suppressed")
		return domain.ScanResult{Applied: false, Reason: domain.ReasonDuplicate, Action: ev.Action, UserID: ev.UserID}, nil
	}

	result, err := e.apply(ctx, ev)
	if err != nil {
		e.metrics.ObserveScan(string(ev.Origin), outcomeOf(err))
		log.Info("scan rejected", "error", err)
		if ev.DeviceID != "" {
			e.notifier.Publish(notify.NewError(err.Error()), notify.DeviceTopic(ev.DeviceID))
		}
		return domain.ScanResult{}, err
	}

	e.metrics.ObserveScan(string(ev.Origin), OutcomeApplied)
	e.publishScan(ev, result)
	log.Info("scan applied", "product_id", result.Product.ID, "available", result.Stock.Available,
		"cart_total", result.Cart.Total().String())
	return result, nil
}

func (e *Engine) apply(ctx context.Context, ev domain.ScanEvent) (domain.ScanResult, error) {
	userID, err := e.owner(ev)
	if err != nil {
		return domain.ScanResult{}, err
	}

	product, err := e.catalog.Resolve(ctx, ev.RFIDTag)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownTag) {
			return domain.ScanResult{}, fmt.Errorf("%w: tag %s", domain.ErrProductNotFound, ev.RFIDTag)
		}
		return domain.ScanResult{}, fmt.Errorf("failed to resolve tag %s: %w", ev.RFIDTag, err)
	}

	// From here on the work runs to a committed or compensated state even
	// when the caller goes away.
	ctx = context.WithoutCancel(ctx)

	var (
		c     domain.Cart
		level domain.StockLevel
	)
	switch ev.Action {
	case domain.ActionAdd:
		c, level, err = e.add(ctx, userID, product)
	case domain.ActionRemove:
		c, level, err = e.remove(ctx, userID, product)
	}
	if err != nil {
		return domain.ScanResult{}, err
	}

	p := product.WithStock(level)
	return domain.ScanResult{
		Applied: true,
		Action:  ev.Action,
		UserID:  userID,
		Cart:    &c,
		Product: &p,
		Stock:   &level,
	}, nil
}

// owner picks the explicit user id when present, else the device binding.
func (e *Engine) owner(ev domain.ScanEvent) (string, error) {
	if ev.UserID != "" {
		return ev.UserID, nil
	}
	userID, ok := e.bindings.Lookup(ev.DeviceID)
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnboundDevice, ev.DeviceID)
	}
	e.bindings.Touch(ev.DeviceID, ev.ReceivedAt)
	return userID, nil
}

func (e *Engine) add(ctx context.Context, userID string, product domain.Product) (domain.Cart, domain.StockLevel, error) {
	level, err := e.inventory.Reserve(product.ID, 1)
	if err != nil {
		if errors.Is(err, inventory.ErrInsufficientStock) || errors.Is(err, inventory.ErrUnknownProduct) {
			return domain.Cart{}, domain.StockLevel{}, fmt.Errorf("%w: %s", domain.ErrOutOfStock, product.Name)
		}
		return domain.Cart{}, domain.StockLevel{}, err
	}

	c, err := e.carts.ApplyAdd(ctx, userID, product, 1)
	if err != nil {
		restored := e.inventory.Release(product.ID, 1)
		e.metrics.Compensated()
		e.logger.Error("cart update failed, reservation released",
			"user_id", userID, "product_id", product.ID, "available", restored.Available, "error", err)
		return domain.Cart{}, domain.StockLevel{}, fmt.Errorf("failed to add to cart: %w", err)
	}
	return c, level, nil
}

func (e *Engine) remove(ctx context.Context, userID string, product domain.Product) (domain.Cart, domain.StockLevel, error) {
	c, removed, err := e.carts.ApplyRemove(ctx, userID, product.ID, 1)
	if err != nil {
		return domain.Cart{}, domain.StockLevel{}, fmt.Errorf("failed to remove from cart: %w", err)
	}

	if removed > 0 {
		return c, e.inventory.Release(product.ID, removed), nil
	}
	level, _ := e.inventory.Get(product.ID)
	return c, level, nil
}

func (e *Engine) publishScan(ev domain.ScanEvent, result domain.ScanResult) {
	e.notifier.Publish(notify.NewCartUpdated(*result.Cart), notify.UserTopic(result.UserID))
	e.notifier.Publish(notify.NewProductInventory(*result.Product), notify.InventoryTopic())

	scanned := notify.NewProductScanned(notify.ProductScanned{
		Product:  *result.Product,
		Action:   result.Action,
		DeviceID: ev.DeviceID,
		UserID:   result.UserID,
	})
	if ev.DeviceID != "" {
		e.notifier.Publish(scanned, notify.DeviceTopic(ev.DeviceID))
	} else {
		e.notifier.Publish(scanned, notify.UserTopic(result.UserID))
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnboundDevice):
		return OutcomeUnbound
	case errors.Is(err, domain.ErrProductNotFound):
		return OutcomeNotFound
	case errors.Is(err, domain.ErrOutOfStock):
		return OutcomeOutOfStock
	default:
		return OutcomeFailed
	}
}
