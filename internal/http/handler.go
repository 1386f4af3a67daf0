package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/rfid-cart/internal/auth"
	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/logger"
	"github.com/go-chi/chi/v5"
)

// Engine is the part of the reconciliation engine the HTTP surface drives.
type Engine interface {
	ProcessScan(ctx context.Context, ev domain.ScanEvent) (domain.ScanResult, error)
	Connect(ctx context.Context, deviceID, userID string) error
	Disconnect(ctx context.Context, userID string) (string, error)
	Cart(ctx context.Context, userID string) domain.Cart
	Inventory(ctx context.Context) ([]domain.Product, error)
	DeviceStatus(deviceID string) (domain.Binding, bool)
	ResetCart(ctx context.Context, userID string) (domain.Cart, error)
	OverrideInventory(ctx context.Context, productID int64, qty int) (domain.Product, error)
	CompleteCheckout(ctx context.Context, userID string) (domain.Cart, error)
}

type Handler struct {
	engine  Engine
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewHandler(engine Engine, timeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, timeout: timeout, logger: logger, now: time.Now}
}

type ScanRequestDTO struct {
	RFIDTag  string        `json:"rfidTag"`
	Action   domain.Action `json:"action"`
	DeviceID string        `json:"deviceId,omitempty"`
}

type ScanResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Cart      *domain.Cart    `json:"cart,omitempty"`
	Product   *domain.Product `json:"product,omitempty"`
}

type DeviceRequestDTO struct {
	DeviceID string `json:"deviceId"`
}

type DeviceResponse struct {
	Success  bool       `json:"success"`
	Message  string     `json:"message,omitempty"`
	DeviceID string     `json:"deviceId,omitempty"`
	UserID   string     `json:"userId,omitempty"`
	Bound    bool       `json:"bound"`
	BoundAt  *time.Time `json:"boundAt,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type InventoryResponse struct {
	Products []domain.Product `json:"products"`
}

type OverrideRequestDTO struct {
	Quantity *int `json:"quantity"`
}

type CheckoutRequestDTO struct {
	UserID string `json:"userId"`
}

type CartResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Cart    domain.Cart `json:"cart"`
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

// Scan ingests one scan. With a device id the scan comes from cart
// hardware and is routed by the device binding; without one it belongs to
// the authenticated caller.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	var req ScanRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	ev := domain.ScanEvent{
		DeviceID:   strings.TrimSpace(req.DeviceID),
		RFIDTag:    strings.TrimSpace(req.RFIDTag),
		Action:     req.Action,
		ReceivedAt: h.now(),
		Origin:     domain.OriginHTTP,
	}
	if ev.DeviceID == "" {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "deviceId or user authentication required")
			return
		}
		ev.UserID = id.UserID
	}

	result, err := h.engine.ProcessScan(ctx, ev)
	if err != nil {
		logger.WithContext(ctx, h.logger).Info("scan failed", "device_id", ev.DeviceID, "rfid_tag", ev.RFIDTag, "error", err)
		handleError(w, err)
		return
	}

	if !result.Applied {
		respondJSON(w, http.StatusOK, ScanResponse{
			Success:   true,
			Message:   "duplicate scan ignored",
			Duplicate: true,
		})
		return
	}

	verb := "added to"
	if result.Action == domain.ActionRemove {
		verb = "removed from"
	}
	respondJSON(w, http.StatusOK, ScanResponse{
		Success: true,
		Message: fmt.Sprintf("%s %s cart", result.Product.Name, verb),
		Cart:    result.Cart,
		Product: result.Product,
	})
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	id, _ := auth.FromContext(r.Context())

	var req DeviceRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "invalid_device_id", "deviceId is required")
		return
	}

	if err := h.engine.Connect(ctx, deviceID, id.UserID); err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, DeviceResponse{
		Success:  true,
		Message:  "device connected",
		DeviceID: deviceID,
		UserID:   id.UserID,
		Bound:    true,
	})
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	id, _ := auth.FromContext(r.Context())

	deviceID, err := h.engine.Disconnect(ctx, id.UserID)
	if err != nil {
		handleError(w, err)
		return
	}

	message := "no device connected"
	if deviceID != "" {
		message = "device disconnected"
	}
	respondJSON(w, http.StatusOK, DeviceResponse{
		Success:  true,
		Message:  message,
		DeviceID: deviceID,
		UserID:   id.UserID,
	})
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	id, _ := auth.FromContext(r.Context())
	respondJSON(w, http.StatusOK, h.engine.Cart(ctx, id.UserID))
}

func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	products, err := h.engine.Inventory(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	if products == nil {
		products = []domain.Product{}
	}
	respondJSON(w, http.StatusOK, InventoryResponse{Products: products})
}

func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	b, ok := h.engine.DeviceStatus(deviceID)
	if !ok {
		respondJSON(w, http.StatusOK, DeviceResponse{Success: true, DeviceID: deviceID, Bound: false})
		return
	}
	respondJSON(w, http.StatusOK, DeviceResponse{
		Success:  true,
		DeviceID: deviceID,
		UserID:   b.UserID,
		Bound:    true,
		BoundAt:  &b.BoundAt,
		LastSeen: &b.LastSeen,
	})
}

// ResetCart clears a cart and returns its stock to inventory.
func (h *Handler) ResetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	userID := chi.URLParam(r, "userId")
	previous, err := h.engine.ResetCart(ctx, userID)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, CartResponse{
		Success: true,
		Message: fmt.Sprintf("cart reset, %d units returned to inventory", previous.ItemCount()),
		Cart:    previous,
	})
}

func (h *Handler) OverrideInventory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	productID, err := strconv.ParseInt(chi.URLParam(r, "productId"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "productId must be a positive integer")
		return
	}

	var req OverrideRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "quantity is required")
		return
	}

	product, err := h.engine.OverrideInventory(ctx, productID, *req.Quantity)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

// CompleteCheckout is called by the payment collaborator once a payment
// went through.
func (h *Handler) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	var req CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	purchased, err := h.engine.CompleteCheckout(ctx, strings.TrimSpace(req.UserID))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CartResponse{Success: true, Message: "checkout completed", Cart: purchased})
}
