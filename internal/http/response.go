package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fjod/rfid-cart/internal/auth"
	"github.com/fjod/rfid-cart/internal/domain"
)

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Success: false,
		Message: message,
		Code:    code,
	})
}

// handleError maps the engine's error taxonomy onto HTTP status codes.
func handleError(w http.ResponseWriter, err error) {
	var (
		status int
		code   string
	)

	switch {
	case errors.Is(err, domain.ErrInvalidScan), errors.Is(err, domain.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrUnboundDevice):
		status, code = http.StatusBadRequest, "unbound_device"
	case errors.Is(err, domain.ErrProductNotFound):
		status, code = http.StatusNotFound, "product_not_found"
	case errors.Is(err, domain.ErrOutOfStock):
		status, code = http.StatusConflict, "out_of_stock"
	case errors.Is(err, domain.ErrAlreadyBound):
		status, code = http.StatusConflict, "already_bound"
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	respondError(w, status, code, err.Error())
}
