package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/rfid-cart/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	Handler   *Handler
	Validator *auth.Validator
	// Metrics wraps every route when set; MetricsHandler serves /metrics.
	Metrics        func(http.Handler) http.Handler
	MetricsHandler http.Handler
	// Push serves the /ws upgrade when set.
	Push           http.Handler
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := cfg.Handler

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	if cfg.Push != nil {
		r.Method(http.MethodGet, "/ws", cfg.Push)
	}

	r.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		if cfg.MaxBodyBytes > 0 {
			r.Use(middleware.RequestSize(cfg.MaxBodyBytes))
		}
		r.Use(Authenticate(cfg.Validator))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/scan", h.Scan)
			r.Get("/inventory", h.GetInventory)
			r.Get("/devices/{deviceId}", h.GetDevice)

			r.Group(func(r chi.Router) {
				r.Use(RequireUser)
				r.Post("/devices/connect", h.Connect)
				r.Post("/devices/disconnect", h.Disconnect)
				r.Get("/cart", h.GetCart)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireRole(auth.RoleAdmin))
				r.Delete("/carts/{userId}", h.ResetCart)
				r.Put("/inventory/{productId}", h.OverrideInventory)
			})
		})

		r.With(RequireRole(auth.RoleService, auth.RoleAdmin)).
			Post("/internal/checkout/complete", h.CompleteCheckout)
	})

	return r
}
