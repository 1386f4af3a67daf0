package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveScan("http", "applied")
	m.ObserveScan("http", "applied")
	m.ObserveScan("push", "duplicate")
	m.Compensated()
	m.SetActiveBindings(3)
	m.DroppedNotification("cart_updated")
	m.CheckoutEvent("completed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Scans.WithLabelValues("http", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Scans.WithLabelValues("push", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compensations))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveBindings))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedNotifications.WithLabelValues("cart_updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckoutEvents.WithLabelValues("completed")))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Compensated()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Compensations))
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/devices/{deviceId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/metrics", m.Handler().ServeHTTP)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/cart-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("/api/v1/devices/{deviceId}", "404")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "rfidcart_http_requests_total"))
}
