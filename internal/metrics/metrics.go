// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rfidcart"

type Metrics struct {
	registry *prometheus.Registry

	Scans                *prometheus.CounterVec
	Compensations        prometheus.Counter
	ActiveBindings       prometheus.Gauge
	DroppedNotifications *prometheus.CounterVec
	CheckoutEvents       *prometheus.CounterVec
	Requests             *prometheus.CounterVec
	LatencyMS            *prometheus.HistogramVec
}

// New builds the collectors on a private registry so that several
// instances can live in one process.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan events processed, by transport origin and outcome.",
		}, []string{"origin", "outcome"}),
		Compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_compensations_total",
			Help:      "Reservations released because the cart update failed.",
		}),
		ActiveBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_bindings",
			Help:      "Devices currently bound to a user.",
		}),
		DroppedNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_notifications_total",
			Help:      "Notifications dropped for slow subscribers.",
		}, []string{"type"}),
		CheckoutEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_events_total",
			Help:      "Checkout completion events consumed, by result.",
		}, []string{"result"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"handler"}),
	}

	m.registry.MustRegister(
		m.Scans, m.Compensations, m.ActiveBindings, m.DroppedNotifications,
		m.CheckoutEvents, m.Requests, m.LatencyMS,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveScan(origin, outcome string) {
	m.Scans.WithLabelValues(origin, outcome).Inc()
}

func (m *Metrics) Compensated() {
	m.Compensations.Inc()
}

func (m *Metrics) SetActiveBindings(n int) {
	m.ActiveBindings.Set(float64(n))
}

func (m *Metrics) DroppedNotification(eventType string) {
	m.DroppedNotifications.WithLabelValues(eventType).Inc()
}

func (m *Metrics) CheckoutEvent(result string) {
	m.CheckoutEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		handler := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				handler = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
		m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}
