// Package metrics exposes Prometheus metrics of the bookstore
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route is the route under which the metrics are served
const Route = "/metrics"

var (
	// Registry holds the bookstore Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bookstore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookstore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookstore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	checkouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookstore",
			Subsystem: "orders",
			Name:      "checkouts_total",
			Help:      "Total number of checkouts by result.",
		},
		[]string{"result"},
	)

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookstore",
			Subsystem: "orders",
			Name:      "status_transitions_total",
			Help:      "Total number of order status transitions.",
		},
		[]string{"from", "to"},
	)

	logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookstore",
			Subsystem: "accounts",
			Name:      "logins_total",
			Help:      "Total number of login attempts by result.",
		},
		[]string{"result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookstore",
			Subsystem: "outbox",
			Name:      "notifications_total",
			Help:      "Total number of outbox notifications processed by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		checkouts,
		orderTransitions,
		logins,
		notifications,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler is a mux middleware collecting HTTP metrics. Requests are labelled
// with their route template, so /books/{book_id} is one series and not one per book.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == Route {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordCheckout records the result of a checkout: "created", "conflict" or "error"
func RecordCheckout(result string) {
	checkouts.WithLabelValues(result).Inc()
}

// RecordOrderTransition records an order status change
func RecordOrderTransition(from, to string) {
	orderTransitions.WithLabelValues(from, to).Inc()
}

// RecordLogin records a login attempt
func RecordLogin(result string) {
	logins.WithLabelValues(result).Inc()
}

// RecordNotifications records the result of an outbox run
func RecordNotifications(published, failed int) {
	notifications.WithLabelValues("published").Add(float64(published))
	notifications.WithLabelValues("failed").Add(float64(failed))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	return r.ResponseWriter.Write(b)
}

// Flush lets streaming handlers keep working behind the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
