package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	movements       *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	closeRuns       *prometheus.CounterVec
	closeDuration   prometheus.Histogram
	locationsClosed *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_ops_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_ops_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_movements_posted_total",
		Help: "Posted stock movements by kind.",
	}, []string{"kind"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_movements_rejected_total",
		Help: "Rejected stock movements by error code.",
	}, []string{"code"})
	closeRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_close_runs_total",
		Help: "Period close executions by outcome.",
	}, []string{"outcome"})
	closeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockledger_close_duration_seconds",
		Help:    "Duration of period close executions.",
		Buckets: prometheus.DefBuckets,
	})
	locationsClosed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_locations_closed_total",
		Help: "Locations moved to CLOSED.",
	}, []string{"location"})
	registry.MustRegister(requests, duration, movements, rejections, closeRuns, closeDuration, locationsClosed)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		rejections:      rejections,
		closeRuns:       closeRuns,
		closeDuration:   closeDuration,
		locationsClosed: locationsClosed,
	}
}

// ObserveMovement counts a posted movement.
func (m *Metrics) ObserveMovement(kind string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(kind).Inc()
}

// ObserveRejection counts a movement rejected by a business rule.
func (m *Metrics) ObserveRejection(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "UNCLASSIFIED"
	}
	m.rejections.WithLabelValues(code).Inc()
}

// ObserveCloseRun records one ExecuteClose.
func (m *Metrics) ObserveCloseRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.closeRuns.WithLabelValues(outcome).Inc()
	m.closeDuration.Observe(d.Seconds())
}

// ObserveLocationClosed counts a location reaching CLOSED.
func (m *Metrics) ObserveLocationClosed(locationID int64) {
	if m == nil {
		return
	}
	m.locationsClosed.WithLabelValues(strconv.FormatInt(locationID, 10)).Inc()
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
