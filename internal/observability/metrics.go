package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk API dan inti otorisasi.
type Metrics struct {
	registry             *prometheus.Registry
	handler              http.Handler
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	authzDenials         *prometheus.CounterVec
	impersonationEvents  *prometheus.CounterVec
	auditWriteFailures   *prometheus.CounterVec
	activeImpersonations prometheus.Gauge
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pharmacy_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_authz_denials_total",
		Help: "Permintaan yang ditolak guard otorisasi, per route dan guard.",
	}, []string{"route", "guard"})
	impersonation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_impersonation_events_total",
		Help: "Transisi sesi impersonasi (started, stopped, expired, rejected).",
	}, []string{"event"})
	auditFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_audit_write_failures_total",
		Help: "Penulisan audit best-effort yang gagal, per action.",
	}, []string{"action"})
	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pharmacy_impersonation_sessions_active",
		Help: "Jumlah sesi impersonasi aktif pada pembacaan terakhir.",
	})
	registry.MustRegister(requests, duration, denials, impersonation, auditFailures, active)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		authzDenials:         denials,
		impersonationEvents:  impersonation,
		auditWriteFailures:   auditFailures,
		activeImpersonations: active,
	}
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

// AuthzDenied mencatat penolakan guard.
func (m *Metrics) AuthzDenied(r *http.Request, guard string) {
	if m == nil {
		return
	}
	m.authzDenials.WithLabelValues(routePattern(r), guard).Inc()
}

// ImpersonationEvent mencatat transisi sesi impersonasi.
func (m *Metrics) ImpersonationEvent(event string) {
	if m == nil {
		return
	}
	m.impersonationEvents.WithLabelValues(event).Inc()
}

// SetActiveImpersonations memperbarui gauge sesi aktif.
func (m *Metrics) SetActiveImpersonations(n int) {
	if m == nil {
		return
	}
	m.activeImpersonations.Set(float64(n))
}

// AuditWriteFailed mencatat kegagalan penulisan audit.
func (m *Metrics) AuditWriteFailed(action string) {
	if m == nil {
		return
	}
	m.auditWriteFailures.WithLabelValues(action).Inc()
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
	if r == nil {
		return "unknown"
	}
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
