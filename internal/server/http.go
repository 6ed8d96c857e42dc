package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sessionhandler "tracklist-api/backend/internal/session/handler"
	"tracklist-api/backend/internal/telemetry"
)

// HTTPDeps holds the collaborators of the HTTP API.
type HTTPDeps struct {
	Auth *sessionhandler.Handler
	// Health answers /readyz. If nil, the route is not mounted.
	Health http.Handler
	// Registry receives the request metrics and is served on /metrics. If nil a private registry
	// with Go and process collectors is created.
	Registry *prometheus.Registry
	// Emitter receives one http_request event per API request. If nil, no events are emitted.
	Emitter telemetry.EventEmitter
	Log     *slog.Logger
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

// NewHTTPHandler returns the root handler: the auth API plus /healthz, /readyz and /metrics.
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := newHTTPMetrics(reg)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if deps.Health != nil {
		r.Handle("/readyz", deps.Health).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(requestMiddleware(log, metrics, deps.Emitter))
	if deps.Auth != nil {
		deps.Auth.Register(api)
	}
	return r
}

// requestMiddleware logs, counts and emits a telemetry event for every routed request.
func requestMiddleware(log *slog.Logger, m *httpMetrics, emitter telemetry.EventEmitter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			status := strconv.Itoa(sw.status)
			m.requests.WithLabelValues(route, r.Method, status).Inc()
			m.duration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

			ip := sessionhandler.ClientIP(r)
			log.InfoContext(r.Context(), "http.request",
				"method", r.Method,
				"route", route,
				"status", sw.status,
				"duration_ms", elapsed.Milliseconds(),
				"client_ip", ip,
			)
			telemetry.EmitAsync(r.Context(), emitter, &telemetry.Event{
				Type:   "http_request",
				Source: "http_middleware",
				Attributes: map[string]string{
					"method":      r.Method,
					"route":       route,
					"status":      status,
					"client_ip":   ip,
					"duration_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
				},
				CreatedAt: time.Now().UTC(),
			})
		})
	}
}

// statusWriter records the response status while preserving Hijacker and Flusher.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
