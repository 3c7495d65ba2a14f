package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routeUnknown labels requests no route matched, such as 404s.
const routeUnknown = "unknown"

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attemptd_http_requests_total",
			Help: "API requests by method, route pattern and status code.",
		},
		[]string{"method", "route", "code"},
	)

	apiRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attemptd_http_request_duration_seconds",
			Help:    "API request latency by method and route pattern. Event streams are excluded.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	eventStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attemptd_event_streams_open",
			Help: "Attempt event streams currently held open by clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal, apiRequestSeconds, eventStreamsOpen)
}

// metricsMiddleware counts requests per chi route pattern, so
// /api/attempts/17 and /api/attempts/18 share the /api/attempts/{id} series.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routeUnknown
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		apiRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		// A stream's duration is its client's lifetime, not latency.
		if ww.Header().Get("Content-Type") != "text/event-stream" {
			apiRequestSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
