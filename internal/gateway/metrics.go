package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status", "plan_tier"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	dependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Status of dependencies (1 = up, 0 = down)",
		},
		[]string{"service"},
	)

	deferredAccounting = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_deferred_accounting_total",
			Help: "Responses returned while their usage commit was left to the retrier",
		},
		[]string{"tool_id"},
	)
)

// tierRecorder lets handlers deeper in the chain report the caller's plan
// tier back to the metrics middleware.
type tierRecorder struct {
	tier string
}

// metricsMiddleware returns a middleware that records HTTP metrics
func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		activeConnections.Inc()
		defer activeConnections.Dec()

		rec := &tierRecorder{tier: "anonymous"}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(withTierRecorder(r.Context(), rec)))

		status := strconv.Itoa(ww.Status())

		// Use the route pattern for low cardinality
		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, routePath, status, rec.tier).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePath, status).Observe(time.Since(start).Seconds())
	})
}

// registerMetrics registers the metrics endpoint
func (g *Gateway) registerMetrics() {
	g.router.Handle(g.metricsPath, promhttp.Handler())
}

const tierRecorderKey contextKey = "tier_recorder"

func withTierRecorder(ctx context.Context, rec *tierRecorder) context.Context {
	return context.WithValue(ctx, tierRecorderKey, rec)
}

func recordTier(ctx context.Context, tier string) {
	if rec, ok := ctx.Value(tierRecorderKey).(*tierRecorder); ok {
		rec.tier = tier
	}
}
