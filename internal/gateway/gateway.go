package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/internal/tools"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// maxRequestBody bounds every request body the gateway reads.
const maxRequestBody = 1 << 20

// HealthChecker is a dependency probed by /ready.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ToolRunner executes one metered tool invocation.
type ToolRunner interface {
	Run(ctx context.Context, tool *models.Tool, input string) (*tools.Result, error)
}

// Options wires a Gateway.
type Options struct {
	Quota      *quota.Service
	Plans      *billing.PlanResolver
	Principals billing.PrincipalStore
	Cache      *cache.Cache
	Catalog    tools.Catalog
	Runner     ToolRunner
	Webhooks   *billing.WebhookHandler
	// Events, when set, receives the plan-change subscription that keeps
	// the principal cache fresh.
	Events *events.Bus

	AdminToken         string
	AuthAttemptsPerMin int64
	PrincipalCacheTTL  time.Duration
	AllowedOrigins     []string
	MetricsPath        string

	// Checks are probed by /ready, keyed by dependency name.
	Checks map[string]HealthChecker
	Logger *zap.Logger
}

// Gateway handles API requests
type Gateway struct {
	quota   *quota.Service
	plans   *billing.PlanResolver
	auth    *Authenticator
	catalog tools.Catalog
	runner  ToolRunner
	logger  *zap.Logger
	router  *chi.Mux

	webhookHandler     *billing.WebhookHandler
	adminToken         string
	authAttemptsPerMin int64
	allowedOrigins     []string
	metricsPath        string
	checks             map[string]HealthChecker
}

// NewGateway creates a new API gateway
func NewGateway(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	g := &Gateway{
		quota:              opts.Quota,
		plans:              opts.Plans,
		auth:               NewAuthenticator(opts.Principals, opts.Cache, opts.PrincipalCacheTTL, opts.Logger),
		catalog:            opts.Catalog,
		runner:             opts.Runner,
		logger:             opts.Logger,
		router:             chi.NewRouter(),
		webhookHandler:     opts.Webhooks,
		adminToken:         opts.AdminToken,
		authAttemptsPerMin: opts.AuthAttemptsPerMin,
		allowedOrigins:     opts.AllowedOrigins,
		metricsPath:        opts.MetricsPath,
		checks:             opts.Checks,
	}
	if opts.Events != nil {
		opts.Events.Subscribe(events.EventPlanChanged, g.auth.HandlePlanChanged)
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(SecurityMiddleware(DefaultSecurityConfig()))
	g.router.Use(RequestSizeLimitMiddleware(maxRequestBody))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-DailyLimit-Limit", "X-DailyLimit-Remaining", "X-Usage-Accounting"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook endpoint (no auth - uses signature verification)
	if g.webhookHandler != nil {
		g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)
	}

	g.router.Group(func(r chi.Router) {
		r.Use(APISecurityMiddleware())
		r.Use(g.authMiddleware)

		r.Get("/v1/tools", g.handleListTools)
		r.Post("/v1/tools/{tool_id}/invoke", g.handleInvokeTool)
		r.Get("/v1/usage", g.handleGetUsage)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Get("/admin/quota/{principal_id}", g.handleAdminQuota)
		r.Post("/admin/quota/{principal_id}/reset-window", g.handleAdminResetWindow)
		r.Get("/admin/tools/{tool_id}/stats", g.handleAdminToolStats)
		r.Get("/admin/reconcile", g.handleAdminDeadLetters)
		r.Post("/admin/reconcile", g.handleAdminReconcile)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Authenticator exposes the principal lookup used by the auth middleware.
func (g *Gateway) Authenticator() *Authenticator {
	return g.auth
}

// StartHealthMetrics starts a background goroutine to update dependency health metrics
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for name, check := range g.checks {
		up := 0.0
		if err := check.Health(ctx); err == nil {
			up = 1.0
		}
		dependencyUp.WithLabelValues(name).Set(up)
	}
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if g.adminToken == "" || subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for name, check := range g.checks {
		if err := check.Health(ctx); err != nil {
			g.logger.Warn("dependency not ready", zap.String("dependency", name), zap.Error(err))
			g.writeErrorType(w, http.StatusServiceUnavailable, "api_error", name+" not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeErrorType(w, statusCode, "invalid_request_error", message)
}

func (g *Gateway) writeErrorType(w http.ResponseWriter, statusCode int, errType, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
