package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/gate"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/grants"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/rounding"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/session"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

// Options wires the gateway to the services it exposes.
type Options struct {
	Store    ledger.Store
	Balances *ledger.BalanceService
	Gate     *gate.Gate
	Sessions *session.Manager
	Policy   *rounding.Policy
	Webhooks *grants.WebhookHandler
	// Limiter is optional; nil disables per-user request limiting.
	Limiter Limiter
	// Cache is optional; when set it is part of readiness.
	Cache     *cache.Cache
	Publisher events.Publisher

	JWTSecret      string
	AdminToken     string
	AllowedOrigins []string
	RequestTimeout time.Duration
	Production     bool
}

// Gateway handles API requests
type Gateway struct {
	opts          Options
	logger        *zap.Logger
	authenticator *Authenticator
	validate      *validator.Validate
	router        *chi.Mux
}

// NewGateway creates the HTTP surface of the metering service.
func NewGateway(opts Options, logger *zap.Logger) (*Gateway, error) {
	switch {
	case opts.Store == nil, opts.Balances == nil, opts.Gate == nil:
		return nil, errors.New("gateway: ledger services are required")
	case opts.Sessions == nil, opts.Policy == nil:
		return nil, errors.New("gateway: session manager and rounding policy are required")
	case opts.Webhooks == nil:
		return nil, errors.New("gateway: webhook handler is required")
	case opts.AdminToken == "":
		return nil, errors.New("gateway: admin token is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	authenticator, err := NewAuthenticator(opts.JWTSecret)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		opts:          opts,
		logger:        logger,
		authenticator: authenticator,
		validate:      validator.New(),
		router:        chi.NewRouter(),
	}
	g.setupRoutes()
	return g, nil
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(g.opts.RequestTimeout))
	g.router.Use(SecurityHeaders(g.opts.Production))

	origins := g.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Token"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// authenticated by shared secret or Stripe signature, never by JWT
	g.router.Post("/webhooks/purchases", g.opts.Webhooks.HandlePurchases)
	g.router.Post("/webhooks/stripe", g.opts.Webhooks.HandleStripe)

	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Get("/v1/balance", g.handleBalance)
		r.Post("/v1/ensure", g.handleEnsure)

		r.Post("/v1/sessions/open", g.handleOpenSession)
		r.Post("/v1/sessions/heartbeat", g.handleHeartbeat)
		r.Post("/v1/sessions/close", g.handleCloseSession)
		r.Get("/v1/sessions/{session_id}", g.handleGetSession)

		r.Post("/v1/actions/charge", g.handleChargeAction)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Get("/admin/users/{user_id}/balance", g.handleAdminBalance)
		r.Get("/admin/users/{user_id}/entries", g.handleAdminEntries)
		r.Post("/admin/users/{user_id}/grants", g.handleAdminGrant)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics refreshes the dependency gauges every interval.
func (g *Gateway) StartHealthMetrics(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
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
	ledgerStatus := 0.0
	if err := g.opts.Store.Health(ctx); err == nil {
		ledgerStatus = 1.0
	}
	dependencyUp.WithLabelValues("ledger").Set(ledgerStatus)

	if g.opts.Cache == nil {
		return
	}
	redisStatus := 0.0
	if err := g.opts.Cache.Health(ctx); err == nil {
		redisStatus = 1.0
	}
	dependencyUp.WithLabelValues("redis").Set(redisStatus)
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
			g.writeError(w, http.StatusUnauthorized, "missing admin token", "unauthorized")
			return
		}

		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.opts.AdminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token", "unauthorized")
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

	if err := g.opts.Store.Health(ctx); err != nil {
		g.logger.Warn("ledger store not ready", zap.Error(err))
		g.writeError(w, http.StatusServiceUnavailable, "ledger store not ready", "store_unavailable")
		return
	}

	if g.opts.Cache != nil {
		if err := g.opts.Cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready", "store_unavailable")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return false
	}

	if err := g.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			g.writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
			return false
		}
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = "failed on '" + fe.Tag() + "'"
		}
		g.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": "request validation failed",
				"type":    "invalid_request_error",
				"details": details,
			},
		})
		return false
	}
	return true
}

// statusFor maps service errors to HTTP responses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, session.ErrInvalidKind):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	g.writeError(w, status, message, errType)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message, errType string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
