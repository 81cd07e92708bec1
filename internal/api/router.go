package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dripcheck/dripcheck/internal/database"
	mw "github.com/dripcheck/dripcheck/internal/middleware"
	inats "github.com/dripcheck/dripcheck/internal/nats"
	"github.com/dripcheck/dripcheck/internal/redis"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Extension handlers
	Generate     http.HandlerFunc
	Profile      http.HandlerFunc
	SetUsername  http.HandlerFunc
	RedeemCoupon http.HandlerFunc
	Feedback     http.HandlerFunc

	// Admin auth handlers
	Login   http.HandlerFunc
	Refresh http.HandlerFunc
	Logout  http.HandlerFunc

	// Admin handlers
	GetSettings    http.HandlerFunc
	UpdateSettings http.HandlerFunc
	QuotaStatus    http.HandlerFunc
	GetLimits      http.HandlerFunc
	UpdateLimits   http.HandlerFunc
	EmergencyStop  http.HandlerFunc
	FreeTokenStats http.HandlerFunc
	IPStats        http.HandlerFunc
	UserUsage      http.HandlerFunc
	ListCoupons    http.HandlerFunc
	CreateCoupon   http.HandlerFunc
	ListAuditLogs  http.HandlerFunc
	ListFeedback   http.HandlerFunc

	// IdentityMiddleware attaches the calling user to extension requests.
	IdentityMiddleware func(http.Handler) http.Handler
	// UsernameMiddleware gates features behind a chosen username. Nil
	// disables the gate.
	UsernameMiddleware func(http.Handler) http.Handler
	AuthMiddleware     func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AuthRateLimiter    func(http.Handler) http.Handler
}

func passthrough(next http.Handler) http.Handler { return next }

func NewRouter(pool *pgxpool.Pool, rdb goredis.Cmdable, natsClient *inats.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	requireUsername := h.UsernameMiddleware
	if requireUsername == nil {
		requireUsername = passthrough
	}

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"redis":    "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		// Redis only backs rate limiting and refresh tokens; generation
		// keeps working without it.
		if rdb == nil {
			health["redis"] = "not configured"
		} else if err := redis.HealthCheck(r.Context(), rdb); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
		}

		if natsClient != nil && !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
		} else if natsClient == nil {
			health["nats"] = "not configured"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// The generate pipeline identifies the caller itself so that identity
	// failures are counted with every other admission outcome.
	r.Post("/generate", h.Generate)

	r.Route("/api", func(r chi.Router) {
		// Extension routes
		r.Group(func(r chi.Router) {
			r.Use(h.IdentityMiddleware)
			r.Post("/user-data", h.Profile)
			r.Post("/profile", h.Profile)
			r.Post("/set-username", h.SetUsername)

			r.Group(func(r chi.Router) {
				r.Use(requireUsername)
				r.Post("/redeem-coupon", h.RedeemCoupon)
				r.Post("/feedback", h.Feedback)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Route("/auth", func(r chi.Router) {
				if cfg.AuthRateLimiter != nil {
					r.Use(cfg.AuthRateLimiter)
				}
				r.Post("/login", h.Login)
				r.Post("/refresh", h.Refresh)

				r.Group(func(r chi.Router) {
					r.Use(h.AuthMiddleware)
					r.Post("/logout", h.Logout)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware)

				r.Get("/settings", h.GetSettings)
				r.Put("/settings", h.UpdateSettings)
				r.Get("/status", h.QuotaStatus)
				r.Get("/limits", h.GetLimits)
				r.Put("/limits", h.UpdateLimits)
				r.Post("/emergency-stop", h.EmergencyStop)
				r.Get("/free-token-stats", h.FreeTokenStats)
				r.Get("/ip-stats", h.IPStats)
				r.Get("/users/{userID}/usage", h.UserUsage)
				r.Get("/coupons", h.ListCoupons)
				r.Post("/coupons", h.CreateCoupon)
				r.Get("/audit", h.ListAuditLogs)
				r.Get("/feedback", h.ListFeedback)
			})
		})
	})

	return r
}
