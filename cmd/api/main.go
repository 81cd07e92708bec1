package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dripcheck/dripcheck/internal/admission"
	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/auth"
	"github.com/dripcheck/dripcheck/internal/config"
	"github.com/dripcheck/dripcheck/internal/database"
	"github.com/dripcheck/dripcheck/internal/feedback"
	"github.com/dripcheck/dripcheck/internal/generation"
	"github.com/dripcheck/dripcheck/internal/governance/admin"
	"github.com/dripcheck/dripcheck/internal/governance/audit"
	"github.com/dripcheck/dripcheck/internal/governance/quota"
	"github.com/dripcheck/dripcheck/internal/governance/usage"
	"github.com/dripcheck/dripcheck/internal/identity"
	mw "github.com/dripcheck/dripcheck/internal/middleware"
	inats "github.com/dripcheck/dripcheck/internal/nats"
	iredis "github.com/dripcheck/dripcheck/internal/redis"
	"github.com/dripcheck/dripcheck/internal/server"
	"github.com/dripcheck/dripcheck/internal/settings"
	"github.com/dripcheck/dripcheck/internal/tokens"
	"github.com/dripcheck/dripcheck/internal/users"
)

const (
	limiterSweepInterval = time.Minute
	readinessInterval    = 10 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("dripcheck exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	setupLogger(cfg.Log)

	seed, err := config.LoadLimitsSeed(cfg.Limits.SeedFile)
	if err != nil {
		return err
	}
	loc, err := cfg.Admission.Location()
	if err != nil {
		return fmt.Errorf("loading admission timezone: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	// NATS is optional; without it audit rows are written directly and usage
	// events are not published.
	var (
		natsClient     *inats.Client
		auditPublisher audit.EventPublisher
		usagePublisher quota.UsagePublisher
	)
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsClient.Close()
		publisher := inats.NewPublisher(natsClient.JetStream())
		auditPublisher = publisher
		usagePublisher = publisher
	}

	// Audit
	auditRepo := audit.NewRepository(pool)
	auditor := audit.NewRecorder(auditPublisher, auditRepo)

	// Singletons
	settingsRepo := settings.NewRepository(pool)
	quotaRepo := quota.NewRepository(pool)
	if err := seedSingletons(ctx, seed, loc, quotaRepo, settingsRepo); err != nil {
		return fmt.Errorf("seeding limits: %w", err)
	}
	settingsSvc := settings.NewService(settingsRepo, auditor)

	// Users and identity
	userRepo := users.NewRepository(pool)
	userSvc := users.NewService(userRepo)
	resolver := identity.NewResolver(userRepo, settingsSvc)

	// Quota
	var limiter quota.WindowLimiter
	var memoryLimiter *quota.MemoryWindowLimiter
	switch cfg.Admission.RateLimiter {
	case "memory":
		memoryLimiter = quota.NewMemoryWindowLimiter()
		limiter = memoryLimiter
	default:
		limiter = quota.NewRedisWindowLimiter(redisClient)
	}
	usageRepo := usage.NewRepository(pool)
	quotaSvc := quota.NewService(quota.Deps{
		Ledger:    quotaRepo,
		Usage:     usageRepo,
		IPCounter: userRepo,
		Settings:  settingsSvc,
		Limiter:   limiter,
		Auditor:   auditor,
		Publisher: usagePublisher,
	}, quota.Options{
		EmergencyStop: cfg.Admission.EmergencyStop,
		Location:      loc,
	})

	// Tokens
	account := tokens.NewAccount(pool)
	couponRepo := tokens.NewCouponRepository(pool)

	// Generation
	var geminiOpts []generation.GeminiOption
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, generation.WithBaseURL(cfg.Gemini.BaseURL))
	}
	gateway := generation.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.Model, geminiOpts...)
	fetcher := generation.NewFetcher(cfg.Admission.FetchTimeout, cfg.Admission.MaxImageBytes)

	pipeline := admission.NewPipeline(resolver, quotaSvc, account, fetcher, gateway, admission.Options{
		RequireUsername: cfg.Admission.RequireUsername,
		TokensPerImage:  cfg.Admission.TokensPerImage,
		LedgerTokens:    cfg.Admission.LedgerTokens,
		GatewayTimeout:  cfg.Gemini.Timeout,
		DefaultItemType: cfg.Admission.DefaultItemType,
	})

	// Admin auth
	jwtManager := auth.NewJWTManager(
		cfg.JWT.AccessSecret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	authSvc := auth.NewService(jwtManager, redisClient, auth.Credentials{
		Username:     cfg.Admin.Username,
		PasswordHash: cfg.Admin.PasswordHash,
	})

	// Handlers
	authHandler := auth.NewHandler(authSvc, auditor)
	userHandler := users.NewHandler(userSvc)
	settingsHandler := settings.NewHandler(settingsSvc)
	tokenHandler := tokens.NewHandler(account, couponRepo, auditor)
	feedbackHandler := feedback.NewHandler(feedback.NewRepository(pool))
	adminHandler := admin.NewHandler(quotaSvc, auditRepo, usageRepo)
	generateHandler := admission.NewHandler(pipeline)

	var usernameGate func(next http.Handler) http.Handler
	if cfg.Admission.RequireUsername {
		usernameGate = users.RequireUsernameSet
	}

	loginLimiter := mw.NewRateLimiter(redisClient, "admin-login", 10, 60)

	router := api.NewRouter(pool, redisClient, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AuthRateLimiter:    loginLimiter.Middleware,
	}, api.HandlerSet{
		Generate:     generateHandler.Generate,
		Profile:      userHandler.Profile,
		SetUsername:  userHandler.SetUsername,
		RedeemCoupon: tokenHandler.Redeem,
		Feedback:     feedbackHandler.Submit,

		Login:   authHandler.Login,
		Refresh: authHandler.Refresh,
		Logout:  authHandler.Logout,

		GetSettings:    settingsHandler.Get,
		UpdateSettings: settingsHandler.Update,
		QuotaStatus:    adminHandler.Status,
		GetLimits:      adminHandler.GetLimits,
		UpdateLimits:   adminHandler.UpdateLimits,
		EmergencyStop:  adminHandler.EmergencyStop,
		FreeTokenStats: userHandler.FreeTokenStats,
		IPStats:        userHandler.IPStats,
		UserUsage:      adminHandler.UserUsage,
		ListCoupons:    tokenHandler.ListCoupons,
		CreateCoupon:   tokenHandler.CreateCoupon,
		ListAuditLogs:  adminHandler.ListAuditLogs,
		ListFeedback:   feedbackHandler.List,

		IdentityMiddleware: identity.Middleware(resolver),
		UsernameMiddleware: usernameGate,
		AuthMiddleware:     auth.Middleware(authSvc),
	})

	httpServer := server.New(cfg.Server, router, cfg.Gemini.Timeout+cfg.Admission.FetchTimeout)
	grpcServer := server.NewGRPCServer(cfg.GRPC)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Start(gctx) })
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error {
		grpcServer.WatchReadiness(gctx, readinessInterval, func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		})
		return nil
	})
	if natsClient != nil {
		consumer := audit.NewConsumer(auditRepo, inats.NewConsumerManager(natsClient.JetStream()))
		g.Go(func() error { return consumer.Start(gctx) })
	}
	if memoryLimiter != nil {
		g.Go(func() error { return memoryLimiter.Run(gctx, limiterSweepInterval) })
	}

	slog.Info("dripcheck started",
		"rate_limiter", cfg.Admission.RateLimiter,
		"require_username", cfg.Admission.RequireUsername,
		"nats", natsClient != nil,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("dripcheck stopped")
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
