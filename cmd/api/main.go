package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agency-portal-backend/config"
	_ "agency-portal-backend/docs" // Important for Swagger
	"agency-portal-backend/internal/delivery/http/middleware"
	v1 "agency-portal-backend/internal/delivery/http/v1"
	"agency-portal-backend/internal/domain"
	"agency-portal-backend/internal/repository/memory"
	"agency-portal-backend/internal/repository/postgres"
	redisrepo "agency-portal-backend/internal/repository/redis"
	"agency-portal-backend/internal/repository/supabase"
	"agency-portal-backend/internal/session"
	"agency-portal-backend/internal/usecase"
	"agency-portal-backend/pkg/auth"
	"agency-portal-backend/pkg/database"
	"agency-portal-backend/pkg/logger"
	"agency-portal-backend/pkg/metrics"
	"agency-portal-backend/pkg/redis"
	"agency-portal-backend/pkg/security"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
)

// @title           Agency Portal Auth API
// @version         1.0
// @description     Session state synchronizer for the agency site. Auth state is kept per browser client and read through /auth/state.
// @host            localhost:8080
// @BasePath        /v1
func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Setup Loggers
	logger.Init(cfg.LogLevel)
	logger.Log.Info("Starting agency portal backend", "port", cfg.Port)

	secLog := security.NewProductionLogger("agency-portal-backend")
	defer func() { _ = secLog.Sync() }()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. Setup Database (profiles are optional: the user view degrades to metadata)
	var profiles domain.ProfileRepository
	var dbCheck usecase.Check
	if cfg.DBUrl != "" {
		dbPool, err := database.NewPostgresConnection(ctx, cfg.DBUrl)
		if err != nil {
			logger.Log.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		profiles = postgres.NewProfileRepository(dbPool)
		dbCheck = dbPool.Ping
		secLog.SetPersistFunc(security.NewEventRepository(dbPool).Persist)
	}

	// 4. Setup Redis (token store and rate limits fall back to memory)
	var redisClient *goredis.Client
	var tokens domain.TokenStore
	var redisCheck usecase.Check
	redisClient, err = redis.Connect(ctx, redis.Config{URL: cfg.UpstashRedisURL, Password: cfg.UpstashRedisPassword})
	switch {
	case err == nil:
		defer redisClient.Close()
		tokens = redisrepo.NewTokenStore(redisClient, cfg.SessionTokenTTL)
		redisCheck = func(ctx context.Context) error { return redis.HealthCheck(ctx, redisClient) }
	case errors.Is(err, redis.ErrNotConfigured):
		tokens = memory.NewTokenStore(cfg.SessionTokenTTL)
	default:
		logger.Log.Warn("Redis unavailable, using in-memory fallback", "error", err)
		tokens = memory.NewTokenStore(cfg.SessionTokenTTL)
	}

	// 5. Setup Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 6. Setup Auth Backend (GoTrue + JWKS)
	// Assuming Supabase URL is like https://xyz.supabase.co
	jwksProvider := auth.NewProvider(cfg.SupabaseUrl + "/auth/v1/.well-known/jwks.json")
	verifier := auth.NewVerifier(cfg.SupabaseJWTSecret, jwksProvider)
	gotrue := supabase.NewGoTrue(cfg.SupabaseUrl, cfg.SupabaseKey, nil, logger.Log)

	newBackend := func(clientID string) usecase.Backend {
		return supabase.NewBackend(gotrue, clientID, supabase.BackendOptions{
			Tokens:        tokens,
			Verifier:      verifier,
			RefreshMargin: cfg.SessionRefreshMargin,
			EventBuffer:   cfg.SessionEventBuffer,
			Logger:        logger.Log.With("client_id", clientID),
		})
	}

	// 7. Setup UseCases
	sessionUC := usecase.NewSessionUsecase(newBackend, profiles, usecase.SessionConfig{
		MaxClients:  cfg.SessionMaxClients,
		IdleTimeout: cfg.SessionIdleTimeout,
		Routes: session.Routes{
			Dashboard:      cfg.RouteDashboard,
			Login:          cfg.RouteLogin,
			PasswordUpdate: cfg.RoutePasswordUpdate,
		},
	}, logger.Log, collector)
	defer sessionUC.Close()
	go sessionUC.Run(ctx)

	healthUC := usecase.NewHealthUsecase(map[string]usecase.Check{
		"database": dbCheck,
		"redis":    redisCheck,
	})

	loginTracker := security.NewLoginTracker(redisClient, security.DefaultLoginTrackerConfig(), secLog)
	limiter := middleware.NewRateLimiter(redisClient, secLog, collector)
	go sweepLimiter(ctx, limiter, time.Duration(cfg.RateLimitWindowSeconds)*time.Second)

	// 8. Setup Router
	router := v1.NewRouter(v1.RouterDeps{
		Sessions:     sessionUC,
		HealthUC:     healthUC,
		LoginTracker: loginTracker,
		SecurityLog:  secLog,
		RateLimiter:  limiter,
		Gatherer:     registry,
		Config:       cfg,
	})

	// 9. Start Server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Listen failed", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server forced to shutdown", "error", err)
	}

	logger.Log.Info("Server exiting")
}

func sweepLimiter(ctx context.Context, limiter *middleware.RateLimiter, window time.Duration) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			limiter.Sweep(now, 2*window)
		}
	}
}
