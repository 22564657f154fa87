package v1

import (
	"time"

	"agency-portal-backend/config"
	"agency-portal-backend/internal/delivery/http/middleware"
	"agency-portal-backend/internal/usecase"
	"agency-portal-backend/pkg/apperror"
	"agency-portal-backend/pkg/metrics"
	"agency-portal-backend/pkg/security"
	"agency-portal-backend/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type RouterDeps struct {
	Sessions     middleware.SessionRegistry
	HealthUC     usecase.HealthUsecase
	LoginTracker *security.LoginTracker
	SecurityLog  *security.SecurityLogger
	RateLimiter  *middleware.RateLimiter
	Gatherer     prometheus.Gatherer
	Config       *config.Config
}

func NewRouter(deps RouterDeps) *gin.Engine {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		validation.RegisterValidators(v)
	}

	r := gin.New()

	// Global Middlewares
	r.Use(middleware.CORSMiddleware(deps.Config.FrontendURL)) // CORS must be first!
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	r.Use(middleware.RequestID())
	r.Use(middleware.SecurityHeadersMiddleware())
	r.Use(middleware.ErrorHandler())

	window := time.Duration(deps.Config.RateLimitWindowSeconds) * time.Second
	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil, deps.SecurityLog, nil)
	}

	v1 := r.Group("/v1")

	NewHealthHandler(v1, deps.HealthUC)
	if deps.Gatherer != nil {
		v1.GET("/metrics", gin.WrapH(metrics.Handler(deps.Gatherer)))
	}
	v1.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	browser := v1.Group("")
	browser.Use(limiter.Middleware(middleware.GlobalRateLimitConfig(deps.Config.RateLimitGlobalThreshold, window)))
	browser.Use(middleware.CSRFMiddleware(deps.Config.CookieSecure, "/v1/auth/login", "/v1/auth/register", "/v1/auth/forgot-password"))
	browser.Use(middleware.ClientSession(deps.Sessions, middleware.ClientCookieConfig{
		Secure: deps.Config.CookieSecure,
		MaxAge: deps.Config.SessionTokenTTL,
	}))
	{
		strict := limiter.Middleware(middleware.AuthRateLimitConfig(deps.Config.RateLimitLoginThreshold, window))
		NewAuthHandler(browser, strict, deps.LoginTracker, deps.SecurityLog)
	}

	r.NoRoute(func(c *gin.Context) {
		c.Error(apperror.NotFound("Route not found"))
	})

	return r
}
