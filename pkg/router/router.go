package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"icebreaker/backend/internal/api"
	"icebreaker/backend/internal/metrics"
	"icebreaker/backend/internal/ws"
	"icebreaker/backend/pkg/config"
	"icebreaker/backend/pkg/di"
	"icebreaker/backend/pkg/errors"
	"icebreaker/backend/pkg/logger"
	"icebreaker/backend/pkg/middleware"
)

// Router is the main router for the application
type Router struct {
	Engine      *gin.Engine
	Container   *di.Container
	Logger      *logger.Logger
	Config      *config.Config
	rateLimiter *middleware.RateLimiter
}

// New creates the gin engine with the shared middleware stack
func New(container *di.Container) *Router {
	cfg := container.Config
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		container.Logger.Warn("invalid trusted proxies, trusting none", "error", err.Error())
		_ = engine.SetTrustedProxies(nil)
	}

	// logger first so every later middleware sees the request-scoped logger
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	if cfg.Observability.Metrics {
		engine.Use(metrics.Middleware())
	}
	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))
	engine.Use(maxBodySize(cfg.Security.MaxBodySize))

	rateLimiter := middleware.NewRateLimiter(container.Logger, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.RateLimit),
		Burst:          cfg.Security.RateLimitBurst,
		ExpiryDuration: time.Hour,
		OnLimited: func(c *gin.Context, _ string) {
			metrics.RateLimitHits.WithLabelValues(c.FullPath()).Inc()
		},
	})

	return &Router{
		Engine:      engine,
		Container:   container,
		Logger:      container.Logger,
		Config:      cfg,
		rateLimiter: rateLimiter,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	c := r.Container
	auth := middleware.Auth(c.Tokens)

	api.RegisterHealthRoutes(r.Engine, c.Health)
	if r.Config.Observability.Metrics {
		r.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Engine.Group("/api/v1")
	v1.Use(r.rateLimiter.Middleware())
	api.NewAuthHandler(c.Store, c.Tokens, r.Logger).RegisterRoutes(v1, auth)
	api.NewRoomHandler(c.Store, c.Rooms, r.Config.Server.BaseURL, r.Logger).RegisterRoutes(v1)

	r.Engine.GET("/ws/rooms/:id", r.rateLimiter.Middleware(), auth, func(ctx *gin.Context) {
		ws.ServeWs(c.Hub, ctx)
	})
}

// Close stops background work owned by the router
func (r *Router) Close() {
	r.rateLimiter.Close()
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	wildcard := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
		case wildcard:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case set[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Authorization, Origin, Upgrade, Connection, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func maxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
