package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	convapi "roleplay-chat-demo/backend/conversation/api"
	"roleplay-chat-demo/backend/conversation/service"
	"roleplay-chat-demo/backend/internal/ws"
	"roleplay-chat-demo/backend/pkg/config"
	"roleplay-chat-demo/backend/pkg/errors"
	"roleplay-chat-demo/backend/pkg/health"
	"roleplay-chat-demo/backend/pkg/logger"
	"roleplay-chat-demo/backend/pkg/middleware"
)

// Router is the main router for the application
type Router struct {
	Engine  *gin.Engine
	Hub     *ws.Hub
	Feed    *service.FeedService
	Checker *health.Checker
	Logger  *logger.Logger
	Config  *config.Config

	metricsHandler http.Handler
}

// Options bundles the router dependencies.
type Options struct {
	Feed           *service.FeedService
	Checker        *health.Checker
	Logger         *logger.Logger
	MetricsHandler http.Handler
}

// New creates the router and the websocket hub it serves.
func New(opts Options) *Router {
	cfg := config.Get()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.BodySizeLimit(cfg.Security.MaxBodySize))
	engine.Use(logger.Middleware(opts.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())

	rlOpts := middleware.DefaultRateLimiterOptions()
	if cfg.Security.RateLimit > 0 {
		rlOpts.Limit = rate.Limit(cfg.Security.RateLimit)
	}
	if cfg.Security.RateLimitBurst > 0 {
		rlOpts.Burst = cfg.Security.RateLimitBurst
	}
	rateLimiter := middleware.NewRateLimiter(opts.Logger, rlOpts)
	engine.Use(rateLimiter.Middleware())

	hub := ws.NewHub(opts.Feed, cfg, opts.Logger)
	go hub.Run()

	return &Router{
		Engine:         engine,
		Hub:            hub,
		Feed:           opts.Feed,
		Checker:        opts.Checker,
		Logger:         opts.Logger,
		Config:         cfg,
		metricsHandler: opts.MetricsHandler,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	r.Engine.Use(corsMiddleware(r.Config.Security.AllowedOrigins))

	r.Engine.GET("/health", r.healthCheckHandler())
	if r.metricsHandler != nil {
		r.Engine.GET("/metrics", gin.WrapH(r.metricsHandler))
	}

	v1 := r.Engine.Group("/api/v1")
	feedHandler := convapi.NewHandler(r.Feed, r.Logger)
	feedHandler.RegisterRoutesV1(v1)

	// WebSocket route
	r.Engine.GET("/ws", func(c *gin.Context) {
		ws.ServeWs(r.Hub, c)
	})
}

func (r *Router) healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		overall := health.StatusUp
		var components []health.Component
		if r.Checker != nil {
			overall, components = r.Checker.Report()
			if overall == health.StatusDown {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{
			"status":     overall,
			"components": components,
			"time":       time.Now().Format(time.RFC3339),
		})
	}
}

// corsMiddleware allows the configured browser origins and their
// websocket upgrade headers through. Origins outside the list get no
// CORS headers at all.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		_, listed := allowed[origin]
		if origin != "" && (allowAll || listed) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, X-Request-ID, Origin, Upgrade, Connection, Cache-Control")
			c.Writer.Header().Set("Access-Control-Expose-Headers", "Upgrade, Connection")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
