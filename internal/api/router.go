// Package api provides the HTTP API of the network controller.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dailytasks/dailytasks-netcontrol/internal/auth"
	"github.com/dailytasks/dailytasks-netcontrol/internal/metrics"
)

// RouterConfig carries the collaborators the routes are wired with.
type RouterConfig struct {
	JWT *auth.JWTService

	// Limiter applies to every route; NetworkLimiter additionally to
	// /network. Either may be nil.
	Limiter        *RateLimiter
	NetworkLimiter *RateLimiter

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // serves /metrics when set
	Logger   *zap.Logger
}

// Router wraps the Gin engine with network controller handlers.
type Router struct {
	engine  *gin.Engine
	handler *Handler
	config  RouterConfig
}

// NewRouter creates a new API router.
func NewRouter(handler *Handler, config RouterConfig) *Router {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	// Clients connect directly; never trust X-Forwarded-For for rate limits.
	_ = engine.SetTrustedProxies(nil)

	// Middleware
	engine.Use(Recovery(config.Logger))
	engine.Use(RequestID())
	engine.Use(RequestLogger(config.Logger.Named("http"), config.Metrics))
	engine.Use(securityHeaders())
	engine.Use(corsMiddleware())
	if config.Limiter != nil {
		engine.Use(config.Limiter.Middleware(config.Metrics))
	}

	r := &Router{
		engine:  engine,
		handler: handler,
		config:  config,
	}

	r.setupRoutes()

	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", r.handler.HealthCheck)

	if r.config.Gatherer != nil {
		r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.config.Gatherer, promhttp.HandlerOpts{})))
	}

	// Network access control (parents only)
	network := r.engine.Group("/network")
	if r.config.NetworkLimiter != nil {
		network.Use(r.config.NetworkLimiter.Middleware(r.config.Metrics))
	}
	network.Use(RequireParent(r.config.JWT, r.config.Metrics, r.config.Logger.Named("auth")))
	{
		network.POST("/allow", ValidateMAC(), r.handler.AllowDevice)
		network.POST("/block", ValidateMAC(), r.handler.BlockDevice)
		network.GET("/status/:macAddress", ValidateMAC(), r.handler.DeviceStatus)

		if r.handler.events != nil {
			network.GET("/events", r.handler.ListEvents)
		}
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": msgNotFound})
	})
	r.engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
}

// Engine returns the underlying Gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// securityHeaders sets conservative response headers for a JSON API.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
