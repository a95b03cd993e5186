// Package api is the HTTP surface of the trading core: a gin server with
// JWT tenant resolution, per-tenant rate limiting on exchange-touching
// routes, and a WebSocket event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"risk-trader/internal/auth"
	"risk-trader/internal/autoparams"
	"risk-trader/internal/cache"
	"risk-trader/internal/database"
	"risk-trader/internal/events"
	"risk-trader/internal/execution"
	"risk-trader/internal/exchange"
	"risk-trader/internal/intent"
	"risk-trader/internal/logging"
	"risk-trader/internal/margin"
	"risk-trader/internal/operations"
	"risk-trader/internal/policy"
	"risk-trader/internal/trailing"
)

// Ports resolves a tenant's exchange connection.
type Ports interface {
	PortFor(ctx context.Context, tenantID string) (exchange.Port, error)
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	RateLimit      int // requests per minute per tenant on exchange routes
}

// Services bundles everything the handlers call.
type Services struct {
	Intents    *intent.Service
	Executor   *execution.Executor
	Operations *operations.Service
	Trailing   *trailing.Service
	Policy     *policy.Service
	Margin     *margin.Service
	Pipeline   *autoparams.Pipeline
	Repo       *database.Repository
	Ports      Ports
	Cache      *cache.Service // may be nil; rate limiter degrades to memory
	Bus        *events.Bus
}

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	svc         Services
	jwt         *auth.JWTManager
	rateLimiter *rateLimiter
	hub         *wsHub
	log         *logging.Logger
}

// NewServer wires the router, middleware and routes.
func NewServer(config ServerConfig, svc Services, jwtManager *auth.JWTManager) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	limit := config.RateLimit
	if limit <= 0 {
		limit = 120
	}

	server := &Server{
		router:      router,
		config:      config,
		svc:         svc,
		jwt:         jwtManager,
		rateLimiter: newRateLimiter(svc.Cache, limit, time.Minute),
		log:         logging.WithComponent("api"),
	}

	server.hub = newWSHub(svc.Bus)
	server.setupRoutes()

	return server
}

// setupRoutes registers the route table.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	authed := s.router.Group("/")
	authed.Use(auth.Middleware(s.jwt))

	authed.GET("/ws", s.handleWebSocket)

	intents := authed.Group("/trading-intents")
	{
		intents.POST("/create", s.handleCreateIntent)
		intents.POST("/auto-calculate", s.rateLimit(), s.handleAutoCalculate)
		intents.GET("", s.handleListIntents)
		intents.GET("/:intent_id", s.handleGetIntent)
		intents.POST("/:intent_id/validate", s.handleValidateIntent)
		intents.POST("/:intent_id/execute", s.rateLimit(), s.handleExecuteIntent)
	}

	authed.POST("/pattern-triggers", s.handlePatternTrigger)

	ops := authed.Group("/operations")
	{
		ops.GET("", s.handleListOperations)
		ops.GET("/:id", s.handleGetOperation)
		ops.POST("/:id/cancel", s.rateLimit(), s.handleCancelOperation)
		ops.POST("/:id/trailing-stop/adjust", s.rateLimit(), s.handleTrailingAdjust)
		ops.GET("/:id/trailing-stop/history", s.handleTrailingHistory)
		ops.POST("/trailing-stop/adjust-all", s.rateLimit(), s.handleTrailingAdjustAll)
	}

	trade := authed.Group("/trade")
	{
		trade.POST("/risk-managed/buy", s.rateLimit(), s.handleRiskManagedBuy)
		trade.POST("/risk-managed/sell", s.rateLimit(), s.handleRiskManagedSell)
		trade.POST("/risk-managed/validate", s.handleRiskManagedValidate)
		trade.GET("/risk-status", s.handleRiskStatus)
		trade.POST("/risk-status/pause", s.handlePolicyPause)
		trade.POST("/risk-status/resume", s.handlePolicyResume)
	}

	authed.GET("/portfolio/positions", s.rateLimit(), s.handlePortfolio)

	marginGroup := authed.Group("/margin/positions")
	{
		marginGroup.POST("", s.rateLimit(), s.handleMarginOpen)
		marginGroup.GET("", s.handleMarginList)
		marginGroup.GET("/:id", s.handleMarginGet)
		marginGroup.POST("/:id/close", s.rateLimit(), s.handleMarginClose)
	}

	authed.GET("/audit/transactions", s.handleAuditList)
}

// Start runs the HTTP server; blocks until shutdown or failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("http server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok", "time": time.Now().UTC()}
	if s.svc.Cache != nil {
		resp["cache"] = s.svc.Cache.GetStats()
	}
	c.JSON(http.StatusOK, resp)
}

// ===== RATE LIMITING =====

// rateLimiter counts requests per tenant per minute window. Redis makes the
// counter shared across instances; when the breaker is open it falls back to
// a local sliding window so an unhealthy Redis never blocks trading.
type rateLimiter struct {
	cache  *cache.Service
	limit  int
	window time.Duration

	mu       sync.Mutex
	requests map[string][]time.Time
}

func newRateLimiter(c *cache.Service, limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		cache:    c,
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
	}
}

// Allow checks whether the tenant may make another exchange-touching call.
func (r *rateLimiter) Allow(ctx context.Context, tenantID string) bool {
	if r.cache != nil && r.cache.IsHealthy() {
		window := time.Now().UTC().Format("200601021504")
		count, err := r.cache.Increment(ctx, cache.RateLimitKey(tenantID, window), cache.RateLimitTTL)
		if err == nil {
			return count <= int64(r.limit)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[tenantID] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[tenantID] = recent
		return false
	}

	r.requests[tenantID] = append(recent, now)
	return true
}

// rateLimit guards routes that hit the exchange.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := auth.TenantID(c)
		if !s.rateLimiter.Allow(c.Request.Context(), tenantID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
