// Package api exposes the HTTP surface of the control plane: admission,
// lifecycle queries, tracker control, runtime config, testing hooks,
// reporting and the decision-chain endpoints, plus a websocket stream of
// bus events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"recommendation-engine/config"
	"recommendation-engine/internal/admission"
	"recommendation-engine/internal/auth"
	"recommendation-engine/internal/chains"
	"recommendation-engine/internal/clock"
	"recommendation-engine/internal/events"
	"recommendation-engine/internal/exposure"
	"recommendation-engine/internal/logging"
	"recommendation-engine/internal/pricefeed"
	"recommendation-engine/internal/reporting"
	"recommendation-engine/internal/store"
	"recommendation-engine/internal/tracker"
)

// RateLimiter provides simple in-memory rate limiting per endpoint.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per window
// per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig

	store       store.Store
	admission   *admission.Controller
	tracker     *tracker.Tracker
	monitor     *chains.Monitor
	reporter    *reporting.Reporter
	feed        *pricefeed.Feed
	exposure    *exposure.Index
	runtime     *config.RuntimeManager
	bus         *events.Bus
	clk         clock.Clock
	jwtManager  *auth.JWTManager
	rateLimiter *RateLimiter
	hub         *WSHub
	logger      *logging.Logger
}

// Deps bundles everything the server serves.
type Deps struct {
	Store      store.Store
	Admission  *admission.Controller
	Tracker    *tracker.Tracker
	Monitor    *chains.Monitor
	Reporter   *reporting.Reporter
	Feed       *pricefeed.Feed
	Exposure   *exposure.Index
	Runtime    *config.RuntimeManager
	Bus        *events.Bus
	Clock      clock.Clock
	JWTManager *auth.JWTManager // nil disables auth
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		cfg:         cfg,
		store:       deps.Store,
		admission:   deps.Admission,
		tracker:     deps.Tracker,
		monitor:     deps.Monitor,
		reporter:    deps.Reporter,
		feed:        deps.Feed,
		exposure:    deps.Exposure,
		runtime:     deps.Runtime,
		bus:         deps.Bus,
		clk:         deps.Clock,
		jwtManager:  deps.JWTManager,
		rateLimiter: NewRateLimiter(300, time.Minute),
		hub:         NewWSHub(),
		logger:      logging.WithComponent("api"),
	}

	s.setupRoutes()
	go s.hub.Run()
	deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	api.Use(auth.Middleware(s.jwtManager))

	api.POST("/recommendations", s.handleCreateRecommendation)
	api.GET("/recommendations/:id", s.handleGetRecommendation)
	api.GET("/active-recommendations", s.handleActiveRecommendations)
	api.PUT("/recommendations/:id/close", s.handleCloseRecommendation)
	api.POST("/recommendations/:id/expire", s.handleExpireRecommendation)

	api.POST("/tracker/start", s.handleTrackerStart)
	api.POST("/tracker/stop", s.handleTrackerStop)
	api.GET("/status", s.handleStatus)

	api.GET("/config", s.handleGetConfig)
	api.POST("/config", s.handleUpdateConfig)

	api.POST("/testing/price-override", s.handlePriceOverride)
	api.POST("/testing/price-override/clear", s.handlePriceOverrideClear)

	api.GET("/stats", s.handleStats)
	api.GET("/monitoring/ev-metrics", s.handleEVMetrics)

	api.GET("/decision-chains", s.handleListChains)
	api.GET("/decision-chains/stats", s.handleChainStats)
	api.GET("/decision-chains/:id", s.handleGetChain)
	api.POST("/decision-chains/:id/replay", s.handleReplayChain)
	api.POST("/decision-chains/batch-replay", s.handleBatchReplay)
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "RATE_LIMITED",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// errorResponse sends a failure envelope.
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   code,
		"message": message,
	})
}

// successResponse sends a success envelope.
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
