// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"cartguard/internal/audit"
	"cartguard/internal/blockstore"
	"cartguard/internal/circuitbreaker"
	"cartguard/internal/config"
	"cartguard/internal/fingerprint"
	"cartguard/internal/fraud"
	"cartguard/internal/gate"
	"cartguard/internal/geo"
	"cartguard/internal/health"
	"cartguard/internal/history"
	"cartguard/internal/idgen"
	"cartguard/internal/logging"
	"cartguard/internal/metrics"
	"cartguard/internal/notify"
	"cartguard/internal/pagination"
	"cartguard/internal/ratelimit"
	"cartguard/internal/realtime"
	"cartguard/internal/response"
	"cartguard/internal/security"
	"cartguard/internal/traces"
	"cartguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	gate         *gate.Gate
	blocks       blockstore.Store
	historyStore history.Store
	assessments  fraud.Store
	auditStore   audit.Store
	auditWriter  *audit.Writer
	dispatcher   *notify.Dispatcher
	realtimeHub  *realtime.Hub
	geoResolver  *geo.MaxMindResolver
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB       // nil if using in-memory
	rdb          *redis.Client // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	shutdownTrc  func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.healthReg = health.NewRegistry()

	// Durable storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.assessments = fraud.NewPostgresStore(db)
		s.auditStore = audit.NewPostgresStore(db)
		s.healthReg.Register("postgres", health.DBChecker("postgres", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.assessments = fraud.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.logger.Info("using in-memory assessment storage (data will not persist)")
	}

	// Shared enforcement state (Redis if REDIS_URL set, otherwise in-memory)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rdb = rdb
		s.blocks = blockstore.NewRedisStore(rdb)
		s.historyStore = history.NewRedisStore(rdb)
		s.healthReg.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		s.logger.Info("using Redis block and history state")
	} else {
		s.blocks = blockstore.NewMemoryStore()
		s.historyStore = history.NewMemoryStore()
		s.logger.Info("using in-memory block and history state (single instance only)")
	}

	// Geo resolution is optional: without a database the gate scores on
	// client-supplied coordinates only.
	if cfg.GeoIPCityDB != "" {
		resolver, err := geo.NewMaxMindResolver(cfg.GeoIPCityDB)
		if err != nil {
			s.logger.Warn("geoip database unavailable, IP resolution disabled", "error", err)
		} else {
			s.geoResolver = resolver
			s.logger.Info("geoip resolution enabled", "db", cfg.GeoIPCityDB)
		}
	}

	// Realtime hub for the operator dashboard stream
	s.realtimeHub = realtime.NewHub(s.logger)

	// Notification fanout
	s.dispatcher = notify.NewDispatcher(s.logger)
	s.dispatcher.Register(notify.NewDashboardChannel(s.realtimeHub), 0)
	if cfg.WebhookURL != "" {
		if err := security.ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid webhook url: %w", err)
		}
		s.dispatcher.Register(notify.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookSecret), 1)
		s.logger.Info("webhook notifications enabled")
	}

	// Audit trail
	s.auditWriter = audit.NewWriter(s.auditStore, s.logger)

	// Policy thresholds are configurable; everything else follows the
	// standard band layout.
	policy := response.DefaultPolicy()
	policy.BlockThreshold = cfg.BlockThreshold
	policy.EscalateThreshold = cfg.EscalateThreshold

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	orchestrator := response.NewOrchestrator(policy, s.blocks, s.historyStore, s.dispatcher, s.logger)
	var resolver gate.LocationResolver
	if s.geoResolver != nil {
		resolver = s.geoResolver
	}
	s.gate = gate.New(gate.Deps{
		Config:       cfg,
		Policy:       policy,
		Fingerprints: fingerprint.NewEngine(nil, nil),
		Detector:     geo.NewDetector(nil),
		Resolver:     resolver,
		Scorer:       fraud.NewScorer(),
		Orchestrator: orchestrator,
		Blocks:       s.blocks,
		History:      s.historyStore,
		Assessments:  s.assessments,
		Audit:        s.auditWriter,
		Limiter:      s.rateLimiter,
		Breaker:      circuitbreaker.New(5, 30*time.Second),
		Logger:       s.logger,
	})

	// Configure gin
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (storefront origins call the decision endpoint from the edge)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Correlation ID
	s.router.Use(s.correlationMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for an existing ID (from the storefront or load balancer)
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Correlation-ID", correlationID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware guards mutation endpoints with the shared admin secret.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader("X-Admin-Secret")
		if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Secret header required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for the real-time decision stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// The decision endpoint is the public surface storefronts call.
	gate.NewHandler(s.gate).RegisterRoutes(v1)

	// Admin endpoints require the shared secret. Without one configured the
	// whole admin surface stays unmounted.
	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin endpoints disabled")
		return
	}
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())

	blockstore.NewHandler(s.blocks, s.assessments).RegisterRoutes(admin)

	admin.GET("/audit", s.listAuditHandler)
	admin.GET("/audit/:actorKey", s.listActorAuditHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "degraded"}[healthy],
		"checks": statuses,
	})
}

func (s *Server) listAuditHandler(c *gin.Context) {
	limit := intQuery(c, "limit", 100)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor parameter is malformed",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	var events []*audit.Event
	if cursor == nil {
		events, err = s.auditStore.ListRecent(c.Request.Context(), limit+1)
	} else {
		events, err = s.auditStore.ListBefore(c.Request.Context(), cursor.CreatedAt, limit+1)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to list audit events",
		})
		return
	}

	page, next, more := pagination.ComputePage(events, limit, func(e *audit.Event) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"events":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

func (s *Server) listActorAuditHandler(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	events, err := s.auditStore.ListByActor(c.Request.Context(), c.Param("actorKey"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "store_error",
			"message": "Failed to list audit events",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(c.DefaultQuery(name, ""), "%d", &v); err != nil || v <= 0 {
		return fallback
	}
	return v
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Tracing is optional; without an endpoint the exporter is not started.
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.shutdownTrc = shutdown
		}
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"failMode", string(s.cfg.FailMode),
			"decisionBudget", s.cfg.DecisionBudget.String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start notification workers and the audit writer
	s.dispatcher.Start()
	go s.auditWriter.Start(runCtx)

	// In-memory block stores need their own expiry sweep; Redis handles
	// TTLs natively.
	if mem, ok := s.blocks.(*blockstore.MemoryStore); ok {
		mem.StartJanitor(runCtx, time.Minute)
	}

	// Keep the active-block gauge and DB pool stats current.
	go s.collectGauges(runCtx)
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// collectGauges refreshes the active-block gauge from the store.
func (s *Server) collectGauges(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			blocks, err := s.blocks.List(listCtx, 10000)
			cancel()
			if err != nil {
				continue
			}
			metrics.ActiveBlocks.Set(float64(len(blocks)))
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, janitor, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Drain the notification queue and flush the audit buffer
	s.dispatcher.Stop()
	s.auditWriter.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTrc != nil {
		if err := s.shutdownTrc(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	if s.geoResolver != nil {
		if err := s.geoResolver.Close(); err != nil {
			s.logger.Error("geoip close error", "error", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
