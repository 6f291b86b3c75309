// Package server wires the keygate HTTP API: admission checks for
// inbound bot traffic, the order lifecycle, admin security tooling, and
// the realtime admin feed.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq"

	"github.com/mbd888/keygate/internal/abuse"
	"github.com/mbd888/keygate/internal/approval"
	"github.com/mbd888/keygate/internal/circuitbreaker"
	"github.com/mbd888/keygate/internal/config"
	"github.com/mbd888/keygate/internal/gate"
	"github.com/mbd888/keygate/internal/logging"
	"github.com/mbd888/keygate/internal/metrics"
	"github.com/mbd888/keygate/internal/notify"
	"github.com/mbd888/keygate/internal/orders"
	"github.com/mbd888/keygate/internal/payment"
	"github.com/mbd888/keygate/internal/provision"
	"github.com/mbd888/keygate/internal/ratelimit"
	"github.com/mbd888/keygate/internal/realtime"
	"github.com/mbd888/keygate/internal/security"
	"github.com/mbd888/keygate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	gate         *gate.Gate
	scorer       *abuse.Scorer
	eventStore   abuse.EventStore
	orderStore   orders.Store
	orderSvc     *orders.Service
	provisioner  provision.Provisioner
	verifier     payment.Verifier
	scheduler    *approval.Scheduler
	sweeper      *orders.Sweeper
	dispatcher   *notify.Dispatcher
	notifier     notify.Notifier
	hub          *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithProvisioner injects a key provisioner (for testing)
func WithProvisioner(p provision.Provisioner) Option {
	return func(s *Server) {
		s.provisioner = p
	}
}

// WithVerifier injects a payment verifier (for testing)
func WithVerifier(v payment.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set provisioner/verifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var banStore gate.BanStore
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
		s.orderStore = orders.NewPostgresStore(db)
		s.eventStore = abuse.NewPostgresEventStore(db)
		banStore = gate.NewPostgresBanStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.orderStore = orders.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Admission gate and abuse scorer
	s.gate = gate.New(gate.DefaultConfig(), banStore, s.logger)
	s.scorer = abuse.NewScorer(abuse.DefaultConfig(), s.logger)

	// Restore persisted bans so a restart doesn't unban anyone
	if pgBans, ok := banStore.(*gate.PostgresBanStore); ok {
		bans, err := pgBans.ActiveBans(ctx)
		if err != nil {
			s.logger.Warn("failed to load persisted bans", "error", err)
		} else if len(bans) > 0 {
			s.gate.Restore(bans)
			s.logger.Info("restored persisted bans", "count", len(bans))
		}
	}

	// Key provisioning (panel optional)
	if s.provisioner == nil && cfg.PanelURL != "" {
		panel, err := provision.NewPanelClient(provision.PanelConfig{
			BaseURL:  cfg.PanelURL,
			Username: cfg.PanelUsername,
			Password: cfg.PanelPassword,
			Domain:   cfg.PanelDomain,
			SubPort:  cfg.PanelSubPort,
		})
		if err != nil {
			return nil, fmt.Errorf("panel client: %w", err)
		}
		breaker := circuitbreaker.New(3, 30*time.Second)
		s.provisioner = provision.NewBreakerProvisioner(panel, breaker, "panel")
		s.logger.Info("key provisioning enabled", "panel", cfg.PanelURL)
	}

	// Payment verification (OCR sidecar optional)
	if s.verifier == nil && cfg.OCRServiceURL != "" {
		s.verifier = payment.NewOCRClient(cfg.OCRServiceURL).WithTolerance(cfg.PaymentTolerance)
		s.logger.Info("payment verification enabled", "ocr", cfg.OCRServiceURL)
	}

	// Notifications: webhook dispatcher plus the realtime feed
	s.dispatcher = notify.NewDispatcher()
	if cfg.WebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.WebhookURL); err != nil {
			s.logger.Warn("configured webhook rejected", "error", err)
		} else {
			s.dispatcher.Subscribe(cfg.WebhookURL, cfg.WebhookSecret)
			s.logger.Info("admin webhook registered", "url", cfg.WebhookURL)
		}
	}
	s.hub = realtime.NewHub(s.logger)
	s.notifier = notify.Multi(s.dispatcher, s.hub)

	// Order lifecycle
	s.orderSvc = orders.NewService(s.orderStore, s.provisioner, s.verifier, s.scorer, s.notifier)
	s.scheduler = approval.NewScheduler(s.autoApproveFire(), s.logger)
	s.sweeper = orders.NewSweeper(s.orderSvc, s.orderStore, cfg.StaleOrderAge, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// autoApproveFire adapts the order service to the scheduler's fire
// callback. Losing the race to an admin is the normal case, not an
// error.
func (s *Server) autoApproveFire() approval.FireFunc {
	return func(ctx context.Context, orderID string) error {
		_, err := s.orderSvc.TryApprove(ctx, orderID, orders.ResolverAuto)
		if errors.Is(err, orders.ErrNotPending) || errors.Is(err, orders.ErrOrderNotFound) {
			return nil
		}
		return err
	}
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

	// CORS: the API is consumed by the bot process and admin tools, not
	// arbitrary browsers
	s.router.Use(security.CORSMiddleware(nil))

	// Request size limit. Screenshot uploads get their own larger cap on
	// the upload route.
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxScreenshotSize))

	// Per-IP rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

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

// adminAuthMiddleware guards admin routes with the shared bearer token.
// Without a configured token only development mode lets requests
// through, so a misconfigured production deploy fails closed.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			if !s.cfg.IsDevelopment() {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Admin API is not configured",
				})
				return
			}
		} else if c.GetHeader("Authorization") != "Bearer "+s.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin token",
			})
			return
		}

		admin := validation.SanitizeString(c.GetHeader("X-Admin-ID"), 64)
		if admin == "" {
			admin = "admin"
		}
		c.Set("adminID", admin)

		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket feed for admin dashboards
	s.router.GET("/ws/feed", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Admission check for inbound bot traffic
	v1.POST("/updates", s.updateHandler)

	// Subject status (bot consults this before engaging)
	v1.GET("/subjects/:subject/status", s.subjectStatusHandler)

	// Order lifecycle. The gate admits order and screenshot actions
	// before the handlers run.
	orderHandler := orders.NewHandler(s.orderSvc, s.scheduler, s.cfg.AutoApproveDelay)
	public := v1.Group("")
	public.Use(s.gateAdmissionMiddleware())
	orderHandler.RegisterRoutes(public)

	// Admin routes (shared secret)
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	orderHandler.RegisterAdminRoutes(admin)

	admin.GET("/feed/stats", s.feedStatsHandler)
	admin.POST("/security/ban", s.banSubjectHandler)
	admin.POST("/security/unban", s.unbanSubjectHandler)
	admin.POST("/webhooks", s.createWebhookHandler)
	admin.DELETE("/webhooks/:id", s.deleteWebhookHandler)

	// The durable audit trail needs a database
	if s.eventStore != nil {
		admin.GET("/security/events", s.recentEventsHandler)
		admin.GET("/security/subjects/:subject/events", s.subjectEventsHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "keygate",
		"description": "Admission control and order approval for the key shop bot",
		"version":     "0.1.0",
	})
}

func (s *Server) feedStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"feed": s.hub.Stats()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Realtime feed hub
	go s.hub.Run(runCtx)

	// Auto-approve scheduler
	go s.scheduler.Start(runCtx)

	// Stale-order sweeper
	go s.sweeper.Start(runCtx)

	// Database pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, scheduler, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("stale-order sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.scheduler != nil {
		<-s.scheduler.Done()
		s.logger.Info("auto-approve scheduler stopped")
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
