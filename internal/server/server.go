// Package server wires every subsystem together and runs the HTTP API.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"log/slog"

	"github.com/kudipeer/kudipeer/internal/ads"
	"github.com/kudipeer/kudipeer/internal/audit"
	"github.com/kudipeer/kudipeer/internal/auth"
	"github.com/kudipeer/kudipeer/internal/bank"
	"github.com/kudipeer/kudipeer/internal/chat"
	"github.com/kudipeer/kudipeer/internal/config"
	"github.com/kudipeer/kudipeer/internal/health"
	"github.com/kudipeer/kudipeer/internal/idempotency"
	"github.com/kudipeer/kudipeer/internal/idgen"
	"github.com/kudipeer/kudipeer/internal/jobs"
	"github.com/kudipeer/kudipeer/internal/ledger"
	"github.com/kudipeer/kudipeer/internal/logging"
	"github.com/kudipeer/kudipeer/internal/metrics"
	"github.com/kudipeer/kudipeer/internal/orders"
	"github.com/kudipeer/kudipeer/internal/paymethods"
	"github.com/kudipeer/kudipeer/internal/ratelimit"
	"github.com/kudipeer/kudipeer/internal/realtime"
	"github.com/kudipeer/kudipeer/internal/security"
	"github.com/kudipeer/kudipeer/internal/storage"
	"github.com/kudipeer/kudipeer/internal/transfers"
)

// workerInterval is how often the job worker polls for due jobs.
const workerInterval = 5 * time.Second

// Server wraps the HTTP server and all platform services.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	hub          *realtime.Hub
	queue        *jobs.Queue
	worker       *jobs.Worker
	limiter      *ratelimit.Limiter
	healthReg    *health.Registry
	cancelRunCtx context.CancelFunc

	ledgerSvc    *ledger.Service
	adsSvc       *ads.Service
	ordersSvc    *orders.Service
	chatSvc      *chat.Service
	methodsSvc   *paymethods.Service
	auditSvc     *audit.Service
	tokensSvc    *idempotency.Service
	transfersSvc *transfers.Service
	bankProvider *bank.StripeProvider

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server with all services wired. Postgres is used when
// DATABASE_URL is set, otherwise everything runs in memory for demo and
// development mode.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		ledgerStore ledger.Store
		adStore     ads.Store
		orderStore  orders.Store
		chatStore   chat.Store
		methodStore paymethods.Store
		auditStore  audit.Store
		tokenStore  idempotency.Store
		jobStore    jobs.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := storage.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ls := ledger.NewPostgresStore(db)
		as := ads.NewPostgresStore(db)
		ors := orders.NewPostgresStore(db)
		cs := chat.NewPostgresStore(db)
		ms := paymethods.NewPostgresStore(db)
		aus := audit.NewPostgresStore(db)
		ts := idempotency.NewPostgresStore(db)
		js := jobs.NewPostgresStore(db)

		for name, m := range map[string]interface {
			Migrate(context.Context) error
		}{
			"ledger": ls, "ads": as, "orders": ors, "chat": cs,
			"paymethods": ms, "audit": aus, "tokens": ts, "jobs": js,
		} {
			if err := m.Migrate(ctx); err != nil {
				s.logger.Warn("store migration failed", "store", name, "error", err)
			}
		}

		ledgerStore, adStore, orderStore, chatStore = ls, as, ors, cs
		methodStore, auditStore, tokenStore, jobStore = ms, aus, ts, js
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		ledgerStore = ledger.NewMemoryStore()
		adStore = ads.NewMemoryStore()
		orderStore = orders.NewMemoryStore()
		chatStore = chat.NewMemoryStore()
		methodStore = paymethods.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		tokenStore = idempotency.NewMemoryStore()
		jobStore = jobs.NewMemoryStore()
	}

	s.hub = realtime.NewHub(s.logger)

	s.ledgerSvc = ledger.New(ledgerStore, s.logger).WithNotifier(s.hub)
	if err := s.ensureRevenueWallet(ctx); err != nil {
		return nil, err
	}

	s.tokensSvc = idempotency.New(tokenStore, cfg.TransferToken, s.logger)
	s.queue = jobs.NewQueue(jobStore, s.logger)
	s.worker = jobs.NewWorker(jobStore, workerInterval, s.logger)
	s.auditSvc = audit.New(auditStore, s.logger)
	s.methodsSvc = paymethods.New(methodStore)

	wallets := &ledgerAdapter{svc: s.ledgerSvc, revenueID: cfg.RevenueAccountID}

	s.adsSvc = ads.New(adStore, wallets, s.logger)
	s.ordersSvc = orders.New(orderStore, s.adsSvc, wallets, orders.Config{
		FeeBps:      cfg.FeeBps,
		ExpiryAfter: cfg.OrderExpiry,
	}, s.logger).
		WithScheduler(s.queue).
		WithNotifier(s.hub).
		WithAudit(s.auditSvc).
		WithMethodResolver(&methodResolver{svc: s.methodsSvc})
	s.adsSvc.WithOpenOrderCounter(s.ordersSvc)

	s.chatSvc = chat.New(chatStore, s.ordersSvc, s.logger).WithNotifier(s.hub)
	s.ordersSvc.WithChat(s.chatSvc)

	if s.db != nil {
		db := s.db
		s.ordersSvc.WithUnitOfWork(func(ctx context.Context, fn func(context.Context) error) error {
			return storage.InTx(ctx, db, fn)
		})
	}

	s.transfersSvc = transfers.New(s.ledgerSvc, s.tokensSvc, s.queue, transfers.Config{
		RevenueUserID: platformUserID,
		WithdrawalFee: cfg.WithdrawalFee,
	}, s.logger).WithNotifier(s.hub)

	if cfg.StripeAPIKey != "" {
		s.bankProvider = bank.NewStripeProvider(cfg.StripeAPIKey, cfg.StripeWebhookSecret, s.logger)
		s.transfersSvc.WithPayoutProvider(s.bankProvider)
		s.logger.Info("bank payout provider enabled")
	} else {
		s.logger.Warn("no STRIPE_API_KEY set, withdrawals will stay queued")
	}

	s.registerJobHandlers()
	s.setupHealth()

	gin.SetMode(ginMode(cfg))
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// platformUserID owns the revenue wallet that collects fees.
const platformUserID = "platform"

// ensureRevenueWallet makes sure the fee-collection wallet exists.
func (s *Server) ensureRevenueWallet(ctx context.Context) error {
	_, err := s.ledgerSvc.CreateAccount(ctx, s.cfg.RevenueAccountID, platformUserID)
	if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return fmt.Errorf("revenue wallet: %w", err)
	}
	return nil
}

func ginMode(cfg *config.Config) string {
	if cfg.IsProduction() {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}

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

// registerJobHandlers binds job names to service methods. Every handler
// is idempotent, so at-least-once delivery is safe.
func (s *Server) registerJobHandlers() {
	wrap := func(name string, fn jobs.Handler) {
		s.worker.Register(name, func(ctx context.Context, payload json.RawMessage) error {
			err := fn(ctx, payload)
			result := "ok"
			if err != nil {
				result = "error"
			}
			metrics.JobRunsTotal.WithLabelValues(name, result).Inc()
			return err
		})
	}

	orderID := func(payload json.RawMessage) (string, error) {
		var p orders.JobPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", fmt.Errorf("bad order job payload: %w", err)
		}
		return p.OrderID, nil
	}

	wrap(orders.JobOrderExpire, func(ctx context.Context, payload json.RawMessage) error {
		id, err := orderID(payload)
		if err != nil {
			return err
		}
		return s.ordersSvc.Expire(ctx, id)
	})
	wrap(orders.JobOrderSettle, func(ctx context.Context, payload json.RawMessage) error {
		id, err := orderID(payload)
		if err != nil {
			return err
		}
		return s.ordersSvc.FinishSettlement(ctx, id)
	})
	wrap(transfers.JobPayoutInitiate, s.transfersSvc.RunPayout)
}

func (s *Server) setupHealth() {
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.Database(s.db))
	}
	s.healthReg.Register("ledger", health.Ledger(s.ledgerSvc.SumBalances))
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Rate limiting
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.limiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Caller identity from the gateway headers
	s.router.Use(auth.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	adsHandler := ads.NewHandler(s.adsSvc)
	ordersHandler := orders.NewHandler(s.ordersSvc)
	walletHandler := ledger.NewHandler(s.ledgerSvc)
	chatHandler := chat.NewHandler(s.chatSvc)
	methodsHandler := paymethods.NewHandler(s.methodsSvc)
	auditHandler := audit.NewHandler(s.auditSvc)
	transfersHandler := transfers.NewHandler(s.transfersSvc, s.creditParser())

	v1 := s.router.Group("/v1")
	adsHandler.RegisterRoutes(v1)
	transfersHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	walletHandler.RegisterProtectedRoutes(protected)
	adsHandler.RegisterProtectedRoutes(protected)
	ordersHandler.RegisterProtectedRoutes(protected)
	chatHandler.RegisterProtectedRoutes(protected)
	methodsHandler.RegisterProtectedRoutes(protected)
	transfersHandler.RegisterProtectedRoutes(protected)
	protected.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request, auth.UserID(c))
	})

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	ordersHandler.RegisterAdminRoutes(admin)
	auditHandler.RegisterAdminRoutes(admin)
	walletHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// creditParser returns the webhook verifier, or nil when no provider is
// configured. A typed nil must not leak into the interface.
func (s *Server) creditParser() transfers.CreditParser {
	if s.bankProvider == nil {
		return nil
	}
	return s.bankProvider
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "subsystems": statuses})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and all background workers, then blocks
// until a shutdown signal arrives or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
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

	go s.hub.Run(runCtx)
	s.worker.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	go s.purgeTokensLoop(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// purgeTokensLoop clears expired transfer tokens periodically.
func (s *Server) purgeTokensLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tokensSvc.PurgeExpired(ctx); err != nil {
				s.logger.Warn("token purge failed", "error", err)
			}
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Let in-flight jobs finish their current delivery first.
	s.worker.Stop()
	s.logger.Info("job worker stopped")

	// Stop background goroutines (hub, collectors, purge loop)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			firstErr = err
		}
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.Info("shutdown complete")
	return firstErr
}
