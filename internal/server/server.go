// Package server sets up the HTTP server with all routes
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/p2pdesk/settlement/internal/admin"
	"github.com/p2pdesk/settlement/internal/auth"
	"github.com/p2pdesk/settlement/internal/bookcache"
	"github.com/p2pdesk/settlement/internal/chain"
	"github.com/p2pdesk/settlement/internal/config"
	"github.com/p2pdesk/settlement/internal/disputes"
	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/health"
	"github.com/p2pdesk/settlement/internal/ledger"
	"github.com/p2pdesk/settlement/internal/logging"
	"github.com/p2pdesk/settlement/internal/matching"
	"github.com/p2pdesk/settlement/internal/metrics"
	"github.com/p2pdesk/settlement/internal/notify"
	"github.com/p2pdesk/settlement/internal/orders"
	"github.com/p2pdesk/settlement/internal/participants"
	"github.com/p2pdesk/settlement/internal/ratelimit"
	"github.com/p2pdesk/settlement/internal/reconciliation"
	"github.com/p2pdesk/settlement/internal/security"
	"github.com/p2pdesk/settlement/internal/trades"
	"github.com/p2pdesk/settlement/internal/traces"
	"github.com/p2pdesk/settlement/internal/validation"
	"github.com/p2pdesk/settlement/internal/webhooks"
)

const (
	// Version is reported by the health endpoint.
	Version = "0.1.0"

	simulatedKeySeed = "settlement-simulated"
	stuckTradeGrace  = 10 * time.Minute
	bookDepth        = 20
	bookTTL          = time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	ledger       *ledger.Ledger
	escrow       *escrow.Manager
	participants *participants.Directory
	orders       *orders.Service
	engine       *matching.Engine
	trades       *trades.Controller
	disputes     *disputes.Service
	books        *bookcache.Cache
	hub          *notify.Hub
	notifier     *notify.Async
	alerts       reconciliation.AlertStore
	validator    *reconciliation.Validator
	reconciler   *reconciliation.Runner

	tradeTimer     *trades.Timer
	matchTimer     *matching.Timer
	reconcileTimer *reconciliation.Timer

	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	redis        *redis.Client
	chain        *chain.Client
	stopTracing  func(context.Context) error
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	workers      *errgroup.Group

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

// WithDB uses an already opened database instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stop

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}

	stores := s.newStores()
	if s.db != nil {
		s.health.RegisterPinger("database", s.db)
	} else {
		s.logger.Warn("using in-memory storage, data is lost on restart")
	}

	if err := s.wire(ctx, stores); err != nil {
		s.closeResources()
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

type storeSet struct {
	ledger       ledger.Store
	audit        ledger.AuditLogger
	escrow       escrow.Store
	participants participants.Store
	orders       orders.Store
	trades       trades.Store
	disputes     disputes.Store
	alerts       reconciliation.AlertStore
}

func (s *Server) newStores() storeSet {
	if s.db != nil {
		return storeSet{
			ledger:       ledger.NewPostgresStore(s.db),
			audit:        ledger.NewPostgresAuditLogger(s.db),
			escrow:       escrow.NewPostgresStore(s.db),
			participants: participants.NewPostgresStore(s.db),
			orders:       orders.NewPostgresStore(s.db),
			trades:       trades.NewPostgresStore(s.db),
			disputes:     disputes.NewPostgresStore(s.db),
			alerts:       reconciliation.NewPostgresAlertStore(s.db),
		}
	}
	ledgerStore := ledger.NewMemoryStore(nil)
	return storeSet{
		ledger:       ledgerStore,
		audit:        ledgerStore.Audit(),
		escrow:       escrow.NewMemoryStore(),
		participants: participants.NewMemoryStore(),
		orders:       orders.NewMemoryStore(),
		trades:       trades.NewMemoryStore(),
		disputes:     disputes.NewMemoryStore(),
		alerts:       reconciliation.NewMemoryAlertStore(),
	}
}

// wire builds the services on top of the stores.
func (s *Server) wire(ctx context.Context, st storeSet) error {
	cfg := s.cfg

	s.ledger = ledger.New(st.ledger).WithAuditLogger(st.audit)
	s.alerts = st.alerts
	s.validator = reconciliation.NewValidator(s.ledger, s.alerts, s.logger)

	s.escrow = escrow.NewManager(st.escrow, s.ledger, cfg.SupportedTokens, s.logger).
		WithValidator(s.validator).
		WithAuditRecorder(s.ledger).
		WithCallTimeout(cfg.ChainCallTimeout).
		WithMinLockMinutes(cfg.MinLockMinutes)

	s.reconciler = reconciliation.NewRunner(s.ledger, s.escrow, s.validator, s.logger).
		WithTrades(st.trades, stuckTradeGrace)

	if err := s.setupEscrowBacking(ctx); err != nil {
		return err
	}

	// Notifications: websocket hub for connected clients, signed webhooks
	// for the bot gateway, and the log.
	s.hub = notify.NewHub(s.logger)
	sinks := notify.Multi{s.hub, notify.NewLog(s.logger)}
	if cfg.GatewayWebhookURL != "" {
		sinks = append(sinks, webhooks.NewDispatcher(cfg.GatewayWebhookURL, cfg.GatewayWebhookSecret, s.logger))
		s.logger.Info("gateway webhooks enabled", "url", cfg.GatewayWebhookURL)
	}
	s.notifier = notify.NewAsync(sinks, 0, s.logger)

	s.participants = participants.NewDirectory(st.participants)

	s.orders = orders.NewService(st.orders, cfg.SupportedTokens, s.logger).
		WithProfiles(s.participants).
		WithEscrow(s.escrow, cfg.EscrowAtOrderTime)

	if err := s.setupBookCache(ctx); err != nil {
		return err
	}
	s.orders.WithBookListener(s.books)

	s.trades = trades.NewController(st.trades, s.escrow, s.ledger, cfg.TradeTimeout, s.logger).
		WithPlatformAccount(cfg.PlatformAccount).
		WithNotifier(s.notifier).
		WithValidator(s.validator)

	s.engine = matching.NewEngine(s.orders, s.escrow, s.participants, st.trades, s.trades,
		cfg.CommissionRate, s.logger)

	s.disputes = disputes.NewService(st.disputes, s.trades, s.escrow, s.logger).
		WithModerators(cfg.Moderators...).
		WithExtension(cfg.DisputeExtension).
		WithBuyerShare(cfg.CompromiseBuyerShare).
		WithValidator(s.validator)

	s.tradeTimer = trades.NewTimer(s.trades, cfg.SweepInterval, s.logger)
	s.matchTimer = matching.NewTimer(s.engine, cfg.MatchInterval, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.health.Register("reconciliation", func(context.Context) health.Status {
		if s.reconcileTimer.Escalated() {
			return health.Status{Name: "reconciliation", Healthy: false,
				Detail: fmt.Sprintf("%d consecutive sweeps with discrepancies", s.reconcileTimer.DirtyRuns())}
		}
		return health.Status{Name: "reconciliation", Healthy: true}
	})

	s.logger.Info("settlement services ready",
		"tokens", cfg.SupportedTokens,
		"escrow_backing", string(s.escrow.Backing()),
		"escrow_at_order_time", cfg.EscrowAtOrderTime,
		"moderators", len(cfg.Moderators),
	)
	return nil
}

// setupEscrowBacking points the escrow manager at the deployed contract or
// the in-process simulator. Database backing needs nothing.
func (s *Server) setupEscrowBacking(ctx context.Context) error {
	cfg := s.cfg
	switch cfg.EscrowBacking {
	case config.BackingOnChain:
		client, err := chain.Dial(cfg.RPCURL, cfg.ChainID)
		if err != nil {
			return fmt.Errorf("failed to connect to chain: %w", err)
		}
		s.chain = client

		token, err := chain.NewERC20(client, common.HexToAddress(cfg.TokenContract), cfg.TokenDecimals)
		if err != nil {
			return fmt.Errorf("failed to bind token contract: %w", err)
		}
		contract, err := chain.NewEscrowContract(client, common.HexToAddress(cfg.EscrowContract), token)
		if err != nil {
			return fmt.Errorf("failed to bind escrow contract: %w", err)
		}
		keys, err := chain.NewStaticKeys(cfg.UserSignerKeys)
		if err != nil {
			return fmt.Errorf("failed to load user signer keys: %w", err)
		}
		fallback, err := chain.NewSigner(cfg.FallbackSignerKey)
		if err != nil {
			return fmt.Errorf("invalid FALLBACK_SIGNER_KEY: %w", err)
		}
		arbitrator, err := chain.NewSigner(cfg.ArbitratorKey)
		if err != nil {
			return fmt.Errorf("invalid ARBITRATOR_KEY: %w", err)
		}

		if cfg.MinLockMinutes == 0 {
			callCtx, cancel := context.WithTimeout(ctx, cfg.ChainCallTimeout)
			minutes, err := contract.MinLockMinutes(callCtx)
			cancel()
			if err != nil {
				s.logger.Warn("failed to read contract lock period", "error", err)
			} else {
				s.escrow.WithMinLockMinutes(minutes)
			}
		}

		s.escrow.WithContract(contract, keys).
			WithFallbackSigner(fallback).
			WithArbitrator(arbitrator)

		// The contract's token balance is what every on-chain record promises.
		custody := contract.Address()
		for _, t := range cfg.SupportedTokens {
			s.reconciler.WithCustody(t, func(ctx context.Context) (decimal.Decimal, error) {
				return token.BalanceOf(ctx, custody)
			})
		}
		s.health.Register("chain", func(ctx context.Context) health.Status {
			if _, err := token.BalanceOf(ctx, custody); err != nil {
				return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "chain", Healthy: true}
		})
		s.logger.Info("on-chain escrow enabled",
			"chain_id", cfg.ChainID,
			"escrow_contract", cfg.EscrowContract,
			"token_contract", cfg.TokenContract,
		)

	case config.BackingSimulated:
		keys := chain.NewDerivedKeys(simulatedKeySeed)
		fallback, err := keys.SignerFor("operator")
		if err != nil {
			return err
		}
		arbitrator, err := keys.SignerFor("arbitrator")
		if err != nil {
			return err
		}
		sim := chain.NewSimulatedEscrow(cfg.MinLockMinutes, fallback.Address(), arbitrator.Address())
		s.escrow.WithContract(sim, keys).
			WithFallbackSigner(fallback).
			WithArbitrator(arbitrator)
		s.logger.Warn("using simulated escrow contract, not for production")
	}
	return nil
}

// setupBookCache shares order book snapshots through redis when REDIS_URL
// is set and keeps them in process otherwise.
func (s *Server) setupBookCache(ctx context.Context) error {
	var backend bookcache.Backend = bookcache.NewMemoryBackend()
	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		backend = bookcache.NewRedisBackend(client, bookTTL)
		s.health.Register("redis", func(ctx context.Context) health.Status {
			if err := client.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("order book cache using redis", "addr", opts.Addr)
	}
	s.books = bookcache.New(backend, s.orders, bookDepth, s.logger).WithPublisher(s.hub)
	return nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Identity from the bot gateway
	s.router.Use(auth.Middleware(s.cfg.GatewayToken))
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
		ctx = ledger.WithAuditRequestID(ctx, requestID)
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
			logger.Debug("request completed",
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/platform", s.platformHandler)

	// Public reads
	bookcache.NewHandler(s.books).RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledger, s.cfg.SupportedTokens, s.logger)
	participantHandler := participants.NewHandler(s.participants)
	matchingHandler := matching.NewHandler(s.engine)
	disputeHandler := disputes.NewHandler(s.disputes)

	// Authenticated user routes
	user := v1.Group("")
	user.Use(auth.RequireUser())
	{
		orders.NewHandler(s.orders).RegisterRoutes(user)
		matchingHandler.RegisterRoutes(user)
		trades.NewHandler(s.trades).RegisterRoutes(user)
		disputeHandler.RegisterRoutes(user)
		escrow.NewHandler(s.escrow).RegisterRoutes(user)
		ledgerHandler.RegisterRoutes(user)
		participantHandler.RegisterRoutes(user)
		s.hub.RegisterRoutes(user)
	}

	// Admin routes
	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		ledgerHandler.RegisterAdminRoutes(adminGroup)
		participantHandler.RegisterAdminRoutes(adminGroup)
		matchingHandler.RegisterAdminRoutes(adminGroup)
		reconciliation.NewHandler(s.reconciler, s.alerts).RegisterAdminRoutes(adminGroup)
		admin.NewHandler(s.trades.Store(), s.trades, s.escrow).RegisterRoutes(adminGroup)
	}

	// Moderators act as themselves and also present the admin secret
	moderator := v1.Group("")
	moderator.Use(auth.RequireUser(), auth.RequireAdmin(s.cfg.AdminSecret))
	{
		disputeHandler.RegisterModeratorRoutes(moderator)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the response for health checks
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)
	workers := s.workerChecks()
	checks := make(map[string]string, len(statuses)+len(workers))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}
	for name, running := range workers {
		if running {
			checks[name] = "running"
		} else {
			checks[name] = "stopped"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// workerChecks reports the background loops. They only run after Run.
func (s *Server) workerChecks() map[string]bool {
	if !s.ready.Load() {
		return nil
	}
	return map[string]bool{
		"trade_timer":     s.tradeTimer.Running(),
		"match_timer":     s.matchTimer.Running(),
		"reconcile_timer": s.reconcileTimer.Running(),
	}
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

func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":          Version,
		"tokens":           s.cfg.SupportedTokens,
		"escrowBacking":    string(s.escrow.Backing()),
		"commissionRate":   s.cfg.CommissionRate.String(),
		"tradeTimeout":     s.cfg.TradeTimeout.String(),
		"disputeExtension": s.cfg.DisputeExtension.String(),
		"websocket":        s.hub.Stats(),
	})
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startWorkers runs the timers and notification pumps until ctx ends.
func (s *Server) startWorkers(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	s.workers = g

	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error { return s.notifier.Run(gctx) })
	g.Go(func() error { s.tradeTimer.Start(gctx); return nil })
	g.Go(func() error { s.matchTimer.Start(gctx); return nil })
	g.Go(func() error { s.reconcileTimer.Start(gctx); return nil })
	if s.db != nil {
		g.Go(func() error { metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second); return nil })
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight requests are done; stop the timers and drain notifications.
	s.tradeTimer.Stop()
	s.matchTimer.Stop()
	s.reconcileTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.workers != nil {
		if err := s.workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("background worker error", "error", err)
		}
		s.logger.Info("background workers stopped", "notifications_dropped", s.notifier.Dropped())
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeResources()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeResources() {
	if s.chain != nil {
		s.chain.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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
