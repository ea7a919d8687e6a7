// Package server wires the location risk engine behind a gin HTTP API.
package server

import (
	"context"
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

	"github.com/mbd888/lendguard/internal/audit"
	"github.com/mbd888/lendguard/internal/auth"
	"github.com/mbd888/lendguard/internal/circuitbreaker"
	"github.com/mbd888/lendguard/internal/config"
	"github.com/mbd888/lendguard/internal/guard"
	"github.com/mbd888/lendguard/internal/health"
	"github.com/mbd888/lendguard/internal/logging"
	"github.com/mbd888/lendguard/internal/metrics"
	"github.com/mbd888/lendguard/internal/ratelimit"
	"github.com/mbd888/lendguard/internal/retry"
	"github.com/mbd888/lendguard/internal/risk"
	"github.com/mbd888/lendguard/internal/security"
	"github.com/mbd888/lendguard/internal/sessions"
	"github.com/mbd888/lendguard/internal/signals"
	"github.com/mbd888/lendguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db  *sql.DB       // nil if using in-memory
	rdb *redis.Client // nil if REDIS_URL unset

	phones   *signals.PhoneTable
	resolver signals.IPResolver
	breaker  *circuitbreaker.Breaker
	guard    *guard.Service
	audit    *audit.Log
	sessions sessions.Store
	devices  sessions.DeviceStore
	verifier *auth.TokenVerifier
	denylist auth.Denylist
	sweeper  *sessions.Sweeper
	limiter  *ratelimit.Limiter
	health   *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc

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

// WithResolver replaces the HTTP geolocation provider. The breaker and
// cache layers are still applied on top.
func WithResolver(r signals.IPResolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initCountries(); err != nil {
		return nil, err
	}
	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initSignals(); err != nil {
		return nil, err
	}

	s.verifier = auth.NewTokenVerifier([]byte(cfg.SessionSecret), cfg.SessionIDPrefixLen)
	s.guard = guard.NewService(risk.NewEngine(s.resolver), s.phones, s.audit, s.sessions, s.devices, s.denylist)
	s.sweeper = sessions.NewSweeper(s.sessions, cfg.SessionLocationTTL, cfg.SweepInterval, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.rdb != nil {
		s.health.Register("redis", health.Redis(s.rdb))
	}
	s.health.Register("geoip", health.Breaker(s.breaker, signals.ProviderKey))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) initCountries() error {
	table := signals.MustPhoneTable(signals.DefaultCountries)
	if s.cfg.CountryTablePath != "" {
		t, err := signals.LoadPhoneTable(s.cfg.CountryTablePath)
		if err != nil {
			return fmt.Errorf("failed to load country table: %w", err)
		}
		table = t
	}
	s.phones = table.Restrict(s.cfg.SupportedCountries)
	if s.phones == nil || len(s.phones.Codes()) == 0 {
		return fmt.Errorf("none of SUPPORTED_COUNTRIES %v has a phone table entry", s.cfg.SupportedCountries)
	}
	if n := len(s.phones.Codes()); n < len(s.cfg.SupportedCountries) {
		s.logger.Warn("some supported countries have no phone table entry and are ignored",
			"configured", s.cfg.SupportedCountries, "active", s.phones.Codes())
	}
	return nil
}

// initStorage picks Postgres when DATABASE_URL is set and Redis when
// REDIS_URL is set; each falls back to process memory.
func (s *Server) initStorage(ctx context.Context) error {
	var auditStore audit.Store
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := retry.Do(ctx, retry.Startup, func(ctx context.Context) error {
			return db.PingContext(ctx)
		}); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		pgAudit := audit.NewPostgresStore(db)
		if err := pgAudit.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		pgSessions := sessions.NewPostgresStore(db)
		if err := pgSessions.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		auditStore = pgAudit
		s.sessions = pgSessions
		s.devices = sessions.NewPostgresDeviceStore(db)
	} else {
		auditStore = audit.NewMemoryStore()
		s.sessions = sessions.NewMemoryStore()
		s.devices = sessions.NewMemoryDeviceStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.audit = audit.NewLog(auditStore)

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := retry.Do(ctx, retry.Startup, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rdb = rdb
		s.denylist = auth.NewRedisDenylist(rdb)
		s.logger.Info("using Redis for geoip cache and session revocation", "addr", opts.Addr)
	} else {
		s.denylist = auth.NewMemoryDenylist()
	}
	return nil
}

// initSignals builds the resolver chain: cache -> breaker -> provider.
func (s *Server) initSignals() error {
	if s.resolver == nil {
		if err := security.ValidateProviderURL(s.cfg.GeoIPURL, !s.cfg.IsProduction()); err != nil {
			return fmt.Errorf("invalid GEOIP_URL: %w", err)
		}
		s.resolver = signals.NewHTTPResolver(s.cfg.GeoIPURL, s.cfg.GeoIPTimeout)
	}

	s.breaker = circuitbreaker.New(s.cfg.GeoIPBreakerThreshold, s.cfg.GeoIPBreakerCooldown)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})

	var cache signals.Cache
	if s.rdb != nil {
		cache = signals.NewRedisCache(s.rdb)
	} else {
		cache = signals.NewMemoryCache(s.cfg.GeoIPCacheTTL)
	}
	s.resolver = signals.NewCachingResolver(signals.NewBreakerResolver(s.resolver, s.breaker), cache, s.cfg.GeoIPCacheTTL)
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.limiter = ratelimit.New(rl)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Decision endpoints called by the application's own handlers.
	decisions := v1.Group("", s.limiter.Middleware())
	decisions.POST("/location/verify", s.verifyLocation)
	decisions.POST("/signup/check", s.signupCheck)

	authed := v1.Group("", s.limiter.Middleware(), auth.Middleware(s.verifier, s.denylist))
	authed.POST("/signin/check", s.signinCheck)
	authed.GET("/session/check", s.sessionCheck)

	// Protected account routes sit behind the per-request session gate.
	account := v1.Group("/account", auth.Middleware(s.verifier, s.denylist), guard.SessionGate(s.guard))
	account.GET("/sessions", s.accountSessions)
	account.GET("/devices", s.accountDevices)
	account.POST("/devices/:fingerprint/trust", s.trustDevice)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	users := admin.Group("/users/:userId", validation.UserIDParamMiddleware())
	users.GET("/verification-events", s.listVerificationEvents)
	users.GET("/blocked-attempts", s.listBlockedAttempts)
	users.GET("/sessions", s.listUserSessions)
	users.GET("/devices", s.listUserDevices)
	users.DELETE("/sessions/:sessionId", s.terminateSession)
	admin.POST("/sessions/sweep", s.sweepSessions)

	if s.cfg.IsDevelopment() {
		s.logger.Warn("DEVELOPMENT MODE: POST /v1/dev/tokens issues session credentials to any caller; set ENV=production or ENV=staging for deployed instances",
			"env", s.cfg.Env,
			"default_session_secret", s.cfg.SessionSecret == config.DevSessionSecret,
		)
		v1.POST("/dev/tokens", s.issueDevToken)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"supported_countries", s.phones.Codes(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweeper.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
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
