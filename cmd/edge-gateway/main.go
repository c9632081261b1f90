package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/globaltaxcalc/edge-gateway/internal/actor"
	"github.com/globaltaxcalc/edge-gateway/internal/admin"
	"github.com/globaltaxcalc/edge-gateway/internal/analytics"
	"github.com/globaltaxcalc/edge-gateway/internal/cache"
	"github.com/globaltaxcalc/edge-gateway/internal/config"
	"github.com/globaltaxcalc/edge-gateway/internal/edge"
	"github.com/globaltaxcalc/edge-gateway/internal/graceful"
	"github.com/globaltaxcalc/edge-gateway/internal/kvstore"
	"github.com/globaltaxcalc/edge-gateway/internal/middleware"
	"github.com/globaltaxcalc/edge-gateway/internal/observability"
	"github.com/globaltaxcalc/edge-gateway/internal/origin"
	"github.com/globaltaxcalc/edge-gateway/internal/pipeline"
	"github.com/globaltaxcalc/edge-gateway/internal/ratelimit"
	"github.com/globaltaxcalc/edge-gateway/internal/security"
)

var startTime = time.Now()

// EdgeGateway owns every long-lived component of the process.
type EdgeGateway struct {
	app      *fiber.App
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *observability.MetricsCollector

	redis     *redis.Client
	db        *gorm.DB
	store     kvstore.Store
	memory    *kvstore.MemoryStore
	gormState *actor.GormStateStore

	local    *actor.LocalRuntime
	runtime  actor.Runtime
	codec    *cache.Codec
	reval    *cache.Revalidator
	engine   *cache.Engine
	pool     *origin.Pool
	origin   *origin.Client
	gate     *security.Gate
	blocks   *security.Blocklist
	limiter  *ratelimit.Limiter
	fallback *ratelimit.LocalLimiter
	emitter  *analytics.Emitter
	pipeline *pipeline.Pipeline

	stopJanitor context.CancelFunc
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	defer func() { _ = logger.Sync() }()

	observability.ConfigureTracing(cfg.Observability.Tracing.Enabled, cfg.Observability.Tracing.ServiceName)

	ctx := context.Background()
	gateway, err := NewEdgeGateway(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize edge gateway", zap.Error(err))
	}
	gateway.setupRoutes()

	shutdown := graceful.NewShutdownHandler(
		graceful.WithLogger(logger),
		graceful.WithTimeout(cfg.Server.ShutdownTimeout),
	)
	gateway.registerShutdownHooks(shutdown)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	logger.Info("Starting edge gateway",
		zap.String("addr", addr),
		zap.String("environment", cfg.Server.Environment),
		zap.Strings("origins", cfg.Origin.URLs),
		zap.String("state_backend", cfg.Actors.StateBackend),
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- gateway.app.Listen(addr)
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := <-serverErr; err != nil {
			logger.Error("Server stopped unexpectedly", zap.Error(err))
		}
		cancel()
	}()

	if err := shutdown.Wait(waitCtx); err != nil {
		logger.Error("Server exited with shutdown errors", zap.Error(err))
		return
	}
	logger.Info("Server exited")
}

// NewEdgeGateway builds the component graph bottom-up: stores, actor
// runtime, cache, origin, gate, limiter, analytics and finally the pipeline.
func NewEdgeGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*EdgeGateway, error) {
	g := &EdgeGateway{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		metrics:  observability.NewMetricsCollector(),
	}
	g.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	g.metrics.RegisterMetrics(g.registry)

	if err := g.openStores(ctx); err != nil {
		return nil, err
	}
	if err := g.startActors(); err != nil {
		return nil, err
	}
	if err := g.buildOrigin(); err != nil {
		return nil, err
	}
	if err := g.buildCache(); err != nil {
		return nil, err
	}
	if err := g.buildGate(); err != nil {
		return nil, err
	}
	g.buildLimiter()
	g.buildAnalytics()
	g.startJanitor()

	opts := pipeline.Options{
		Origin:        g.origin,
		SkipRateLimit: cfg.RateLimit.SkipPaths,
		Logger:        logger,
		Metrics:       g.metrics,
	}
	// Interface fields stay nil for disabled stages.
	if g.engine != nil {
		opts.Cache = g.engine
	}
	if g.gate != nil {
		opts.Gate = g.gate
	}
	if g.limiter != nil {
		opts.Limiter = g.limiter
	}
	if g.emitter != nil {
		opts.Analytics = g.emitter
	}
	g.pipeline = pipeline.New(opts)

	g.app = fiber.New(fiber.Config{
		ServerHeader:            "edge-gateway",
		DisableStartupMessage:   true,
		ErrorHandler:            g.errorHandler,
		BodyLimit:               cfg.Server.BodyLimit,
		Concurrency:             cfg.Server.Concurrency,
		ReadTimeout:             cfg.Server.ReadTimeout,
		WriteTimeout:            cfg.Server.WriteTimeout,
		IdleTimeout:             cfg.Server.IdleTimeout,
		EnableTrustedProxyCheck: true,
		TrustedProxies:          cfg.Server.TrustedProxies,
	})

	return g, nil
}

func (g *EdgeGateway) openStores(ctx context.Context) error {
	switch g.config.Actors.StateBackend {
	case "memory":
		g.memory = kvstore.NewMemoryStore()
		g.store = g.memory
		g.logger.Warn("Using in-process memory store; state is not shared between instances")
	default:
		client, err := kvstore.NewRedisClient(ctx, g.config.Redis, g.logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		g.redis = client
		g.store = kvstore.NewRedisStore(client)
	}

	if g.config.Actors.StateBackend == "postgres" {
		db, err := actor.OpenPostgres(g.config.Postgres)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		g.db = db
		g.gormState = actor.NewGormStateStore(db)
		if err := g.gormState.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migrate actor state: %w", err)
		}
	}
	return nil
}

func (g *EdgeGateway) startActors() error {
	var state actor.StateStore = actor.NewKVStateStore(g.store)
	if g.gormState != nil {
		state = g.gormState
	}

	g.local = actor.NewLocalRuntime(state, g.logger,
		actor.WithIdleTimeout(g.config.Actors.IdleTimeout),
		actor.WithMailboxSize(g.config.Actors.MailboxSize),
		actor.WithMetrics(g.metrics),
	)
	g.local.Register(ratelimit.Namespace, ratelimit.Behavior())
	g.local.Register(analytics.Namespace, analytics.Behavior(g.config.Analytics.Retention))
	g.runtime = g.local

	if len(g.config.Actors.Peers) > 0 {
		cluster, err := actor.NewClusterRuntime(
			g.config.Actors.SelfURL,
			g.config.Actors.Peers,
			g.local,
			g.config.Actors.SharedSecret,
			g.config.Actors.InvokeTimeout,
			g.logger,
		)
		if err != nil {
			return fmt.Errorf("create actor cluster: %w", err)
		}
		g.runtime = cluster
		g.logger.Info("Actor cluster enabled",
			zap.String("self", g.config.Actors.SelfURL),
			zap.Strings("peers", g.config.Actors.Peers))
	}
	return nil
}

func (g *EdgeGateway) buildOrigin() error {
	pool, err := origin.NewPool(g.config.Origin, g.logger, g.metrics)
	if err != nil {
		return fmt.Errorf("create origin pool: %w", err)
	}
	client, err := origin.NewClient(pool, g.config.Origin, g.logger, g.metrics)
	if err != nil {
		return fmt.Errorf("create origin client: %w", err)
	}
	pool.StartHealthChecks()

	g.pool = pool
	g.origin = client
	return nil
}

func (g *EdgeGateway) buildCache() error {
	cfg := g.config.Cache
	if !cfg.Enabled {
		g.logger.Warn("Edge cache disabled")
		return nil
	}

	codec, err := cache.NewCodec(cfg.CompressionThreshold)
	if err != nil {
		return fmt.Errorf("create cache codec: %w", err)
	}
	g.codec = codec

	g.reval = cache.NewRevalidator(cache.RevalidatorConfig{
		Workers:   cfg.RevalidateWorkers,
		QueueSize: cfg.RevalidateQueue,
		Rate:      cfg.RevalidateRate,
		Timeout:   cfg.RevalidateTimeout,
	}, g.logger, g.metrics)

	rules := cache.KeyRules{
		PersonalizedPaths: cfg.PersonalizedPaths,
		DevicePaths:       cfg.DevicePaths,
		GeoPaths:          cfg.GeoPaths,
	}
	g.engine = cache.NewEngine(cache.Options{
		Store:        g.store,
		Codec:        codec,
		KeyRules:     rules,
		Strategies:   cache.NewStrategyTable(rules.PersonalizedPaths),
		Revalidator:  g.reval,
		Fetcher:      g.origin,
		Prefix:       cfg.KeyPrefix,
		Region:       cfg.Region,
		SafetyMargin: cfg.SafetyMargin,
		MaxBodySize:  cfg.MaxBodySize,
		Logger:       g.logger,
		Metrics:      g.metrics,
	})
	return nil
}

func (g *EdgeGateway) buildGate() error {
	if g.config.Security.DynamicBlocklist {
		g.blocks = security.NewBlocklist(g.store, g.logger)
	}
	if !g.config.Security.Enabled {
		g.logger.Warn("Security gate disabled")
		return nil
	}

	rules, err := security.RulesFromConfig(g.config.Security)
	if err != nil {
		return fmt.Errorf("compile security rules: %w", err)
	}
	g.gate = security.NewGate(rules, g.blocks, g.logger, g.metrics)
	return nil
}

func (g *EdgeGateway) buildLimiter() {
	if !g.config.RateLimit.Enabled {
		g.logger.Warn("Rate limiting disabled")
		return
	}
	g.fallback = ratelimit.NewLocalLimiter(time.Now, ratelimit.IdleRetention)
	g.limiter = ratelimit.NewLimiter(
		g.runtime,
		g.fallback,
		ratelimit.LimitsFromConfig(g.config.RateLimit.Categories),
		g.config.Actors.InvokeTimeout,
		g.logger,
		g.metrics,
	)
}

func (g *EdgeGateway) buildAnalytics() {
	cfg := g.config.Analytics
	if !cfg.Enabled {
		return
	}
	g.emitter = analytics.NewEmitter(g.runtime, analytics.EmitterConfig{
		BufferSize:    cfg.BufferSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		InvokeTimeout: g.config.Actors.InvokeTimeout,
	}, g.logger, g.metrics)
}

// startJanitor sweeps expired entries out of the in-memory store, which has
// no expiry of its own. Postgres actor state is purged by the actor runtime.
func (g *EdgeGateway) startJanitor() {
	if g.memory == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.stopJanitor = cancel

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.memory.Sweep(); n > 0 {
					g.logger.Debug("Swept expired memory entries", zap.Int("count", n))
				}
			}
		}
	}()
}

func (g *EdgeGateway) setupRoutes() {
	// Global middleware
	g.app.Use(recover.New())
	g.app.Use(helmet.New(helmet.Config{
		CrossOriginEmbedderPolicy: "unsafe-none",
		CrossOriginResourcePolicy: "cross-origin",
	}))
	g.app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	g.app.Use(middleware.CORS(g.config.Server.CORSOrigins, g.logger))
	g.app.Use(middleware.RequestID())
	if g.config.Observability.Logging.RequestLog {
		g.app.Use(middleware.RequestLogger(g.logger))
	}

	g.app.Get("/health", g.healthCheck)
	g.app.Get("/ready", g.readinessCheck)

	if g.config.Observability.Metrics.Enabled {
		handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
		g.app.Get(g.config.Observability.Metrics.Path, func(c *fiber.Ctx) error {
			handler(c.Context())
			return nil
		})
	}

	if g.config.Actors.SharedSecret != "" {
		g.app.Post("/_actors/:namespace/:key/:op", actor.Handler(g.local, g.config.Actors.SharedSecret, g.config.Actors.InvokeTimeout))
	}

	if g.config.Admin.Enabled {
		deps := admin.Deps{
			Analytics: analytics.NewClient(g.runtime),
			Origins:   g.pool,
		}
		if g.engine != nil {
			deps.Cache = g.engine
		}
		if g.limiter != nil {
			deps.Limiter = g.limiter
		}
		if g.blocks != nil {
			deps.Blocklist = g.blocks
		}
		admin.NewHandler(deps, g.config.Admin.LiveInterval, g.logger).RegisterRoutes(g.app, g.config.Admin.JWTSecret)
	}

	g.app.All("/*", g.pipeline.Handle)
}

// registerShutdownHooks stops the listener first and the stores last.
func (g *EdgeGateway) registerShutdownHooks(h *graceful.ShutdownHandler) {
	h.AddHook("http", func(ctx context.Context) error {
		return g.app.ShutdownWithContext(ctx)
	})
	if g.emitter != nil {
		h.AddHook("analytics", g.emitter.Close)
	}
	if g.reval != nil {
		h.AddHook("revalidator", g.reval.Close)
	}
	h.AddHook("origin health checks", graceful.FuncHook(g.pool.Stop))
	if g.stopJanitor != nil {
		h.AddHook("janitor", graceful.FuncHook(g.stopJanitor))
	}
	h.AddHook("actor runtime", graceful.CloserHook(g.local))
	if g.fallback != nil {
		h.AddHook("local rate limiter", graceful.FuncHook(g.fallback.Close))
	}
	if g.codec != nil {
		h.AddHook("cache codec", graceful.FuncHook(g.codec.Close))
	}
	if g.redis != nil {
		h.AddHook("redis", graceful.CloserHook(g.redis))
	}
	if g.db != nil {
		h.AddHook("postgres", func(ctx context.Context) error {
			sqlDB, err := g.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	}
}

func (g *EdgeGateway) healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"service":   "edge-gateway",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(startTime).String(),
	})
}

// readinessCheck fails while no origin instance is healthy.
func (g *EdgeGateway) readinessCheck(c *fiber.Ctx) error {
	healthy := g.pool.HealthyCount()
	status := fiber.StatusOK
	if healthy == 0 {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"ready":          healthy > 0,
		"healthyOrigins": healthy,
		"totalOrigins":   len(g.pool.Instances()),
		"activeActors":   g.local.ActiveCount(),
	})
}

func (g *EdgeGateway) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	message := err.Error()
	if code >= fiber.StatusInternalServerError {
		g.logger.Error("Unhandled request error",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("request_id", middleware.RequestIDFrom(c)),
			zap.Error(err))
		if e == nil {
			message = "Internal server error"
		}
	}

	return c.Status(code).JSON(edge.NewErrorBody(message, errorCode(code), time.Now()))
}

func errorCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "-")
}
