// Package main is the entrypoint for the Tally API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/cache"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/docstore"
	"github.com/tallyhq/tally/internal/geo"
	"github.com/tallyhq/tally/internal/handler"
	"github.com/tallyhq/tally/internal/memstore"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/middleware"
	"github.com/tallyhq/tally/internal/registry"
	"github.com/tallyhq/tally/internal/repository"
	"github.com/tallyhq/tally/internal/server"
	"github.com/tallyhq/tally/internal/service"
)

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	recorder := metrics.NewInMemory()

	// Initialize storage
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Initialize cache
	var cacheClient *cache.Cache
	if cfg.RedisURL != "" {
		cacheClient, err = cache.New(ctx, cfg.RedisURL)
		if err != nil {
			closeStore(context.Background())
			logger.Error(
				"failed to connect to Redis",
				slog.String("error", sanitizeError(err, cfg.RedisURL)),
				slog.String("redis_url", redactURL(cfg.RedisURL)),
			)
			return errors.New("redis unavailable")
		}
		logger.Info("connected to Redis")
	}

	// Initialize geo lookup
	lookup, closeGeo, err := geo.Open(geo.Options{
		Provider: cfg.GeoProvider,
		DBPath:   cfg.GeoIPDBPath,
		HTTPURL:  cfg.GeoHTTPURL,
		Timeout:  cfg.GeoLookupTimeout,
	})
	if err != nil {
		closeStore(context.Background())
		if cacheClient != nil {
			_ = cacheClient.Close()
		}
		return fmt.Errorf("geo provider: %w", err)
	}
	if lookup != nil && cacheClient != nil {
		lookup = geo.NewCached(lookup, cacheClient, cfg.GeoCacheTTL, logger, recorder)
	}
	logger.Info("geo lookup configured", "provider", cfg.GeoProvider, "cached", lookup != nil && cacheClient != nil)

	// Tracking pipeline
	active := registry.New(cfg.ActiveWindow)
	sweeper := registry.NewSweeper(active, cfg.ActiveSweepInterval, logger, recorder)

	tracker := analytics.NewTracker(analytics.TrackerConfig{
		Ledger:      store,
		Aggregator:  store,
		Activity:    active,
		Regions:     analytics.NewRegionClassifier(lookup, cfg.GeoLookupTimeout),
		Filter:      analytics.NewPathFilter(cfg.TrackExcludePrefixes...),
		DedupWindow: cfg.DedupWindow,
		Metrics:     recorder,
		Logger:      logger,
	})

	proxies, err := analytics.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	// Visits are recorded off the request path: in-process by default, or
	// through the Redis stream with the dispatcher as publish fallback.
	errLog := middleware.NewErrorLogger(logger.With("component", "middleware.track"), cfg.TrackErrorLogRPS)
	dispatcher := analytics.NewDispatcher(tracker, cfg.TrackTimeout, logger, recorder, errLog.Log)

	var queue analytics.VisitQueue = dispatcher
	var publisher *analytics.Publisher
	var worker *analytics.Worker
	if cfg.TrackQueue == config.QueueRedis {
		publisher = analytics.NewPublisher(cacheClient.Client(), dispatcher, logger, recorder)
		worker = analytics.NewWorker(cacheClient.Client(), tracker, logger, analytics.NewConsumerID(), recorder, errLog.Log)
		worker.SetRecordTimeout(cfg.TrackTimeout)
		queue = publisher
	}

	// Admin access
	var verifier *auth.Verifier
	if cfg.AdminKeyHash != "" {
		verifier, err = auth.NewVerifier(cfg.AdminKeyHash)
		if err != nil {
			return fmt.Errorf("admin key hash: %w", err)
		}
	} else {
		logger.Warn("ADMIN_KEY_HASH not set, admin API disabled")
	}

	// Initialize services and handlers
	statsService := service.NewStatsService(store, store, active, nil)

	var cacheChecker handler.HealthChecker
	if cacheClient != nil {
		cacheChecker = cacheClient
	}

	handlers := routerDeps{
		site:    handler.New(cfg.SiteDir),
		health:  handler.NewHealthHandler(cfg.StoreDriver, store, cacheChecker),
		metrics: handler.NewMetricsHandler(recorder),
		stats:   handler.NewStatsHandler(statsService, logger),
		active:  handler.NewActiveHandler(statsService, cfg.ActivePushInterval, middleware.CheckOrigin(cfg.GetCORSAllowedOrigins()), logger),
		track: middleware.TrackConfig{
			Tracker:      tracker,
			Queue:        queue,
			Proxies:      proxies,
			CookieSecure: cfg.CookieSecure,
			Logger:       logger,
			Errors:       errLog,
		},
		limiter:  middleware.NewIPLimiter(cfg.PublicRPS, cfg.PublicBurst),
		proxies:  proxies,
		verifier: verifier,
	}

	r := setupRouter(handlers, cfg, logger)

	srv := server.New(r, server.Options{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// Registered first, stopped last.
	srv.OnShutdown("store", func(ctx context.Context) error {
		closeStore(ctx)
		return nil
	})
	if cacheClient != nil {
		srv.OnShutdown("redis", func(ctx context.Context) error { return cacheClient.Close() })
	}
	srv.OnShutdown("geo", func(ctx context.Context) error { return closeGeo() })
	srv.OnShutdown("registry-sweeper", sweeper.Shutdown)
	srv.OnShutdown("track-dispatcher", dispatcher.Shutdown)
	if worker != nil {
		srv.OnShutdown("visit-worker", worker.Shutdown)
		srv.OnShutdown("visit-publisher", publisher.Shutdown)
	}
	srv.OnShutdown("active-streams", handlers.active.Shutdown)

	go func() {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("registry sweeper failed", "error", err)
		}
	}()
	if worker != nil {
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("visit worker failed", "error", err)
			}
		}()
	}

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"store", cfg.StoreDriver,
		"track_queue", cfg.TrackQueue,
		"trusted_proxies", len(cfg.TrustedProxies),
		"admin_enabled", verifier != nil,
	)

	return srv.Run(ctx)
}

// openStore connects the configured backend. The returned closer releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (analytics.Store, func(context.Context), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		repo, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error(
				"failed to connect to database",
				slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
				slog.String("database_url", redactURL(cfg.DatabaseURL)),
			)
			return nil, nil, errors.New("database unavailable")
		}
		logger.Info("connected to database")
		return repo, func(context.Context) { repo.Close() }, nil

	case config.DriverMongo:
		store, err := docstore.New(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			logger.Error(
				"failed to connect to MongoDB",
				slog.String("error", sanitizeError(err, cfg.MongoURL)),
				slog.String("mongo_url", redactURL(cfg.MongoURL)),
			)
			return nil, nil, errors.New("mongodb unavailable")
		}
		logger.Info("connected to MongoDB", "database", cfg.MongoDatabase)
		return store, func(ctx context.Context) {
			if err := store.Close(ctx); err != nil {
				logger.Error("failed to disconnect MongoDB", "error", err)
			}
		}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), func(context.Context) {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	var h slog.Handler

	level := parseLogLevel(cfg.LogLevel)

	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch cfg.LogFormat {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	case "pretty":
		h = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05",
		})
	default:
		h = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// routerDeps groups everything setupRouter mounts.
type routerDeps struct {
	site     *handler.Handler
	health   *handler.HealthHandler
	metrics  *handler.MetricsHandler
	stats    *handler.StatsHandler
	active   *handler.ActiveHandler
	track    middleware.TrackConfig
	limiter  *middleware.IPLimiter
	proxies  *analytics.TrustedProxies
	verifier *auth.Verifier
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(d routerDeps, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	// Health and metrics endpoints (never tracked)
	r.Get("/healthz", d.health.Healthz)
	r.Get("/readyz", d.health.Readyz)
	r.Get("/metrics", d.metrics.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIHeaders(cfg.IsDevelopment()))

		// Public live-visitor endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.CORS(cfg.GetCORSAllowedOrigins()))
			r.Use(middleware.RateLimitIP(d.limiter, d.proxies, logger))
			r.Get("/active", d.active.List)
			r.Get("/active/ws", d.active.Stream)
		})

		// Admin statistics; AdminAuth answers 404 when no key is configured.
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminAuth(d.verifier, logger))
			d.stats.Routes(r)
		})

		r.NotFound(d.site.NotFound)
		r.MethodNotAllowed(d.site.MethodNotAllowed)
	})

	// Everything else is the tracked site.
	site := middleware.Track(d.track)(d.site.Site())
	r.Handle("/", site)
	r.Handle("/*", site)

	r.MethodNotAllowed(d.site.MethodNotAllowed)

	return r
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
