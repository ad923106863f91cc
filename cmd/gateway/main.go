package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/api"
	"github.com/stepline/stepline/internal/circuitbreaker"
	"github.com/stepline/stepline/internal/config"
	"github.com/stepline/stepline/internal/db"
	"github.com/stepline/stepline/internal/engine"
	"github.com/stepline/stepline/internal/metrics"
	"github.com/stepline/stepline/internal/observ"
	"github.com/stepline/stepline/internal/redis"
	"github.com/stepline/stepline/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ownerID, err := uuid.Parse(cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("invalid OWNER_ID: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting stepline gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("owner_id", cfg.OwnerID),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Initialize Redis for webhook dedupe and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, webhook dedupe disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var deduper *redis.Deduper
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		deduper = redis.NewDeduper(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per client
		})
		defer redisClient.Close()
	}

	// Initialize the message sender. Without channel credentials deliveries
	// are logged instead of pushed, which keeps local development useful.
	var sender transport.Sender
	lineSender, err := transport.NewLineSender(transport.LineConfig{
		ChannelToken: cfg.LineChannelToken,
		APIBase:      cfg.LineAPIBase,
	}, logger)
	if err != nil {
		logger.Warn("channel token not configured, deliveries will be logged only",
			zap.Error(err),
		)
		sender = transport.NewLogSender(logger)
	} else {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("line"), logger)
		sender = circuitbreaker.NewProtectedSender(lineSender, breaker, logger)
	}

	// Wire the delivery engine
	manager := engine.NewManager(repo, logger)
	scheduler := engine.NewScheduler(repo, cfg.BatchSize, logger)
	executor := engine.NewExecutor(repo, sender, manager, engine.ExecutorConfig{
		MaxRetries:   cfg.MaxRetries,
		BatchSize:    cfg.BatchSize,
		ProductName:  cfg.ProductName,
		ProductPrice: cfg.ProductPrice,
	}, logger)
	resolver := engine.NewResolver(repo, manager, logger)

	eng := engine.New(scheduler, executor, engine.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
	}, logger)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	go eng.Start(engineCtx)

	logger.Info("delivery engine started",
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("batch_size", cfg.BatchSize),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	opts := []api.Option{
		api.WithChannelSecret(cfg.LineChannelSecret),
	}
	if deduper != nil {
		opts = append(opts, api.WithDeduper(deduper))
	}
	if cfg.DefaultScenarioID != "" {
		defaultScenario, err := uuid.Parse(cfg.DefaultScenarioID)
		if err != nil {
			return fmt.Errorf("invalid DEFAULT_SCENARIO_ID: %w", err)
		}
		opts = append(opts, api.WithDefaultScenario(defaultScenario))
	}
	handler := api.NewHandler(logger, repo, manager, resolver, ownerID, opts...)

	r.Post("/webhook/line", handler.Webhook)

	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to operator routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/enrollments", handler.CreateEnrollment)
		r.Get("/enrollments", handler.ListEnrollments)
		r.Get("/enrollments/{id}", handler.GetEnrollment)
		r.Post("/enrollments/{id}/exit", handler.ExitEnrollment)

		r.Get("/friends/{shortUID}", handler.GetFriend)

		r.Post("/scenarios", handler.CreateScenario)
		r.Get("/scenarios/{id}", handler.GetScenario)
		r.Post("/scenarios/{id}/activate", handler.SetScenarioActive(true))
		r.Post("/scenarios/{id}/deactivate", handler.SetScenarioActive(false))

		r.Post("/invites", handler.CreateInvite)
		r.Post("/invites/{code}/deactivate", handler.DeactivateInvite)
		r.Post("/invites/{code}/redeem", handler.RedeemInvite)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the engine first so no delivery starts mid-shutdown
		engineCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
