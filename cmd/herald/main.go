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
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/analytics"
	"github.com/herald-run/herald/internal/api"
	"github.com/herald-run/herald/internal/circuitbreaker"
	"github.com/herald-run/herald/internal/config"
	"github.com/herald-run/herald/internal/dispatch"
	"github.com/herald-run/herald/internal/grouping"
	"github.com/herald-run/herald/internal/metrics"
	"github.com/herald-run/herald/internal/observ"
	"github.com/herald-run/herald/internal/prefs"
	"github.com/herald-run/herald/internal/queue"
	"github.com/herald-run/herald/internal/realtime"
	"github.com/herald-run/herald/internal/redis"
	"github.com/herald-run/herald/internal/registry"
	"github.com/herald-run/herald/internal/relay"
	"github.com/herald-run/herald/internal/scheduler"
	"github.com/herald-run/herald/internal/service"
	"github.com/herald-run/herald/internal/store"
	"github.com/herald-run/herald/internal/timerq"
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

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Postgres when configured, in-memory otherwise
	var st store.Store
	if cfg.DBHost != "" {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pg.Close()
		st = pg
		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.String("database", cfg.DBName),
		)
	} else {
		st = store.NewMemory()
		logger.Warn("no database configured, using in-memory store")
	}

	// Redis backs dedup, per-channel rate limits and the relay
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, dedup and relay disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	var deduper service.Deduper
	var intakeLimiter *redis.RateLimiter
	if redisClient != nil {
		deduper = redis.NewDeduper(redisClient)
		intakeLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		})
	}

	// Shared timer runner: retries, group windows, schedules, reaps
	timers := timerq.New(logger)
	go timers.Start(ctx)

	// Connection registry and websocket layer
	reg := registry.New(registry.Config{}, timers, logger)

	var rly *relay.Relay
	if redisClient != nil {
		rly = relay.New(redisClient.RDB(), reg, logger)
		go rly.Subscribe(ctx)
	}

	tracker := analytics.NewTracker(logger)
	preferences := prefs.NewInMemory()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		ErrorThreshold:  cfg.BreakerErrorThreshold,
		VolumeThreshold: cfg.BreakerVolumeThreshold,
		ErrorRate:       cfg.BreakerErrorRate,
		ResetTimeout:    cfg.BreakerResetTimeout,
		Timeout:         cfg.BreakerCallTimeout,
	}, logger)

	// Channel dispatchers
	mux := dispatch.NewMux(logger)

	emailDispatcher, err := dispatch.NewEmailDispatcher(ctx, dispatch.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("email dispatcher unavailable", zap.Error(err))
	} else {
		mux.Register(emailDispatcher, channelLimiter(redisClient, logger, cfg.EmailRateLimit))
	}

	smsDispatcher, err := dispatch.NewSMSDispatcher(ctx, dispatch.SMSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("sms dispatcher unavailable", zap.Error(err))
	} else {
		mux.Register(smsDispatcher, channelLimiter(redisClient, logger, cfg.SMSRateLimit))
	}

	if cfg.PushEndpointURL != "" {
		pushDispatcher := dispatch.NewPushDispatcher(dispatch.PushConfig{
			EndpointURL: cfg.PushEndpointURL,
			APIKey:      cfg.PushAPIKey,
			TokenPrefix: cfg.PushTokenPrefix,
		}, logger)
		mux.Register(pushDispatcher, channelLimiter(redisClient, logger, cfg.PushRateLimit))
	} else {
		logger.Warn("push endpoint not configured, push notifications disabled")
	}

	var relayPublisher dispatch.RelayPublisher
	if rly != nil {
		relayPublisher = rly
	}
	mux.Register(dispatch.NewInAppDispatcher(reg, relayPublisher, logger), nil)

	// Queue processor drives all outbound sends
	processor := queue.New(queue.Config{
		MaxSize:     cfg.QueueMaxSize,
		Workers:     cfg.QueueWorkers,
		MaxAttempts: cfg.QueueMaxAttempts,
	}, mux, breakers, preferences, st, tracker, timers, logger)
	go processor.Run(ctx)

	sched := scheduler.NewEngine(timers, processor.AddToQueue, logger)

	var broadcaster service.Broadcaster
	if rly != nil {
		broadcaster = rly
	}
	svc := service.New(st, deduper, sched, processor, broadcaster, tracker, logger)

	groups := grouping.NewEngine(timers, svc.FlushGroup, logger)
	svc.AttachGrouping(groups)

	gateway := realtime.New(reg, st, tracker, cfg.JWTSecret, logger)

	logger.Info("delivery core initialized",
		zap.Bool("email_enabled", emailDispatcher != nil),
		zap.Bool("sms_enabled", smsDispatcher != nil),
		zap.Bool("push_enabled", cfg.PushEndpointURL != ""),
		zap.Bool("relay_enabled", rly != nil),
	)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
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

	handler := api.NewHandler(logger, svc, st, processor, breakers, reg, sched, tracker)
	r.Route("/v1", func(r chi.Router) {
		// Request timeout stays off the root router so it cannot
		// bound long-lived websocket connections.
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(api.IntakeRateLimit(intakeLimiter, logger, api.CallerKey))
		r.Mount("/", handler.Routes())
	})

	// Websocket endpoint; timeouts are managed per-connection
	r.Get("/ws", gateway.Handler())

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
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

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop intake first, then let in-flight work drain
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		cancel()

		logger.Info("server stopped gracefully")
	}

	return nil
}

// channelLimiter builds a per-minute send limiter for one channel, or
// nil when Redis is unavailable or the limit is disabled.
func channelLimiter(client *redis.Client, logger *zap.Logger, perMinute int) *dispatch.Limiter {
	if client == nil || perMinute <= 0 {
		return nil
	}
	return dispatch.NewLimiter(client, logger, dispatch.Limits{PerMinute: perMinute}, dispatch.DefaultMaxWait)
}
