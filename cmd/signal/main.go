package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxcall/internal/core/services"
	httphandlers "proxcall/internal/handlers/http"
	"proxcall/internal/infrastructure/middleware"
	"proxcall/internal/infrastructure/monitoring"
	repositories "proxcall/internal/infrastructure/repositories"
	signalhub "proxcall/internal/infrastructure/signal"
	"proxcall/pkg/config"
	"proxcall/pkg/logger"
	"proxcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/proxcall/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("PROXCALL_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	// No file anywhere: defaults plus environment.
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	startTime := time.Now()

	cfg, configPath, err := loadConfig()
	if err != nil {
		logger.New("error").Sugar().Fatalw("failed to load configuration", "path", configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if configPath != "" {
		log.Infow("loaded configuration", "path", configPath)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	positions := repoFactory.CreatePositionStore()
	callLog := repoFactory.CreateCallLog()

	// Handlers are added below, before any goroutine can emit.
	dispatcher := services.NewDispatcher()

	tracker := services.NewProximityTracker(services.ProximityConfig{
		Range:             cfg.Proximity.Range,
		CellSize:          cfg.EffectiveCellSize(),
		HeartbeatInterval: cfg.Proximity.HeartbeatInterval,
		RecheckInterval:   cfg.Proximity.RecheckInterval,
		SignificantMove:   cfg.Proximity.SignificantMove,
	}, dispatcher, positions, log.Named("proximity"))

	registry := services.NewCallRegistry(services.CallConfig{
		RequestTimeout:           cfg.Call.RequestTimeout,
		EndManualOnProximityLoss: cfg.Call.EndManualOnProximityLoss,
	}, dispatcher, callLog, log.Named("calls"), services.WithPresence(tracker))

	hub := signalhub.NewHub(signalhub.HubConfig{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		SendBufferSize:    cfg.Signal.SendBufferSize,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MaxConnections:    wsLimit(cfg, cfg.RateLimiting.WebSocket.MaxConcurrent),
		MessagesPerSecond: wsRate(cfg),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
	}, tracker, registry, zapLogger.Named("hub"))

	relay := services.NewSignalingRelay(registry, hub, dispatcher, log.Named("relay"))
	hub.SetRelay(relay)

	policy := services.NewProximityCallPolicy(services.AutoConnectConfig{
		Enabled:    cfg.AutoConnect.Enabled,
		Range:      cfg.AutoConnect.Range,
		AutoAccept: cfg.AutoConnect.AutoAccept,
	}, registry, tracker, log.Named("policy"))

	dispatcher.Add(hub)
	dispatcher.Add(policy)

	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewCollector(prometheus.DefaultRegisterer)
		collector.RegisterGauges(tracker.Len, registry.LiveCount, hub.ConnectedCount)
		dispatcher.Add(collector)
	}

	go func() {
		if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("proximity loop stopped", "error", err)
		}
	}()

	health := monitoring.NewHealthChecker()
	health.AddCheck("signaling_hub", hub.HealthCheck, time.Second)
	if repoFactory.UsesRedis() {
		health.AddCheck("redis", repoFactory.HealthCheck, 2*time.Second)
	}

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if auth.DevMode() {
		log.Warn("auth.jwt_secret is empty, trusting the user_id query parameter")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(zapLogger),
	)

	// Open websockets are capped by the hub; only connection attempts are rate limited here.
	router.GET("/ws",
		middleware.AuthMiddleware(auth, log),
		middleware.NewConnectRateLimitMiddleware(cfg),
		gin.WrapF(hub.HandleWebSocket),
	)

	limited := router.Group("", middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	httphandlers.NewAPIHandler(tracker, registry).SetupRoutes(limited)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting proxcall signaling server",
			"address", cfg.Server.Address,
			"proximity_range", cfg.Proximity.Range,
			"auto_connect", cfg.AutoConnect.Enabled,
			"redis", repoFactory.UsesRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	cancel()
	registry.Close()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("proxcall signaling server stopped")
}

func wsLimit(cfg *config.Config, n int) int {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return n
}

func wsRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}
