package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	syncapp "github.com/erp/synccore/internal/application/sync"
	"github.com/erp/synccore/internal/infrastructure/cache"
	"github.com/erp/synccore/internal/infrastructure/config"
	"github.com/erp/synccore/internal/infrastructure/connectors"
	"github.com/erp/synccore/internal/infrastructure/logger"
	"github.com/erp/synccore/internal/infrastructure/persistence"
	"github.com/erp/synccore/internal/infrastructure/scheduler"
	"github.com/erp/synccore/internal/infrastructure/telemetry"
	"github.com/erp/synccore/internal/infrastructure/transport"
	"github.com/erp/synccore/internal/interfaces/http/handler"
	"github.com/erp/synccore/internal/interfaces/http/middleware"
	"github.com/erp/synccore/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting sync core",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	ctx := context.Background()

	// Telemetry providers. Both degrade to no-ops when disabled, so the
	// rest of the wiring never branches on cfg.Telemetry.Enabled.
	telemetryCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetryCfg, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetryCfg, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider.Meter("sync"))
	if err != nil {
		log.Fatal("Failed to initialize sync metrics", zap.Error(err))
	}

	// Database connection with zap-backed GORM logging
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, log, cfg.Log.Level)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if tracerProvider.IsEnabled() {
		if err := db.EnableTracing(); err != nil {
			log.Warn("Failed to enable database tracing", zap.Error(err))
		}
	}
	log.Info("Database connected successfully")

	// Repositories
	bindingRepo := persistence.NewGormBindingRepository(db.DB)
	credentialStore := persistence.NewGormCredentialStore(db.DB)
	documentRepo := persistence.NewGormDocumentRepository(db.DB)

	// Integration capabilities from config
	built, err := connectors.Build(cfg)
	if err != nil {
		log.Fatal("Failed to build integrations", zap.Error(err))
	}

	// Transport and application services
	sender := transport.NewClient(built.Resolver, credentialStore, log,
		transport.WithDemoResponder(built.Demo))
	binder := syncapp.NewBinder(sender, log)
	orchestrator := syncapp.NewOrchestrator(built.Registry, bindingRepo,
		documentRepo, credentialStore, sender, binder, log, syncMetrics)

	dedupStore, err := cache.NewDedupStore(cfg)
	if err != nil {
		log.Fatal("Failed to initialize dedup store", zap.Error(err))
	}
	ingress := syncapp.NewIngress(built.Registry, bindingRepo, dedupStore,
		orchestrator, cfg.Poller.DedupWindow, log, syncMetrics)

	// Status poller feeding the scheduler
	poller := syncapp.NewPoller(built.Registry, documentRepo, orchestrator,
		syncapp.PollerConfig{
			PendingRecoveryAge: cfg.Poller.PendingRecoveryAge,
			DefaultBackoff:     cfg.Poller.Interval,
		}, log, syncMetrics)

	pollScheduler, err := scheduler.NewPollScheduler(scheduler.PollSchedulerConfig{
		Enabled:           cfg.Poller.Enabled,
		Interval:          cfg.Poller.Interval,
		BatchSize:         cfg.Poller.BatchSize,
		MaxConcurrentJobs: cfg.Poller.MaxConcurrentJobs,
		JobTimeout:        cfg.Poller.JobTimeout,
	}, poller, poller, log)
	if err != nil {
		log.Fatal("Failed to create poll scheduler", zap.Error(err))
	}
	if err := pollScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start poll scheduler", zap.Error(err))
	}

	// HTTP layer
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Fatal("Failed to set trusted proxies", zap.Error(err))
		}
	}

	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger(log))
	engine.Use(middleware.CORS())
	engine.Use(middleware.Secure())
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))
	if tracerProvider.IsEnabled() {
		engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     true,
		}))
		engine.Use(middleware.SpanErrorMarker())
	}
	engine.Use(middleware.HTTPMetrics(meterProvider.Meter("http"), cfg.Telemetry.Enabled))

	apiLimiter := middleware.NewRateLimiter(300, time.Minute)
	webhookLimiter := middleware.NewRateLimiter(120, time.Minute)

	// Handlers
	syncHandler := handler.NewSyncHandler(orchestrator)
	webhookHandler := handler.NewWebhookHandler(ingress)
	credentialHandler := handler.NewCredentialHandler(credentialStore)
	systemHandler := handler.NewSystemHandler(pollScheduler)

	r := router.NewRouter(engine, router.WithAPIVersion("v1"))

	syncRoutes := router.NewDomainGroup("sync", "/sync")
	syncRoutes.Use(middleware.RateLimit(apiLimiter))
	syncRoutes.POST("/entities/:integration", syncHandler.Submit)
	syncRoutes.GET("/entities/:integration/:local_ref", syncHandler.Status)
	syncRoutes.POST("/entities/:integration/:local_ref/cancel", syncHandler.Cancel)
	syncRoutes.POST("/entities/:integration/:local_ref/query", syncHandler.Query)
	syncRoutes.GET("/entities/:integration/:local_ref/documents", syncHandler.History)
	syncRoutes.POST("/entities/:integration/:local_ref/modified", syncHandler.MarkModified)
	syncRoutes.DELETE("/entities/:integration/:local_ref/binding", syncHandler.Unbind)
	syncRoutes.GET("/documents/:id", syncHandler.Document)
	syncRoutes.PUT("/credentials/:integration/:mode", credentialHandler.Set)
	syncRoutes.GET("/credentials/:integration/:mode/status", credentialHandler.Status)

	webhookRoutes := router.NewDomainGroup("webhooks", "/webhooks")
	webhookRoutes.Use(middleware.WebhookRateLimit(webhookLimiter))
	webhookRoutes.POST("/:integration", webhookHandler.Receive)

	systemRoutes := router.NewDomainGroup("system", "/system")
	systemRoutes.GET("/info", systemHandler.GetSystemInfo)
	systemRoutes.GET("/ping", systemHandler.Ping)
	systemRoutes.GET("/poll-history", systemHandler.GetPollHistory)

	r.Register(syncRoutes).
		Register(webhookRoutes).
		Register(systemRoutes)
	r.Setup()

	engine.GET("/healthz", healthHandler(db, log))

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := pollScheduler.Stop(shutdownCtx); err != nil {
		log.Error("Poll scheduler shutdown failed", zap.Error(err))
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Meter provider shutdown failed", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer provider shutdown failed", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// healthHandler reports process liveness plus database reachability
func healthHandler(db *persistence.Database, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			log.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
