package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	appevent "github.com/relay/backend/internal/application/event"
	appoutbox "github.com/relay/backend/internal/application/outbox"
	"github.com/relay/backend/internal/infrastructure/broker"
	"github.com/relay/backend/internal/infrastructure/cache"
	"github.com/relay/backend/internal/infrastructure/config"
	eventcodec "github.com/relay/backend/internal/infrastructure/event"
	"github.com/relay/backend/internal/infrastructure/logger"
	"github.com/relay/backend/internal/infrastructure/migration"
	"github.com/relay/backend/internal/infrastructure/outbox"
	"github.com/relay/backend/internal/infrastructure/persistence"
	"github.com/relay/backend/internal/infrastructure/telemetry"
	"github.com/relay/backend/internal/interfaces/http/handler"
	"github.com/relay/backend/internal/interfaces/http/middleware"
	"github.com/relay/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(cfg.Log.LoggerConfig())
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	tracingCfg := cfg.TracingConfig()

	tp, err := telemetry.NewTracerProvider(ctx, tracingCfg, log)
	if err != nil {
		return err
	}
	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Config:         tracingCfg,
		ExportInterval: cfg.Telemetry.MetricsInterval,
	}, log)
	if err != nil {
		return err
	}
	lp, err := telemetry.NewLoggerProvider(ctx, tracingCfg, log)
	if err != nil {
		return err
	}
	if lp.IsEnabled() {
		level, _ := logger.ParseLevel(cfg.Log.Level)
		log = telemetry.NewBridgedLogger(log, telemetry.NewZapOTELCore(lp, cfg.App.Name, level))
	}
	defer shutdownTelemetry(log, tp, mp, lp)

	profilerCfg := cfg.ProfilerConfig()
	profiler, err := telemetry.NewProfiler(profilerCfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			log.Warn("Error stopping profiler", zap.Error(err))
		}
	}()
	if profiler.IsEnabled() && profilerCfg.SpanProfiles {
		tp.EnableSpanProfiles()
	}

	log.Info("Starting relay",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("broker", cfg.Broker.Driver),
	)

	if cfg.Database.AutoMigrate {
		if err := migrateUp(cfg, log); err != nil {
			return err
		}
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh))
	db, err := persistence.NewDatabase(&cfg.Database, gormLog)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, cfg.DBTracingConfig(), log); err != nil {
		return err
	}
	if err := db.EnableTenantFilter(true); err != nil {
		return err
	}
	provider, err := db.ConnectionProvider(cfg.Tenant.ProviderConfig(), log)
	if err != nil {
		return err
	}
	log.Info("Database connected")

	b, err := broker.New(ctx, cfg.BrokerConfig(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("Error closing broker", zap.Error(err))
		}
	}()

	store := outbox.NewGormStore(db.DB)
	dispatcherCfg := cfg.Outbox.DispatcherConfig()
	outboxMetrics, err := telemetry.NewOutboxMetrics(mp.Meter("relay.outbox"), dispatcherCfg.Exchange)
	if err != nil {
		return err
	}
	dispatcher := outbox.NewDispatcher(provider, store, b, dispatcherCfg, log,
		outbox.WithMetrics(outboxMetrics),
		outbox.WithLabeler(telemetry.OutboxLabeler),
	)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Stop(stopCtx); err != nil {
			log.Warn("Outbox dispatcher did not stop in time", zap.Error(err))
		}
	}()

	scope := persistence.NewGormEventTransactionScope(provider, outbox.NewPublisher(store, eventcodec.NewDefaultSerializer()))
	eventService := appevent.NewService(scope, log)
	outboxService := appoutbox.NewService(provider, store, dispatcherCfg.MaxRetries, log)

	idempotencyStore, err := cache.NewIdempotencyStore(cfg.Idempotency.Store, cfg.CacheRedisConfig())
	if err != nil {
		return err
	}
	if idempotencyStore != nil {
		defer func() { _ = idempotencyStore.Close() }()
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	if len(cfg.HTTP.CORSAllowMethods) > 0 {
		cors.AllowMethods = cfg.HTTP.CORSAllowMethods
	}
	if len(cfg.HTTP.CORSAllowHeaders) > 0 {
		cors.AllowHeaders = cfg.HTTP.CORSAllowHeaders
	}

	engine, err := router.NewEngine(router.EngineConfig{
		ServiceName:    tracingCfg.ServiceName,
		Tracing:        tp.IsEnabled(),
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		CORS:           cors,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Idempotency: middleware.IdempotencyConfig{
			Store: idempotencyStore,
			TTL:   cfg.Idempotency.TTL,
		},
	}, router.Handlers{
		System: handler.NewSystemHandler(cfg.App.Name, cfg.App.Version, db),
		Events: handler.NewEventHandler(eventService),
		Outbox: handler.NewOutboxHandler(outboxService),
	}, log, mp.Meter("relay.http"))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("Shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	log.Info("Server exited")
	return nil
}

// migrateUp applies pending migrations over a dedicated connection
func migrateUp(cfg *config.Config, log *zap.Logger) error {
	m, err := migration.NewFromURL(cfg.Database.DSN(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("Error closing migrator", zap.Error(err))
		}
	}()
	return m.Up()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdownTelemetry(log *zap.Logger, providers ...shutdowner) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range providers {
		if err := p.Shutdown(ctx); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}
}
