package router

import (
	"github.com/gin-gonic/gin"
	"github.com/relay/backend/internal/infrastructure/logger"
	"github.com/relay/backend/internal/interfaces/http/handler"
	"github.com/relay/backend/internal/interfaces/http/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// EngineConfig holds the HTTP surface settings
type EngineConfig struct {
	ServiceName    string
	Tracing        bool
	MaxBodySize    int64
	CORS           middleware.CORSConfig
	TrustedProxies []string
	// Idempotency is applied to event writes when its Store is set
	Idempotency middleware.IdempotencyConfig
}

// Handlers groups the HTTP handlers mounted by NewEngine
type Handlers struct {
	System *handler.SystemHandler
	Events *handler.EventHandler
	Outbox *handler.OutboxHandler
}

// NewEngine builds the gin engine. Event routes require a tenant; the
// system routes, outbox administration included, and the probes run
// without one.
func NewEngine(cfg EngineConfig, h Handlers, log *zap.Logger, meter metric.Meter) (*gin.Engine, error) {
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	middleware.SetupValidator()

	metricsMiddleware, err := middleware.HTTPMetrics(meter)
	if err != nil {
		return nil, err
	}

	tenantCfg := middleware.DefaultTenantConfig()
	tenantCfg.Logger = log

	idemCfg := cfg.Idempotency
	if idemCfg.Logger == nil {
		idemCfg.Logger = log
	}

	events := NewRouteGroup("events", "/events").
		TenantScoped().
		IdempotentWrites().
		POST("", h.Events.Create).
		GET("", h.Events.List).
		GET("/:id", h.Events.Get).
		POST("/:id/cancel", h.Events.Cancel)

	system := NewRouteGroup("system", "/system").
		GET("/info", h.System.GetSystemInfo)
	system.Group("outbox", "/outbox").
		GET("/stats", h.Outbox.GetStats).
		GET("/parked", h.Outbox.ListParked).
		POST("/requeue-all", h.Outbox.RequeueAll).
		GET("/:id", h.Outbox.GetRecord).
		POST("/:id/requeue", h.Outbox.Requeue).
		DELETE("/:id", h.Outbox.Discard)

	NewRouter(engine,
		WithMiddleware(Middleware{
			Recovery: logger.Recovery(log),
			Tracing: middleware.Tracing(middleware.TracingConfig{
				ServiceName: cfg.ServiceName,
				Enabled:     cfg.Tracing,
			}),
			Logging:   logger.GinMiddleware(log),
			Metrics:   metricsMiddleware,
			Secure:    middleware.Secure(),
			CORS:      middleware.CORSWithConfig(cfg.CORS),
			BodyLimit: middleware.BodyLimit(cfg.MaxBodySize),
		}),
		WithTenant(middleware.TenantMiddlewareWithConfig(tenantCfg)),
		WithIdempotency(middleware.Idempotency(idemCfg)),
	).
		Probe("/health", h.System.Health).
		Probe("/ready", h.System.Ready).
		Register(events).
		Register(system).
		Setup()

	return engine, nil
}
