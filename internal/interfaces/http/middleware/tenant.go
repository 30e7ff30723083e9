package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/relay/backend/internal/infrastructure/logger"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"github.com/relay/backend/internal/interfaces/http/dto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Header and gin context keys for the tenant identity
const (
	TenantHeaderKey = "X-Tenant-ID"
	UserHeaderKey   = "X-User-ID"
	TenantIDKey     = "tenant_id"
)

// TenantMiddlewareConfig holds configuration for tenant middleware
type TenantMiddlewareConfig struct {
	// SkipPaths are paths that don't require tenant context (e.g., health check)
	SkipPaths []string
	// Required determines if tenant context is mandatory
	Required bool
	Logger   *zap.Logger
}

// DefaultTenantConfig returns default tenant middleware configuration
func DefaultTenantConfig() TenantMiddlewareConfig {
	return TenantMiddlewareConfig{
		SkipPaths: []string{"/health", "/ready"},
		Required:  true,
	}
}

// TenantMiddleware establishes a tenant scope from the X-Tenant-ID header
func TenantMiddleware() gin.HandlerFunc {
	return TenantMiddlewareWithConfig(DefaultTenantConfig())
}

// TenantMiddlewareWithConfig runs the rest of the chain inside a tenant scope
// built from X-Tenant-ID and the optional X-User-ID. The scope is cleared
// when the request completes, so nothing leaks into pooled goroutines or
// connections.
func TenantMiddlewareWithConfig(cfg TenantMiddlewareConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, skipPath := range cfg.SkipPaths {
			if path == skipPath || strings.HasPrefix(path, skipPath+"/") {
				c.Next()
				return
			}
		}

		rawTenant := strings.TrimSpace(c.GetHeader(TenantHeaderKey))
		if rawTenant == "" {
			if cfg.Required {
				abortWithError(c, http.StatusUnauthorized, dto.ErrCodeUnauthorized, "Tenant identification required")
				return
			}
			c.Next()
			return
		}

		tenantID, err := uuid.Parse(rawTenant)
		if err != nil || tenantID == uuid.Nil {
			abortWithError(c, http.StatusBadRequest, dto.ErrCodeInvalidTenant, "Invalid tenant ID format")
			return
		}

		userID := uuid.Nil
		if rawUser := strings.TrimSpace(c.GetHeader(UserHeaderKey)); rawUser != "" {
			if userID, err = uuid.Parse(rawUser); err != nil {
				abortWithError(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, "Invalid user ID format")
				return
			}
		}

		c.Set(TenantIDKey, tenantID.String())
		if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
			span.SetAttributes(attribute.String("tenant.id", tenantID.String()))
		}

		original := c.Request.Context()
		err = tenancy.Run(original, tenantID, userID, func(ctx context.Context) error {
			c.Request = c.Request.WithContext(ctx)
			logger.For(ctx, log).Debug("Tenant scope established")
			c.Next()
			return nil
		})
		c.Request = c.Request.WithContext(original)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, dto.ErrCodeInvalidTenant, "Invalid tenant scope")
		}
	}
}

// GetTenantID retrieves the tenant ID from gin.Context
func GetTenantID(c *gin.Context) string {
	if tenantID, exists := c.Get(TenantIDKey); exists {
		if tid, ok := tenantID.(string); ok {
			return tid
		}
	}
	return ""
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.NewErrorResponseWithRequestID(code, message, getRequestIDFromContext(c)))
}
