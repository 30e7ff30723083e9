package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relay/backend/internal/infrastructure/cache"
	"github.com/relay/backend/internal/infrastructure/logger"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"github.com/relay/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// Idempotency headers
const (
	IdempotencyHeaderKey = "Idempotency-Key"
	ReplayedHeaderKey    = "Idempotent-Replayed"
)

const maxIdempotencyKeyLength = 255

// IdempotencyConfig configures the Idempotency middleware
type IdempotencyConfig struct {
	Store  cache.IdempotencyStore
	TTL    time.Duration
	Logger *zap.Logger
}

// Idempotency replays the stored response when a write is retried with the
// same Idempotency-Key. Keys are scoped to the tenant and route, so it must
// run after the tenant middleware. Requests without the header pass through.
// Responses with a 5xx status, and handler panics, are not stored and
// release the key.
func Idempotency(cfg IdempotencyConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeaderKey)
		if key == "" || cfg.Store == nil {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			abortWithError(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, "Idempotency-Key is too long")
			return
		}

		ctx := c.Request.Context()
		scoped := scopedIdempotencyKey(ctx, c.Request.Method, c.Request.URL.Path, key)

		stored, err := cfg.Store.Reserve(ctx, scoped, ttl)
		switch {
		case errors.Is(err, cache.ErrInFlight):
			abortWithError(c, http.StatusConflict, dto.ErrCodeConflict, "A request with this Idempotency-Key is still in progress")
			return
		case err != nil:
			logger.For(ctx, log).Warn("Idempotency store unavailable, processing request without it", zap.Error(err))
			c.Next()
			return
		case stored != nil:
			if stored.ContentType != "" {
				c.Header("Content-Type", stored.ContentType)
			}
			c.Header(ReplayedHeaderKey, "true")
			c.Status(stored.Status)
			_, _ = c.Writer.Write(stored.Body)
			c.Abort()
			return
		}

		// The request context may already be cancelled once the client is gone.
		storeCtx := context.WithoutCancel(ctx)
		release := func() {
			if err := cfg.Store.Release(storeCtx, scoped); err != nil {
				logger.For(ctx, log).Warn("Failed to release idempotency key", zap.Error(err))
			}
		}

		// A panicking handler never reaches the status check below; free the
		// key and let the recovery middleware answer.
		defer func() {
			if p := recover(); p != nil {
				release()
				panic(p)
			}
		}()

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := recorder.Status()
		if status >= http.StatusInternalServerError {
			release()
			return
		}
		resp := cache.Response{
			Status:      status,
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.body.Bytes(),
		}
		if err := cfg.Store.Complete(storeCtx, scoped, resp, ttl); err != nil {
			logger.For(ctx, log).Warn("Failed to store idempotent response", zap.Error(err))
		}
	}
}

// The concrete path keeps the cancel keys of different events apart.
func scopedIdempotencyKey(ctx context.Context, method, path, key string) string {
	tenantID, _ := tenancy.TenantID(ctx)
	return tenantID.String() + ":" + method + ":" + path + ":" + key
}

type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
