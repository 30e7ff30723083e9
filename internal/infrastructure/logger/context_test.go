package logger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	logger := zap.NewExample()
	ctx := WithContext(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
	var nilCtx context.Context
	assert.Nil(t, ContextFields(nilCtx))
}

func TestL_EnrichesWithScopeAndRequest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tenantID := uuid.New()
	userID := uuid.New()

	ctx := WithContext(context.Background(), zap.New(core))
	ctx = WithRequestID(ctx, "req-42")

	err := tenancy.Run(ctx, tenantID, userID, func(ctx context.Context) error {
		L(ctx).Info("inside scope")
		return nil
	})
	require.NoError(t, err)
	L(ctx).Info("outside scope")

	entries := logs.All()
	require.Len(t, entries, 2)

	inside := entries[0].ContextMap()
	assert.Equal(t, "req-42", inside["request_id"])
	assert.Equal(t, tenantID.String(), inside["tenant_id"])
	assert.Equal(t, userID.String(), inside["user_id"])

	outside := entries[1].ContextMap()
	assert.Equal(t, "req-42", outside["request_id"])
	assert.NotContains(t, outside, "tenant_id")
}

func TestFor_AddsTraceContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	For(ctx, zap.New(core)).Info("traced")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])

	assert.NotPanics(t, func() { For(ctx, nil).Info("dropped") })
}
