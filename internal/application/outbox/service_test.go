package outbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
	infraoutbox "github.com/relay/backend/internal/infrastructure/outbox"
	"github.com/relay/backend/internal/infrastructure/persistence/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testMaxRetries = 3

type gormTransactor struct {
	db *gorm.DB
}

func (g gormTransactor) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.db.WithContext(ctx).Transaction(fn)
}

func setupService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.OutboxRecordModel{}))

	svc := NewService(gormTransactor{db: db}, infraoutbox.NewGormStore(db), testMaxRetries, zap.NewNop())
	return svc, db
}

func seed(t *testing.T, db *gorm.DB, retryCount int, processed bool) *shared.OutboxRecord {
	t.Helper()
	record := shared.NewOutboxRecord("event.created", uuid.New(), []byte(`{"title":"standup"}`))
	record.CreatedAt = time.Now().UTC().Add(-time.Hour)
	record.RetryCount = retryCount
	if retryCount > 0 {
		record.LastError = "connection refused"
	}
	if processed {
		at := time.Now().UTC()
		record.ProcessedAt = &at
	}
	require.NoError(t, db.Create(models.OutboxRecordModelFromDomain(record)).Error)
	return record
}

func countRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.OutboxRecordModel{}).Count(&n).Error)
	return n
}

func TestService_GetStats(t *testing.T) {
	svc, db := setupService(t)
	seed(t, db, 0, false)
	seed(t, db, 1, false)
	seed(t, db, 0, true)
	seed(t, db, testMaxRetries, false)
	seed(t, db, testMaxRetries+2, false)

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(2), stats.Parked)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, testMaxRetries, stats.MaxRetries)
}

func TestService_ListParked(t *testing.T) {
	svc, db := setupService(t)
	for i := 0; i < 5; i++ {
		seed(t, db, testMaxRetries, false)
	}
	seed(t, db, 0, false)
	seed(t, db, testMaxRetries, true)

	result, err := svc.ListParked(context.Background(), ListFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, int64(5), result.Total)
	assert.Len(t, result.Records, 2)
	assert.Equal(t, 3, result.TotalPages)
	for _, r := range result.Records {
		assert.Equal(t, StatusParked, r.Status)
		assert.Equal(t, "connection refused", r.LastError)
	}
}

func TestService_GetRecord(t *testing.T) {
	svc, db := setupService(t)
	pending := seed(t, db, 1, false)
	processed := seed(t, db, 0, true)

	dto, err := svc.GetRecord(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, dto.Status)
	assert.Equal(t, "Event", dto.AggregateType)

	dto, err = svc.GetRecord(context.Background(), processed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, dto.Status)
	assert.NotNil(t, dto.ProcessedAt)

	_, err = svc.GetRecord(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestService_Requeue(t *testing.T) {
	svc, db := setupService(t)
	parked := seed(t, db, testMaxRetries, false)

	dto, err := svc.Requeue(context.Background(), parked.ID)
	require.NoError(t, err)

	assert.NotEqual(t, parked.ID, dto.ID)
	assert.Equal(t, StatusPending, dto.Status)
	assert.Equal(t, 0, dto.RetryCount)
	assert.Equal(t, parked.AggregateID, dto.AggregateID)
	assert.Equal(t, parked.EventType, dto.EventType)

	_, err = svc.GetRecord(context.Background(), parked.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound, "parked row is replaced, not reset")

	fresh, err := infraoutbox.NewGormStore(db).FindByID(context.Background(), dto.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(parked.Payload), string(fresh.Payload))
	assert.True(t, fresh.IsClaimable(testMaxRetries))
	assert.Equal(t, int64(1), countRows(t, db))
}

func TestService_Requeue_RejectsRecordsThatAreNotParked(t *testing.T) {
	svc, db := setupService(t)
	pending := seed(t, db, 1, false)
	processed := seed(t, db, testMaxRetries, true)

	_, err := svc.Requeue(context.Background(), pending.ID)
	assert.ErrorIs(t, err, ErrNotParked)

	_, err = svc.Requeue(context.Background(), processed.ID)
	assert.ErrorIs(t, err, ErrNotParked)

	_, err = svc.Requeue(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.Equal(t, int64(2), countRows(t, db), "failed requeues leave no copies behind")
}

func TestService_RequeueAll(t *testing.T) {
	svc, db := setupService(t)
	for i := 0; i < 120; i++ {
		seed(t, db, testMaxRetries, false)
	}
	seed(t, db, 1, false)

	count, err := svc.RequeueAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), count)

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Parked)
	assert.Equal(t, int64(121), stats.Pending)
}

func TestService_Discard(t *testing.T) {
	svc, db := setupService(t)
	parked := seed(t, db, testMaxRetries, false)
	pending := seed(t, db, 0, false)

	require.NoError(t, svc.Discard(context.Background(), parked.ID))
	_, err := svc.GetRecord(context.Background(), parked.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.ErrorIs(t, svc.Discard(context.Background(), pending.ID), ErrNotParked)
	assert.ErrorIs(t, svc.Discard(context.Background(), uuid.New()), ErrRecordNotFound)
	assert.Equal(t, int64(1), countRows(t, db))
}

func TestService_StoreFailureIsReportedAsInternal(t *testing.T) {
	svc, db := setupService(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = svc.GetStats(context.Background())
	var domainErr *shared.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "INTERNAL_ERROR", domainErr.Code)
}
