package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/persistence/models"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func countRecords(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.OutboxRecordModel{}).Count(&n).Error)
	return n
}

func TestPublisher_Publish_CommitsWithTransaction(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)
	event := newTestEvent("order.created")

	err := db.Transaction(func(tx *gorm.DB) error {
		return publisher.Publish(context.Background(), tx, event)
	})
	require.NoError(t, err)

	var rows []models.OutboxRecordModel
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)

	record := rows[0].ToDomain()
	assert.Equal(t, "order.created", record.EventType)
	assert.Equal(t, "Order", record.AggregateType)
	assert.Equal(t, event.AggregateID(), record.AggregateID)
	assert.True(t, record.IsPending())
	assert.Equal(t, 0, record.RetryCount)
	assert.Nil(t, record.TenantID)
	assert.Contains(t, string(record.Payload), `"note":"hello"`)
}

func TestPublisher_Publish_RollsBackWithTransaction(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)
	businessErr := errors.New("business rule violated")

	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, publisher.Publish(context.Background(), tx, newTestEvent("order.created")))
		return businessErr
	})

	assert.ErrorIs(t, err, businessErr)
	assert.Equal(t, int64(0), countRecords(t, db))
}

func TestPublisher_Publish_RequiresTransaction(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)

	err := publisher.Publish(context.Background(), db, newTestEvent("order.created"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	var cfgErr *shared.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.False(t, shared.IsRetryable(err))
	assert.Equal(t, int64(0), countRecords(t, db))

	assert.ErrorIs(t, publisher.Publish(context.Background(), nil, newTestEvent("order.created")), ErrNoActiveTransaction)
}

func TestPublisher_Publish_SerializationFailure(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)
	event := &unserializableEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent("stream.opened", uuid.New(), uuid.Nil),
		Stream:          make(chan int),
	}

	var publishErr error
	err := db.Transaction(func(tx *gorm.DB) error {
		publishErr = publisher.Publish(context.Background(), tx, event)
		return publishErr
	})

	require.Error(t, err)
	assert.ErrorIs(t, publishErr, ErrSerialization)
	var serErr *SerializationError
	require.ErrorAs(t, publishErr, &serErr)
	assert.Equal(t, "stream.opened", serErr.EventType)
	assert.False(t, serErr.Retryable())
	assert.Equal(t, int64(0), countRecords(t, db))
}

func TestPublisher_Publish_TenantFromScope(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)
	scopeTenant := uuid.New()
	eventTenant := uuid.New()

	event := newTestEvent("order.created")
	event.TenantIDValue = eventTenant

	err := tenancy.Run(context.Background(), scopeTenant, uuid.Nil, func(ctx context.Context) error {
		return db.Transaction(func(tx *gorm.DB) error {
			return publisher.Publish(ctx, tx, event)
		})
	})
	require.NoError(t, err)

	var row models.OutboxRecordModel
	require.NoError(t, db.First(&row).Error)
	require.NotNil(t, row.TenantID)
	assert.Equal(t, scopeTenant, *row.TenantID, "scope wins over the event")
}

func TestPublisher_Publish_TenantFromEventWithoutScope(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)
	eventTenant := uuid.New()
	event := newTestEvent("order.created")
	event.TenantIDValue = eventTenant

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return publisher.Publish(context.Background(), tx, event)
	}))

	var row models.OutboxRecordModel
	require.NoError(t, db.First(&row).Error)
	require.NotNil(t, row.TenantID)
	assert.Equal(t, eventTenant, *row.TenantID)
}

func TestPublisher_PublishAll_IsAllOrNothing(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)
	bad := &unserializableEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent("stream.opened", uuid.New(), uuid.Nil),
		Stream:          make(chan int),
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		return publisher.PublishAll(context.Background(), tx, newTestEvent("order.created"), bad)
	})
	assert.ErrorIs(t, err, ErrSerialization)
	assert.Equal(t, int64(0), countRecords(t, db))

	err = db.Transaction(func(tx *gorm.DB) error {
		return publisher.PublishAll(context.Background(), tx,
			newTestEvent("order.created"),
			newTestEvent("order.shipped"),
		)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), countRecords(t, db))
}

func TestPublisher_PublishAll_RejectsNilEvent(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)

	err := db.Transaction(func(tx *gorm.DB) error {
		return publisher.PublishAll(context.Background(), tx, nil)
	})
	var cfgErr *shared.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestPublisher_Bind(t *testing.T) {
	db := setupSQLiteDB(t)
	publisher := NewPublisher(NewGormStore(db), nil)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return publisher.Bind(tx).Publish(context.Background(),
			newTestEvent("invoice.issued"),
			newTestEvent("invoice.sent"),
		)
	}))
	assert.Equal(t, int64(2), countRecords(t, db))

	assert.ErrorIs(t, publisher.Bind(db).Publish(context.Background(), newTestEvent("invoice.issued")), ErrNoActiveTransaction)
}

func TestInTransaction(t *testing.T) {
	db := setupSQLiteDB(t)

	assert.False(t, InTransaction(nil))
	assert.False(t, InTransaction(db))
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		assert.True(t, InTransaction(tx))
		return nil
	}))
}
