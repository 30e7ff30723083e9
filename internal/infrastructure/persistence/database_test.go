package persistence

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/relay/backend/internal/infrastructure/config"
	"github.com/relay/backend/internal/infrastructure/persistence/models"
	"github.com/relay/backend/internal/infrastructure/persistence/tenant"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
)

func testDatabaseConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		MaxOpenConns:    7,
		MaxIdleConns:    3,
		ConnMaxLifetime: 5,
		ConnMaxIdleTime: 1,
	}
}

func openMock(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	mock.ExpectPing()
	db, err := Open(postgres.New(postgres.Config{Conn: mockDB, DriverName: "postgres"}), testDatabaseConfig(), nil)
	require.NoError(t, err)
	return db, mock
}

func TestOpen_AppliesPoolSettingsAndPings(t *testing.T) {
	db, mock := openMock(t)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 7, stats.MaxOpenConnections)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_PingFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	_, err = Open(postgres.New(postgres.Config{Conn: mockDB, DriverName: "postgres"}), testDatabaseConfig(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ping database")
}

func TestDatabase_Ping(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db, mock := openMock(t)
		mock.ExpectPing()
		assert.NoError(t, db.Ping(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy", func(t *testing.T) {
		db, mock := openMock(t)
		mock.ExpectPing().WillReturnError(errors.New("server closed the connection"))
		assert.Error(t, db.Ping(context.Background()))
	})
}

func TestDatabase_Close(t *testing.T) {
	db, mock := openMock(t)
	mock.ExpectClose()

	require.NoError(t, db.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabase_Stats(t *testing.T) {
	db, _ := openMock(t)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, stats.InUse+stats.Idle, stats.OpenConnections)
	assert.Equal(t, time.Duration(0), stats.WaitDuration)
}

func TestDatabase_EnableTenantFilter(t *testing.T) {
	db, mock := openMock(t)
	require.NoError(t, db.EnableTenantFilter(true))

	tenantID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "events" WHERE id = $1 AND "events"."tenant_id" = $2`)).
		WithArgs(sqlmock.AnyArg(), tenantID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id"}))

	err := tenancy.Run(context.Background(), tenantID, uuid.Nil, func(ctx context.Context) error {
		var rows []models.EventModel
		return db.DB.WithContext(ctx).Where("id = ?", uuid.New()).Find(&rows).Error
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	var rows []models.EventModel
	err = db.DB.WithContext(context.Background()).Find(&rows).Error
	assert.ErrorIs(t, err, tenant.ErrTenantIDRequired)
}

func TestDatabase_ConnectionProvider(t *testing.T) {
	db, _ := openMock(t)

	provider, err := db.ConnectionProvider(tenant.DefaultProviderConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, provider)
}
