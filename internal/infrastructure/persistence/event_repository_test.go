package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/event"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/persistence/models"
	"github.com/relay/backend/internal/infrastructure/persistence/tenant"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupSQLite opens an isolated in-memory database with the event and
// outbox tables. SQLite has no row-level security, so the application
// tenant filter stands in for it.
func setupSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
		TranslateError:         true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.EventModel{}, &models.OutboxRecordModel{}))
	require.NoError(t, tenant.EnableAutoTenantFilter(db, true, TenantOwnedTables...))
	return db
}

func withTenant(t *testing.T, tenantID uuid.UUID, fn func(ctx context.Context)) {
	t.Helper()
	require.NoError(t, tenancy.Run(context.Background(), tenantID, uuid.Nil, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}))
}

func newScheduledEvent(t *testing.T, title string, startsAt time.Time) *event.Event {
	t.Helper()
	e, err := event.NewEvent(title, startsAt, uuid.New())
	require.NoError(t, err)
	return e
}

func TestGormEventRepository_CreateStampsTenant(t *testing.T) {
	db := setupSQLite(t)
	repo := NewGormEventRepository(db)
	tenantID := uuid.New()
	e := newScheduledEvent(t, "Planning", time.Now().Add(time.Hour))

	withTenant(t, tenantID, func(ctx context.Context) {
		require.NoError(t, repo.Create(ctx, e))
		assert.Equal(t, tenantID, e.TenantID)

		found, err := repo.FindByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, tenantID, found.TenantID)
		assert.Equal(t, "Planning", found.Title)
		assert.Equal(t, event.StatusScheduled, found.Status)
		assert.True(t, e.StartsAt.Equal(found.StartsAt))
		require.NotNil(t, found.CreatedBy)
		assert.Equal(t, *e.CreatedBy, *found.CreatedBy)
	})
}

func TestGormEventRepository_CreateWithoutTenantFails(t *testing.T) {
	db := setupSQLite(t)
	repo := NewGormEventRepository(db)

	err := repo.Create(context.Background(), newScheduledEvent(t, "Orphan", time.Now()))
	require.Error(t, err)

	var n int64
	require.NoError(t, db.Unscoped().Model(&models.EventModel{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestGormEventRepository_TenantIsolation(t *testing.T) {
	db := setupSQLite(t)
	repo := NewGormEventRepository(db)
	owner, other := uuid.New(), uuid.New()
	e := newScheduledEvent(t, "Board meeting", time.Now())

	withTenant(t, owner, func(ctx context.Context) {
		require.NoError(t, repo.Create(ctx, e))
	})

	withTenant(t, other, func(ctx context.Context) {
		_, err := repo.FindByID(ctx, e.ID)
		assert.ErrorIs(t, err, shared.ErrNotFound)

		events, total, err := repo.List(ctx, shared.DefaultPage(), shared.Sort{})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, events)

		require.NoError(t, e.Cancel("hijack"))
		assert.ErrorIs(t, repo.Update(ctx, e), shared.ErrNotFound)
	})

	withTenant(t, owner, func(ctx context.Context) {
		found, err := repo.FindByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, event.StatusScheduled, found.Status)
	})
}

func TestGormEventRepository_Update(t *testing.T) {
	db := setupSQLite(t)
	repo := NewGormEventRepository(db)
	tenantID := uuid.New()
	e := newScheduledEvent(t, "Launch", time.Now())

	withTenant(t, tenantID, func(ctx context.Context) {
		require.NoError(t, repo.Create(ctx, e))
		require.NoError(t, e.Cancel("postponed"))
		require.NoError(t, repo.Update(ctx, e))

		found, err := repo.FindByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, event.StatusCancelled, found.Status)
		assert.Equal(t, tenantID, found.TenantID)

		missing := newScheduledEvent(t, "Ghost", time.Now())
		assert.ErrorIs(t, repo.Update(ctx, missing), shared.ErrNotFound)
	})
}

func TestGormEventRepository_ListOrdersByStartTime(t *testing.T) {
	db := setupSQLite(t)
	repo := NewGormEventRepository(db)
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	withTenant(t, uuid.New(), func(ctx context.Context) {
		for i, hours := range []int{5, 1, 3, 2, 4} {
			e := newScheduledEvent(t, fmt.Sprintf("event-%d", i), base.Add(time.Duration(hours)*time.Hour))
			require.NoError(t, repo.Create(ctx, e))
		}

		events, total, err := repo.List(ctx, shared.Page{Page: 2, PageSize: 2}, shared.Sort{})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, events, 2)
		assert.True(t, events[0].StartsAt.Equal(base.Add(3*time.Hour)))
		assert.True(t, events[1].StartsAt.Equal(base.Add(4*time.Hour)))
	})
}

func TestGormEventRepository_ListWithoutTenantFails(t *testing.T) {
	db := setupSQLite(t)
	repo := NewGormEventRepository(db)

	_, _, err := repo.List(context.Background(), shared.DefaultPage(), shared.Sort{})
	assert.ErrorIs(t, err, tenant.ErrTenantIDRequired)
}

func TestGormEventRepository_ListSortsByWhitelistedField(t *testing.T) {
	db := setupSQLite(t)
	repo := NewGormEventRepository(db)

	withTenant(t, uuid.New(), func(ctx context.Context) {
		for _, title := range []string{"bravo", "alpha", "charlie"} {
			require.NoError(t, repo.Create(ctx, newScheduledEvent(t, title, time.Now())))
		}

		events, _, err := repo.List(ctx, shared.DefaultPage(), shared.Sort{Field: "title", Direction: "desc"})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "charlie", events[0].Title)
		assert.Equal(t, "alpha", events[2].Title)

		// unknown columns fall back to start time
		_, _, err = repo.List(ctx, shared.DefaultPage(), shared.Sort{Field: "title; DROP TABLE events"})
		require.NoError(t, err)
	})
}

func TestEventOrder(t *testing.T) {
	assert.Equal(t, "starts_at ASC, id ASC", eventOrder(shared.Sort{}))
	assert.Equal(t, "title ASC, id ASC", eventOrder(shared.Sort{Field: "title", Direction: "asc"}))
	assert.Equal(t, "starts_at DESC, id ASC", eventOrder(shared.Sort{Field: "tenant_id"}))
}
