// Package testutil starts disposable PostgreSQL instances for integration
// tests. Tests using it are skipped with -short.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/relay/backend/internal/infrastructure/migration"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AppRole is the non-superuser role the application connects as. Row-level
// security applies to it; superusers bypass every policy.
const AppRole = "relay_app"

const appPassword = "relay_app"

// Postgres is a migrated database with two connection pools
type Postgres struct {
	AdminDSN string
	AppDSN   string
	// Admin connects as the superuser and sees every row
	Admin *gorm.DB
	// App connects as AppRole and is subject to row-level security
	App *gorm.DB
}

// NewPostgres starts a PostgreSQL container, applies the embedded
// migrations and creates AppRole. Everything is torn down with t.
func NewPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("relay_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	adminDSN, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migration.NewFromURL(adminDSN, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	admin := Open(t, adminDSN)
	require.NoError(t, admin.Exec(fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD '%s'", AppRole, appPassword)).Error)
	require.NoError(t, admin.Exec("GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO "+AppRole).Error)

	appDSN, err := withUser(adminDSN, AppRole, appPassword)
	require.NoError(t, err)

	return &Postgres{
		AdminDSN: adminDSN,
		AppDSN:   appDSN,
		Admin:    admin,
		App:      Open(t, appDSN),
	}
}

// Open connects to dsn with the settings the application uses
func Open(t *testing.T, dsn string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
		TranslateError:         true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func withUser(dsn, user, password string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}
