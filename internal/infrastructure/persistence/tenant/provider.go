// Package tenant binds database work to the active tenant.
//
// Every connection handed out by ConnectionProvider carries the tenant and
// user of the caller's tenancy.Scope as Postgres session settings, which the
// row-level security policies compare against. A connection checked out
// without a scope has both settings reset to the empty string, so no
// connection ever keeps the identity of its previous borrower.
//
// Usage:
//
//	err := provider.Transaction(ctx, func(tx *gorm.DB) error {
//		if err := repo.WithTx(tx).Create(ctx, ev); err != nil {
//			return err
//		}
//		return publisher.Publish(ctx, tx, ev.Created())
//	})
package tenant

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relay/backend/internal/infrastructure/tenancy"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrSessionBinding is returned when the tenant session settings could not
// be applied to or reset on a connection. The connection is discarded.
var ErrSessionBinding = errors.New("tenant session binding failed")

const (
	DefaultTenantSetting = "app.current_tenant"
	DefaultUserSetting   = "app.current_user"

	bindStatement = "SELECT set_config($1, $2, false), set_config($3, $4, false)"
	resetTimeout  = 5 * time.Second
)

// ProviderConfig names the session settings the provider writes
type ProviderConfig struct {
	TenantSetting string
	UserSetting   string
}

// DefaultProviderConfig returns the settings used by the RLS policies
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		TenantSetting: DefaultTenantSetting,
		UserSetting:   DefaultUserSetting,
	}
}

// ConnectionProvider checks out pooled connections bound to the caller's tenant
type ConnectionProvider struct {
	db     *gorm.DB
	pool   *sql.DB
	cfg    ProviderConfig
	logger *zap.Logger
}

// NewConnectionProvider creates a provider over the pool behind db
func NewConnectionProvider(db *gorm.DB, cfg ProviderConfig, logger *zap.Logger) (*ConnectionProvider, error) {
	pool, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if cfg.TenantSetting == "" {
		cfg.TenantSetting = DefaultTenantSetting
	}
	if cfg.UserSetting == "" {
		cfg.UserSetting = DefaultUserSetting
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionProvider{
		db:     db,
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("tenant_provider"),
	}, nil
}

// Acquire checks out a dedicated connection and binds it to the tenant in
// ctx, or resets the binding when ctx carries no tenant scope.
// The caller must Release the connection.
func (p *ConnectionProvider) Acquire(ctx context.Context) (*ScopedConn, error) {
	conn, err := p.pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	tenantValue, userValue := sessionValues(tenancy.FromContext(ctx))
	if err := p.bind(ctx, conn, tenantValue, userValue); err != nil {
		p.discard(conn)
		p.logger.Warn("discarded connection after failed tenant binding",
			zap.String("tenant_id", tenantValue),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrSessionBinding, err)
	}

	session := p.db.Session(&gorm.Session{NewDB: true, Context: ctx})
	session.Statement.ConnPool = conn

	return &ScopedConn{
		provider: p,
		conn:     conn,
		db:       session,
		ctx:      ctx,
		tenantID: tenantValue,
	}, nil
}

// WithConnection acquires a scoped connection, runs fn and releases the
// connection on every exit path.
func (p *ConnectionProvider) WithConnection(ctx context.Context, fn func(conn *ScopedConn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := conn.Release(); relErr != nil {
			p.logger.Warn("failed to release tenant connection", zap.Error(relErr))
		}
	}()
	return fn(conn)
}

// Transaction runs fn inside a database transaction on a scoped connection
func (p *ConnectionProvider) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return p.WithConnection(ctx, func(conn *ScopedConn) error {
		return conn.Transaction(ctx, fn)
	})
}

func (p *ConnectionProvider) bind(ctx context.Context, conn *sql.Conn, tenantValue, userValue string) error {
	_, err := conn.ExecContext(ctx, bindStatement,
		p.cfg.TenantSetting, tenantValue,
		p.cfg.UserSetting, userValue,
	)
	return err
}

// discard closes conn instead of returning it to the pool
func (p *ConnectionProvider) discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

func sessionValues(scope *tenancy.Scope) (string, string) {
	tenantID, ok := scope.GetOptional()
	if !ok {
		return "", ""
	}
	userValue := ""
	if userID, ok := scope.UserID(); ok {
		userValue = userID.String()
	}
	return tenantID.String(), userValue
}

// ScopedConn is a pooled connection bound to one tenant for its lifetime
type ScopedConn struct {
	provider *ConnectionProvider
	conn     *sql.Conn
	db       *gorm.DB
	ctx      context.Context
	tenantID string

	mu       sync.Mutex
	released bool
}

// DB returns a GORM session pinned to this connection
func (c *ScopedConn) DB() *gorm.DB {
	return c.db
}

// TenantID returns the bound tenant, or "" for an unscoped connection
func (c *ScopedConn) TenantID() string {
	return c.tenantID
}

// Transaction runs fn in a transaction on this connection
func (c *ScopedConn) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.db.WithContext(ctx).Transaction(fn)
}

// Release resets the session settings and returns the connection to the
// pool. If the reset fails the connection is discarded instead.
// Calling Release more than once is a no-op.
func (c *ScopedConn) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), resetTimeout)
	defer cancel()

	if err := c.provider.bind(ctx, c.conn, "", ""); err != nil {
		c.provider.discard(c.conn)
		return fmt.Errorf("%w: reset: %w", ErrSessionBinding, err)
	}
	return c.conn.Close()
}
