package persistence

import (
	"context"

	appevent "github.com/relay/backend/internal/application/event"
	"github.com/relay/backend/internal/domain/event"
	"github.com/relay/backend/internal/infrastructure/outbox"
	"gorm.io/gorm"
)

// GormEventTransactionScope implements TransactionScope on tenant-bound
// transactions. Repository writes and outbox records share one transaction.
type GormEventTransactionScope struct {
	transactor outbox.Transactor
	publisher  *outbox.Publisher
}

// NewGormEventTransactionScope creates a new GormEventTransactionScope.
// transactor is normally a *tenant.ConnectionProvider.
func NewGormEventTransactionScope(transactor outbox.Transactor, publisher *outbox.Publisher) *GormEventTransactionScope {
	return &GormEventTransactionScope{transactor: transactor, publisher: publisher}
}

// Execute runs the given function within a database transaction.
// If the function returns an error, the transaction is rolled back.
// If the function succeeds, the transaction is committed.
func (s *GormEventTransactionScope) Execute(ctx context.Context, fn func(repos appevent.TransactionalRepositories) error) error {
	return s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		return fn(&gormTransactionalRepositories{tx: tx, publisher: s.publisher})
	})
}

// gormTransactionalRepositories provides access to all repositories within a transaction.
type gormTransactionalRepositories struct {
	tx        *gorm.DB
	publisher *outbox.Publisher
}

// EventRepo returns the event repository scoped to the current transaction.
func (r *gormTransactionalRepositories) EventRepo() event.Repository {
	return NewGormEventRepository(r.tx)
}

// Publisher returns an outbox publisher bound to the current transaction.
func (r *gormTransactionalRepositories) Publisher() appevent.EventPublisher {
	return r.publisher.Bind(r.tx)
}

// Ensure GormEventTransactionScope implements TransactionScope
var _ appevent.TransactionScope = (*GormEventTransactionScope)(nil)

// Ensure gormTransactionalRepositories implements TransactionalRepositories
var _ appevent.TransactionalRepositories = (*gormTransactionalRepositories)(nil)
