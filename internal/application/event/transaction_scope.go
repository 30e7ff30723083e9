package event

import (
	"context"

	"github.com/relay/backend/internal/domain/event"
	"github.com/relay/backend/internal/domain/shared"
)

// EventPublisher appends domain events to the outbox of the current transaction
type EventPublisher interface {
	Publish(ctx context.Context, events ...shared.DomainEvent) error
}

// TransactionScope runs work in one database transaction on a connection
// bound to the caller's tenant. Domain rows and the events announcing them
// commit or roll back together.
type TransactionScope interface {
	// Execute runs fn in a transaction. An error from fn rolls back every
	// write, including published events.
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// TransactionalRepositories provides access to repositories within a transaction.
// Everything returned shares the same underlying database transaction.
type TransactionalRepositories interface {
	// EventRepo returns the event repository scoped to the current transaction
	EventRepo() event.Repository
	// Publisher returns the outbox publisher scoped to the current transaction
	Publisher() EventPublisher
}
