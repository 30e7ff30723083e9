// Package outbox implements the transactional outbox: events are written to
// the outbox_records table inside the caller's business transaction and
// delivered to the broker later by the Dispatcher, at least once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/relay/backend/internal/domain/shared"
	"github.com/relay/backend/internal/infrastructure/tenancy"
	"gorm.io/gorm"
)

var (
	// ErrNoActiveTransaction is returned when Publish is called with a
	// *gorm.DB that is not inside a transaction
	ErrNoActiveTransaction = errors.New("publish requires an active transaction")

	// ErrSerialization is matched by every *SerializationError
	ErrSerialization = errors.New("event serialization failed")

	errNilEvent = errors.New("event is nil")
)

// SerializationError reports an event that could not be turned into a payload.
// The caller must roll back its transaction.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize event %q: %v", e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() []error {
	return []error{ErrSerialization, e.Err}
}

// Retryable always reports false: the same event will fail again.
func (e *SerializationError) Retryable() bool {
	return false
}

// Serializer turns a domain event into the payload stored in the outbox
type Serializer interface {
	Serialize(event shared.DomainEvent) ([]byte, error)
}

// JSONSerializer serializes events with encoding/json
type JSONSerializer struct{}

// Serialize implements Serializer
func (JSONSerializer) Serialize(event shared.DomainEvent) ([]byte, error) {
	return json.Marshal(event)
}

// Publisher appends events to the outbox inside the caller's transaction.
// It never talks to the broker.
type Publisher struct {
	store      Store
	serializer Serializer
}

// NewPublisher creates a publisher. A nil serializer means JSONSerializer.
func NewPublisher(store Store, serializer Serializer) *Publisher {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	return &Publisher{store: store, serializer: serializer}
}

// Publish records event in the outbox using tx, which must be an open
// transaction. The record commits or rolls back with tx.
func (p *Publisher) Publish(ctx context.Context, tx *gorm.DB, event shared.DomainEvent) error {
	return p.PublishAll(ctx, tx, event)
}

// PublishAll records every event using tx, stopping at the first failure
func (p *Publisher) PublishAll(ctx context.Context, tx *gorm.DB, events ...shared.DomainEvent) error {
	if !InTransaction(tx) {
		return shared.NewConfigurationError("outbox.Publish", ErrNoActiveTransaction)
	}

	store := p.store.WithTx(tx)
	for _, event := range events {
		record, err := p.buildRecord(ctx, event)
		if err != nil {
			return err
		}
		if err := store.Append(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// Bind returns a publisher that always writes through tx
func (p *Publisher) Bind(tx *gorm.DB) *TxPublisher {
	return &TxPublisher{publisher: p, tx: tx}
}

func (p *Publisher) buildRecord(ctx context.Context, event shared.DomainEvent) (*shared.OutboxRecord, error) {
	if event == nil {
		return nil, shared.NewConfigurationError("outbox.Publish", errNilEvent)
	}

	payload, err := p.serializer.Serialize(event)
	if err != nil {
		return nil, &SerializationError{EventType: event.EventType(), Err: err}
	}

	record := shared.NewOutboxRecord(event.EventType(), event.AggregateID(), payload)
	if tenantID, ok := tenancy.TenantID(ctx); ok {
		record.TenantID = &tenantID
	} else if tenantID := event.TenantID(); tenantID != uuid.Nil {
		record.TenantID = &tenantID
	}
	return record, nil
}

// TxPublisher is a Publisher bound to one transaction
type TxPublisher struct {
	publisher *Publisher
	tx        *gorm.DB
}

// Publish records events in the bound transaction
func (p *TxPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	return p.publisher.PublishAll(ctx, p.tx, events...)
}

// InTransaction reports whether tx runs inside a database transaction
func InTransaction(tx *gorm.DB) bool {
	if tx == nil || tx.Statement == nil || tx.Statement.ConnPool == nil {
		return false
	}
	committer, ok := tx.Statement.ConnPool.(gorm.TxCommitter)
	return ok && committer != nil
}
